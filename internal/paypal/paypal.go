package paypal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/gpg/payproc/internal/account"
	"github.com/gpg/payproc/internal/kv"
	"github.com/gpg/payproc/internal/perr"
	"github.com/gpg/payproc/internal/session"
)

const (
	liveBaseURL    = "https://api.paypal.com"
	sandboxBaseURL = "https://api.sandbox.paypal.com"
)

// Link is a HATEOAS link object embedded in PayPal API responses, keyed
// by Rel ("approval_url", "execute", "self", ...).
type Link struct {
	Href   string `json:"href"`
	Rel    string `json:"rel"`
	Method string `json:"method"`
}

func findLink(links []Link, rel string) (Link, bool) {
	for _, l := range links {
		if l.Rel == rel {
			return l, true
		}
	}
	return Link{}, false
}

// Client is the PayPal REST adapter (spec §4.7).
type Client struct {
	http         *resty.Client
	tokens       *TokenCache
	live         bool
	receiverMail string
}

// Config configures a Client.
type Config struct {
	ClientID     string
	ClientSecret string
	Live         bool
	ReceiverMail string // the merchant account IPN notifications must match
	Timeout      time.Duration
}

// New builds a Client pointed at the live or sandbox API per cfg.Live.
func New(cfg Config) *Client {
	baseURL := sandboxBaseURL
	if cfg.Live {
		baseURL = liveBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	httpClient := resty.New().SetBaseURL(baseURL).SetTimeout(timeout)
	return &Client{
		http:         httpClient,
		tokens:       NewTokenCache(httpClient, cfg.ClientID, cfg.ClientSecret),
		live:         cfg.Live,
		receiverMail: cfg.ReceiverMail,
	}
}

// authedRequest returns a resty request carrying the current bearer
// token, refreshing the token cache on demand.
func (c *Client) authedRequest(ctx context.Context) (*resty.Request, error) {
	token, err := c.tokens.GetAccessToken(ctx)
	if err != nil {
		return nil, err
	}
	return c.http.R().SetContext(ctx).SetAuthToken(token), nil
}

// noteIf401 marks the token cache's sticky flag when resp carries a 401,
// so the next call is forced to refresh (spec §4.7).
func (c *Client) noteIf401(resp *resty.Response) {
	if resp != nil && resp.StatusCode() == 401 {
		c.tokens.NoteUnauthorized()
	}
}

type paypalErrorEnvelope struct {
	Name    string `json:"name"`
	Message string `json:"message"`
}

func demux(resp *resty.Response) error {
	var env paypalErrorEnvelope
	_ = json.Unmarshal(resp.Body(), &env)
	return perr.UpstreamErr("paypal", fmt.Sprintf("paypal request failed with status %d", resp.StatusCode()), env.Name, env.Message)
}

// ---- Checkout prepare/execute (spec §4.7) ----

type paymentAmount struct {
	Total    string `json:"total"`
	Currency string `json:"currency"`
}

type paymentTransaction struct {
	Amount      paymentAmount `json:"amount"`
	Description string        `json:"description,omitempty"`
}

type redirectURLs struct {
	ReturnURL string `json:"return_url"`
	CancelURL string `json:"cancel_url"`
}

type createPaymentRequest struct {
	Intent       string               `json:"intent"`
	Payer        struct {
		PaymentMethod string `json:"payment_method"`
	} `json:"payer"`
	Transactions []paymentTransaction `json:"transactions"`
	RedirectURLs redirectURLs         `json:"redirect_urls"`
}

type paymentResponse struct {
	ID    string `json:"id"`
	State string `json:"state"`
	Links []Link `json:"links"`
}

// PrepareCheckout implements PPCHECKOUT prepare (spec §4.7). If dict has
// no Session-Id, a session is created and its id returned as sessid.
func (c *Client) PrepareCheckout(ctx context.Context, dict *kv.List, sessions *session.Store) (redirectURL string, sessid string, err error) {
	amount := dict.GetDefault("Amount", "")
	currency := dict.GetDefault("Currency", "")
	returnURL := dict.GetDefault("Return-Url", "")
	cancelURL := dict.GetDefault("Cancel-Url", "")
	if amount == "" || currency == "" || returnURL == "" || cancelURL == "" {
		return "", "", perr.New(perr.MissingValue, "Amount, Currency, Return-Url and Cancel-Url are required")
	}

	existingSessID := dict.GetDefault("Session-Id", "")
	newSession := existingSessID == ""
	if newSession {
		existingSessID, err = sessions.Create(0, nil)
		if err != nil {
			return "", "", err
		}
	}

	aliasID, err := sessions.CreateAlias(existingSessID)
	if err != nil {
		return "", "", err
	}

	req := createPaymentRequest{Intent: "sale"}
	req.Payer.PaymentMethod = "paypal"
	req.Transactions = []paymentTransaction{{
		Amount:      paymentAmount{Total: amount, Currency: currency},
		Description: dict.GetDefault("Desc", ""),
	}}
	req.RedirectURLs = redirectURLs{ReturnURL: appendAliasParam(returnURL, aliasID), CancelURL: cancelURL}

	r, err := c.authedRequest(ctx)
	if err != nil {
		return "", "", err
	}
	var out paymentResponse
	resp, err := r.SetBody(req).SetResult(&out).Post("/v1/payments/payment")
	if err != nil {
		return "", "", perr.Wrap(perr.Timeout, "paypal payment create failed", err)
	}
	c.noteIf401(resp)
	if resp.IsError() {
		return "", "", demux(resp)
	}

	approval, ok := findLink(out.Links, "approval_url")
	if !ok {
		return "", "", perr.New(perr.InvalidObject, "paypal response has no approval_url link")
	}

	saved := kv.New()
	saved.Put("_paypal:id", out.ID)
	saved.Put("_paypal:access_token", mustToken(ctx, c))
	if execute, ok := findLink(out.Links, "execute"); ok {
		saved.Put("_paypal:execute-href", execute.Href)
	}
	saved.Put("_Amount", amount)
	saved.Put("_Currency", currency)
	saved.Put("_Desc", dict.GetDefault("Desc", ""))
	for _, p := range dict.Pairs() {
		if strings.HasPrefix(p.Name, "Meta[") {
			saved.Put("_"+p.Name, p.Value)
		}
	}
	if err := sessions.Put(existingSessID, saved); err != nil {
		return "", "", err
	}

	if newSession {
		return approval.Href, existingSessID, nil
	}
	return approval.Href, "", nil
}

// mustToken reads the cached token for embedding alongside saved session
// state (best-effort: if the cache can't return one here, it will simply
// be refreshed again on execute).
func mustToken(ctx context.Context, c *Client) string {
	tok, err := c.tokens.GetAccessToken(ctx)
	if err != nil {
		return ""
	}
	return tok
}

// appendAliasParam appends alias_id to a return URL's query string, the
// mechanism by which PayPal's redirect hands the alias back to execute.
func appendAliasParam(rawURL, aliasID string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	q := u.Query()
	q.Set("alias_id", aliasID)
	u.RawQuery = q.Encode()
	return u.String()
}

type executePaymentRequest struct {
	PayerID string `json:"payer_id"`
}

type sale struct {
	ID     string `json:"id"`
	Amount struct {
		Total    string `json:"total"`
		Currency string `json:"currency"`
	} `json:"amount"`
}

type executeResponse struct {
	ID           string `json:"id"`
	State        string `json:"state"`
	Links        []Link `json:"links"`
	Payer        struct {
		PayerInfo struct {
			Email   string `json:"email"`
			PayerID string `json:"payer_id"`
		} `json:"payer_info"`
	} `json:"payer"`
	Transactions []struct {
		RelatedResources []struct {
			Sale sale `json:"sale"`
		} `json:"related_resources"`
	} `json:"transactions"`
}

// ExecuteResult is the outcome of PPCHECKOUT execute (spec §4.7).
type ExecuteResult struct {
	ChargeID           string
	BalanceTransaction string
	Email              string
	Currency           string
	Amount             string
	Timestamp          string
	AccountID          string
}

// ExecuteCheckout implements PPCHECKOUT execute (spec §4.7): resolves the
// alias to a session, destroys it (single-use), replays the saved
// payment, and confirms it with PayPal.
func (c *Client) ExecuteCheckout(ctx context.Context, dict *kv.List, sessions *session.Store, accounts *account.Store) (ExecuteResult, error) {
	aliasID := dict.GetDefault("Alias-Id", "")
	payerID := dict.GetDefault("Paypal-Payer", "")
	if aliasID == "" || payerID == "" {
		return ExecuteResult{}, perr.New(perr.MissingValue, "Alias-Id and Paypal-Payer are required")
	}

	sessID, err := sessions.GetSessID(aliasID)
	if err != nil {
		return ExecuteResult{}, err
	}
	// single-use: the alias dies here regardless of outcome below.
	_ = sessions.DestroyAlias(aliasID)

	saved := kv.New()
	if err := sessions.Get(sessID, saved); err != nil {
		return ExecuteResult{}, err
	}
	paymentID := saved.GetDefault("_paypal:id", "")
	if paymentID == "" {
		return ExecuteResult{}, perr.New(perr.NotFound, "no PayPal payment saved for this session")
	}

	r, err := c.authedRequest(ctx)
	if err != nil {
		return ExecuteResult{}, err
	}

	var out executeResponse
	var resp *resty.Response
	// Prefer the HATEOAS execute link saved at prepare time if present;
	// otherwise fall back to the legacy id-based URL (spec §9: support
	// both, prefer the HATEOAS path when present).
	if executeHref := saved.GetDefault("_paypal:execute-href", ""); executeHref != "" {
		resp, err = r.SetBody(executePaymentRequest{PayerID: payerID}).SetResult(&out).Post(executeHref)
	} else {
		resp, err = r.SetBody(executePaymentRequest{PayerID: payerID}).SetResult(&out).
			Post("/v1/payments/payment/" + paymentID + "/execute")
	}
	if err != nil {
		return ExecuteResult{}, perr.Wrap(perr.Timeout, "paypal execute failed", err)
	}
	c.noteIf401(resp)
	if resp.IsError() {
		return ExecuteResult{}, demux(resp)
	}

	var saleID, total, currency string
	for _, txn := range out.Transactions {
		for _, related := range txn.RelatedResources {
			if related.Sale.ID != "" {
				saleID = related.Sale.ID
				total = related.Sale.Amount.Total
				currency = related.Sale.Amount.Currency
			}
		}
	}
	if saleID == "" {
		total = saved.GetDefault("_Amount", "")
		currency = saved.GetDefault("_Currency", "")
	}

	timestamp := time.Now().UTC().Format("20060102T150405")

	result := ExecuteResult{
		ChargeID:           out.ID,
		BalanceTransaction: saleID,
		Email:              out.Payer.PayerInfo.Email,
		Currency:           currency,
		Amount:             total,
		Timestamp:          timestamp,
	}

	accountID := saved.GetDefault("_account-id", "")
	if accountID != "" && accounts != nil {
		email := result.Email
		payer := out.Payer.PayerInfo.PayerID
		_ = accounts.Update(ctx, accountID, account.UpdateInput{Email: &email, Meta: &payer})
		result.AccountID = accountID
	}

	return result, nil
}

// ---- Billing plans / agreements (subscriptions, spec §4.7) ----

type billingPlansPage struct {
	Plans []struct {
		ID    string `json:"id"`
		Name  string `json:"name"`
		State string `json:"state"`
	} `json:"plans"`
}

// findActivePlan searches paginated billing plans for one named name
// (spec §4.7: "plan search via paginated payments/billing-plans?
// status=ACTIVE&page_size=20&page=N"). Uses a distinct loop index from
// the page index to avoid the source's shadowing bug (spec §9).
func (c *Client) findActivePlan(ctx context.Context, name string) (string, error) {
	for page := 0; page < 50; page++ {
		r, err := c.authedRequest(ctx)
		if err != nil {
			return "", err
		}
		var out billingPlansPage
		resp, err := r.SetResult(&out).
			SetQueryParam("status", "ACTIVE").
			SetQueryParam("page_size", "20").
			SetQueryParam("page", strconv.Itoa(page)).
			Get("/v1/payments/billing-plans")
		if err != nil {
			return "", perr.Wrap(perr.Timeout, "paypal plan search failed", err)
		}
		c.noteIf401(resp)
		if resp.IsError() {
			return "", demux(resp)
		}
		if len(out.Plans) == 0 {
			break
		}
		for planIdx := range out.Plans {
			if out.Plans[planIdx].Name == name {
				return out.Plans[planIdx].ID, nil
			}
		}
	}
	return "", nil
}

type createPlanRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Type        string `json:"type"`
	PaymentDefinitions []struct {
		Name              string `json:"name"`
		Type              string `json:"type"`
		Frequency         string `json:"frequency"`
		FrequencyInterval string `json:"frequency_interval"`
		Amount            struct {
			Value    string `json:"value"`
			Currency string `json:"currency"`
		} `json:"amount"`
		CyclesValue string `json:"cycles"`
	} `json:"payment_definitions"`
	MerchantPreferences struct {
		AutoBillAmount string `json:"auto_bill_amount"`
	} `json:"merchant_preferences"`
}

type createPlanResponse struct {
	ID string `json:"id"`
}

// SubscriptionPlanInput mirrors the Stripe plan's shape (spec §4.7
// mirrors §4.6 steps 3-4 against billing plans/agreements).
type SubscriptionPlanInput struct {
	Currency  string
	Recur     int // 1, 4, or 12, same semantics as Stripe
	AmountInt int64
	StmtDesc  string
}

func recurToFrequency(recur int) (frequency string, interval string, err error) {
	switch recur {
	case 1:
		return "YEAR", "1", nil
	case 4:
		return "MONTH", "3", nil
	case 12:
		return "MONTH", "1", nil
	default:
		return "", "", perr.New(perr.InvalidValue, "Invalid Recur value")
	}
}

// FindOrCreatePlan mirrors Stripe's find-or-create-plan for PayPal's
// billing-plan resource, activating a freshly created plan via PATCH
// (PayPal plans are created inactive).
func (c *Client) FindOrCreatePlan(ctx context.Context, in SubscriptionPlanInput) (string, error) {
	name := fmt.Sprintf("gnupg-%d-%d-%s", in.Recur, in.AmountInt, strings.ToLower(in.Currency))

	if id, err := c.findActivePlan(ctx, name); err != nil {
		return "", err
	} else if id != "" {
		return id, nil
	}

	frequency, interval, err := recurToFrequency(in.Recur)
	if err != nil {
		return "", err
	}

	var req createPlanRequest
	req.Name = name
	req.Description = in.StmtDesc
	req.Type = "INFINITE"
	req.PaymentDefinitions = append(req.PaymentDefinitions, struct {
		Name              string `json:"name"`
		Type              string `json:"type"`
		Frequency         string `json:"frequency"`
		FrequencyInterval string `json:"frequency_interval"`
		Amount            struct {
			Value    string `json:"value"`
			Currency string `json:"currency"`
		} `json:"amount"`
		CyclesValue string `json:"cycles"`
	}{
		Name:              "Regular",
		Type:              "REGULAR",
		Frequency:         frequency,
		FrequencyInterval: interval,
		Amount: struct {
			Value    string `json:"value"`
			Currency string `json:"currency"`
		}{Value: fmt.Sprintf("%d", in.AmountInt), Currency: in.Currency},
		CyclesValue: "0",
	})
	req.MerchantPreferences.AutoBillAmount = "YES"

	r, err := c.authedRequest(ctx)
	if err != nil {
		return "", err
	}
	var out createPlanResponse
	resp, err := r.SetBody(req).SetResult(&out).Post("/v1/payments/billing-plans")
	if err != nil {
		return "", perr.Wrap(perr.Timeout, "paypal plan create failed", err)
	}
	c.noteIf401(resp)
	if resp.IsError() {
		return "", demux(resp)
	}

	if err := c.activatePlan(ctx, out.ID); err != nil {
		return "", err
	}
	return out.ID, nil
}

type patchOp struct {
	Op    string `json:"op"`
	Path  string `json:"path"`
	Value string `json:"value"`
}

func (c *Client) activatePlan(ctx context.Context, planID string) error {
	r, err := c.authedRequest(ctx)
	if err != nil {
		return err
	}
	ops := []patchOp{{Op: "replace", Path: "/", Value: "ACTIVE"}}
	resp, err := r.SetBody(ops).Patch("/v1/payments/billing-plans/" + planID)
	if err != nil {
		return perr.Wrap(perr.Timeout, "paypal plan activate failed", err)
	}
	c.noteIf401(resp)
	if resp.IsError() {
		return demux(resp)
	}
	return nil
}

type createAgreementRequest struct {
	Name      string `json:"name"`
	StartDate string `json:"start_date"`
	Plan      struct {
		ID string `json:"id"`
	} `json:"plan"`
	Payer struct {
		PaymentMethod string `json:"payment_method"`
	} `json:"payer"`
}

type agreementResponse struct {
	ID    string `json:"id"`
	Links []Link `json:"links"`
}

// CreateSubscriptionAgreement creates a billing agreement against planID,
// starting 18h in the future (spec §4.7), mirroring Stripe's account
// creation step. Returns the approval URL the caller redirects to.
func (c *Client) CreateSubscriptionAgreement(ctx context.Context, planID, email string, accounts *account.Store) (approvalURL string, accountID string, err error) {
	accountID, err = accounts.Create(ctx, email)
	if err != nil {
		return "", "", err
	}

	var req createAgreementRequest
	req.Name = "Subscription"
	req.StartDate = time.Now().UTC().Add(18 * time.Hour).Format("2006-01-02T15:04:05Z")
	req.Plan.ID = planID
	req.Payer.PaymentMethod = "paypal"

	r, err := c.authedRequest(ctx)
	if err != nil {
		return "", "", err
	}
	var out agreementResponse
	resp, err := r.SetBody(req).SetResult(&out).Post("/v1/payments/billing-agreements")
	if err != nil {
		return "", "", perr.Wrap(perr.Timeout, "paypal agreement create failed", err)
	}
	c.noteIf401(resp)
	if resp.IsError() {
		return "", "", demux(resp)
	}

	approval, ok := findLink(out.Links, "approval_url")
	if !ok {
		return "", "", perr.New(perr.InvalidObject, "paypal agreement response has no approval_url link")
	}
	return approval.Href, accountID, nil
}

// ---- IPN verification (spec §4.7) ----

// VerifyIPN re-submits an IPN body to PayPal prefixed with
// cmd=_notify-validate and requires a literal VERIFIED response, after
// checking receiver_email matches the configured address (spec §4.7;
// duplicate/transaction-status checks are explicitly design placeholders
// per spec §4.7).
func (c *Client) VerifyIPN(ctx context.Context, rawBody string) error {
	values, err := url.ParseQuery(rawBody)
	if err != nil {
		return perr.Wrap(perr.InvalidValue, "malformed IPN body", err)
	}
	if c.receiverMail != "" && values.Get("receiver_email") != c.receiverMail {
		return perr.New(perr.InvalidValue, "IPN receiver_email does not match configured address")
	}

	resp, err := c.http.R().SetContext(ctx).
		SetHeader("Content-Type", "application/x-www-form-urlencoded").
		SetBody("cmd=_notify-validate&" + rawBody).
		Post("/cgi-bin/webscr")
	if err != nil {
		return perr.Wrap(perr.Timeout, "IPN verification request failed", err)
	}
	if resp.IsError() {
		return demux(resp)
	}
	if strings.TrimSpace(resp.String()) != "VERIFIED" {
		return perr.New(perr.InvalidObject, "IPN verification did not return VERIFIED")
	}
	return nil
}
