// Package stripe implements the Stripe adapter of spec §4.6: card
// tokenization, one-shot charges, and a find-or-create plan/subscription
// state machine, against the REST API documented at
// https://api.stripe.com/v1. HTTP transport is a go-resty client, shaped
// after the teacher's gateway clients (internal/provider/currency.Client);
// OAuth is not involved here, Stripe uses HTTP basic-auth with the secret
// key as username.
package stripe

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/gpg/payproc/internal/account"
	"github.com/gpg/payproc/internal/kv"
	"github.com/gpg/payproc/internal/perr"
)

const defaultBaseURL = "https://api.stripe.com/v1"

// Client is the Stripe REST client (spec §4.6).
type Client struct {
	http      *resty.Client
	secretKey string
	live      bool
	logger    *zap.Logger
	accounts  *account.Store
}

// Config configures a Client.
type Config struct {
	SecretKey string
	BaseURL   string // defaults to defaultBaseURL
	Live      bool
	Timeout   time.Duration // defaults to 30s
}

// New builds a Client. accounts is used by CreateSubscription to mint the
// account row the subscription is bound to (spec §4.6 step 4).
func New(cfg Config, accounts *account.Store, logger *zap.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		http: resty.New().
			SetBaseURL(baseURL).
			SetBasicAuth(cfg.SecretKey, "").
			SetTimeout(timeout),
		secretKey: cfg.SecretKey,
		live:      cfg.Live,
		logger:    logger,
		accounts:  accounts,
	}
}

// stripeError mirrors the `error` object Stripe embeds in non-2xx bodies.
type stripeError struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type stripeErrorEnvelope struct {
	Error stripeError `json:"error"`
}

// demux turns a non-2xx Stripe response into a perr.Error, surfacing
// card_error detail through Failure/FailureMesg and collapsing everything
// else to a generic upstream failure (spec §4.6).
func demux(resp *resty.Response) error {
	var env stripeErrorEnvelope
	_ = json.Unmarshal(resp.Body(), &env) // best-effort
	se := env.Error

	e := perr.UpstreamErr("stripe", fmt.Sprintf("stripe request failed with status %d", resp.StatusCode()), se.Code, se.Message)
	if se.Type == "card_error" {
		e.Description = "Card was declined"
	}
	return e
}

// CardTokenInput carries the CARDTOKEN command's inputs (spec §4.6 step 1).
type CardTokenInput struct {
	Number   string
	ExpYear  int
	ExpMonth int
	CVC      int
	Name     string
}

// CardToken result (spec §4.6 step 1).
type CardToken struct {
	Token string
	Last4 string
	Live  bool
}

type tokenResponse struct {
	ID       string `json:"id"`
	LiveMode bool   `json:"livemode"`
	Card     struct {
		Last4 string `json:"last4"`
	} `json:"card"`
}

// ValidateCardTokenInput checks the ranges spec §4.6 step 1 requires.
func ValidateCardTokenInput(in CardTokenInput) error {
	if in.Number == "" {
		return perr.New(perr.MissingValue, "Number is required")
	}
	if in.ExpYear < 2014 || in.ExpYear > 2199 {
		return perr.New(perr.InvalidValue, "Invalid expiration year")
	}
	if in.ExpMonth < 1 || in.ExpMonth > 12 {
		return perr.New(perr.InvalidExpirationMonth, "Invalid expiration month")
	}
	if in.CVC < 100 || in.CVC > 9999 {
		return perr.New(perr.InvalidValue, "Invalid CVC")
	}
	return nil
}

// CreateCardToken tokenizes a card (spec §4.6 step 1). dict has the raw
// card fields stripped on success so they are never echoed further.
func (c *Client) CreateCardToken(ctx context.Context, dict *kv.List) (CardToken, error) {
	in := CardTokenInput{
		Number: dict.GetDefault("Number", ""),
		Name:   dict.GetDefault("Name", ""),
	}
	in.ExpYear, _ = strconv.Atoi(dict.GetDefault("Exp-Year", ""))
	in.ExpMonth, _ = strconv.Atoi(dict.GetDefault("Exp-Month", ""))
	in.CVC, _ = strconv.Atoi(dict.GetDefault("Cvc", ""))

	if err := ValidateCardTokenInput(in); err != nil {
		return CardToken{}, err
	}

	form := map[string]string{
		"card[number]":    in.Number,
		"card[exp_month]": strconv.Itoa(in.ExpMonth),
		"card[exp_year]":  strconv.Itoa(in.ExpYear),
		"card[cvc]":       strconv.Itoa(in.CVC),
	}
	if in.Name != "" {
		form["card[name]"] = in.Name
	}

	var out tokenResponse
	resp, err := c.http.R().SetContext(ctx).SetFormData(form).SetResult(&out).Post("/tokens")
	if err != nil {
		return CardToken{}, perr.Wrap(perr.Timeout, "stripe token request failed", err)
	}
	if resp.IsError() {
		return CardToken{}, demux(resp)
	}

	dict.Delete("Number")
	dict.Delete("Exp-Year")
	dict.Delete("Exp-Month")
	dict.Delete("Cvc")
	dict.Delete("Name")

	return CardToken{Token: out.ID, Last4: out.Card.Last4, Live: out.LiveMode}, nil
}

// ChargeInput carries the CHARGECARD command's inputs (spec §4.6 step 2).
type ChargeInput struct {
	Currency  string
	AmountInt int64 // minor units
	CardToken string
	Desc      string
	StmtDesc  string
}

// ChargeResult (spec §4.6 step 2).
type ChargeResult struct {
	ChargeID           string
	BalanceTransaction string
	Live               bool
	Currency           string
	AmountInt          int64
	Last4              string
}

type chargeResponse struct {
	ID                 string `json:"id"`
	BalanceTransaction string `json:"balance_transaction"`
	LiveMode           bool   `json:"livemode"`
	Currency           string `json:"currency"`
	Amount             int64  `json:"amount"`
	Source             struct {
		Last4 string `json:"last4"`
	} `json:"source"`
}

// Charge performs a one-shot charge against card-token (spec §4.6 step 2).
func (c *Client) Charge(ctx context.Context, in ChargeInput) (ChargeResult, error) {
	if in.CardToken == "" {
		return ChargeResult{}, perr.New(perr.MissingValue, "Card-Token is required")
	}
	if in.Currency == "" {
		return ChargeResult{}, perr.New(perr.MissingValue, "Currency is required")
	}

	form := map[string]string{
		"amount":   strconv.FormatInt(in.AmountInt, 10),
		"currency": strings.ToLower(in.Currency),
		"source":   in.CardToken,
	}
	if in.Desc != "" {
		form["description"] = in.Desc
	}
	if in.StmtDesc != "" {
		form["statement_descriptor"] = in.StmtDesc
	}

	var out chargeResponse
	resp, err := c.http.R().SetContext(ctx).SetFormData(form).SetResult(&out).Post("/charges")
	if err != nil {
		return ChargeResult{}, perr.Wrap(perr.Timeout, "stripe charge request failed", err)
	}
	if resp.IsError() {
		return ChargeResult{}, demux(resp)
	}

	return ChargeResult{
		ChargeID:           out.ID,
		BalanceTransaction: out.BalanceTransaction,
		Live:               out.LiveMode,
		Currency:           strings.ToUpper(out.Currency),
		AmountInt:          out.Amount,
		Last4:              out.Source.Last4,
	}, nil
}

// PlanInput carries the find-or-create-plan inputs (spec §4.6 step 3).
type PlanInput struct {
	Currency  string
	Recur     int // 1, 4, or 12
	AmountInt int64
	StmtDesc  string
}

// planID builds the deterministic id gnupg-<recur>-<amount>-<currency>
// (spec §4.6 step 3).
func planID(in PlanInput) string {
	return fmt.Sprintf("gnupg-%d-%d-%s", in.Recur, in.AmountInt, strings.ToLower(in.Currency))
}

// intervalFor maps the recur code to Stripe plan interval semantics (spec
// §4.6 step 3: "1->yearly, 4->every-3-months, 12->monthly").
func intervalFor(recur int) (interval string, intervalCount int, err error) {
	switch recur {
	case 1:
		return "year", 1, nil
	case 4:
		return "month", 3, nil
	case 12:
		return "month", 1, nil
	default:
		return "", 0, perr.New(perr.InvalidValue, "Invalid Recur value")
	}
}

type planResponse struct {
	ID string `json:"id"`
}

// FindOrCreatePlan probes for an existing plan and creates it on 404
// (spec §4.6 step 3).
func (c *Client) FindOrCreatePlan(ctx context.Context, in PlanInput) (string, error) {
	interval, intervalCount, err := intervalFor(in.Recur)
	if err != nil {
		return "", err
	}
	id := planID(in)

	resp, err := c.http.R().SetContext(ctx).Get("/plans/" + id)
	if err != nil {
		return "", perr.Wrap(perr.Timeout, "stripe plan lookup failed", err)
	}
	if resp.StatusCode() == 200 {
		return id, nil
	}
	if resp.StatusCode() != 404 {
		return "", demux(resp)
	}

	form := map[string]string{
		"id":             id,
		"amount":         strconv.FormatInt(in.AmountInt, 10),
		"currency":       strings.ToLower(in.Currency),
		"interval":       interval,
		"interval_count": strconv.Itoa(intervalCount),
		"product[name]":  in.StmtDesc,
	}
	var out planResponse
	createResp, err := c.http.R().SetContext(ctx).SetFormData(form).SetResult(&out).Post("/plans")
	if err != nil {
		return "", perr.Wrap(perr.Timeout, "stripe plan create failed", err)
	}
	if createResp.IsError() {
		return "", demux(createResp)
	}
	return out.ID, nil
}

// SubscriptionInput carries the create-subscription inputs (spec §4.6 step 4).
type SubscriptionInput struct {
	PlanID    string
	CardToken string
	Email     string
}

// SubscriptionResult (spec §4.6 step 4).
type SubscriptionResult struct {
	Live      bool
	AccountID string
}

type customerResponse struct {
	ID string `json:"id"`
}

type subscriptionResponse struct {
	ID   string `json:"id"`
	Plan struct {
		Livemode bool `json:"livemode"`
	} `json:"plan"`
}

// CreateSubscription creates an account, a Stripe customer embedding that
// account id as metadata, and the subscription binding them together
// (spec §4.6 step 4). The customer id is stored encrypted on the account.
func (c *Client) CreateSubscription(ctx context.Context, in SubscriptionInput) (SubscriptionResult, error) {
	accountID, err := c.accounts.Create(ctx, in.Email)
	if err != nil {
		return SubscriptionResult{}, err
	}

	customerForm := map[string]string{
		"email":                 in.Email,
		"source":                in.CardToken,
		"metadata[account_id]": accountID,
	}
	var customer customerResponse
	custResp, err := c.http.R().SetContext(ctx).SetFormData(customerForm).SetResult(&customer).Post("/customers")
	if err != nil {
		return SubscriptionResult{}, perr.Wrap(perr.Timeout, "stripe customer create failed", err)
	}
	if custResp.IsError() {
		return SubscriptionResult{}, demux(custResp)
	}

	cus := customer.ID
	if err := c.accounts.Update(ctx, accountID, account.UpdateInput{StripeCus: &cus}); err != nil {
		return SubscriptionResult{}, err
	}

	subForm := map[string]string{
		"customer":       customer.ID,
		"items[0][plan]": in.PlanID,
	}
	var sub subscriptionResponse
	subResp, err := c.http.R().SetContext(ctx).SetFormData(subForm).SetResult(&sub).Post("/subscriptions")
	if err != nil {
		return SubscriptionResult{}, perr.Wrap(perr.Timeout, "stripe subscription create failed", err)
	}
	if subResp.IsError() {
		return SubscriptionResult{}, demux(subResp)
	}

	return SubscriptionResult{Live: sub.Plan.Livemode, AccountID: accountID}, nil
}
