// Package cryptofacade is the encryption façade of spec §4.9: it hides the
// OpenPGP library behind encrypt/decrypt-a-string calls, the same way the
// daemon is forbidden from implementing cryptographic primitives itself
// (spec §1 non-goals). golang.org/x/crypto/openpgp is the OpenPGP library;
// this package never reimplements the wire format it produces.
package cryptofacade

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/openpgp"
	"golang.org/x/crypto/openpgp/armor"

	"github.com/gpg/payproc/internal/perr"
)

// Flag selects which key(s) a value is encrypted to (spec §4.9).
type Flag uint8

const (
	ToDatabase   Flag = 1 << iota // encrypt to the database key (re-readable by the daemon)
	ToBackoffice                  // encrypt to the back-office key (public-only, operator decryption)
)

const allFlags = ToDatabase | ToBackoffice

// Facade holds the database key (must carry a usable secret key, so the
// daemon can re-read ciphertext it wrote) and the back-office key
// (public-only).
type Facade struct {
	databaseKey   *openpgp.Entity
	backofficeKey *openpgp.Entity
}

// New builds a Facade from a database keyring (secret+public) and an
// optional back-office keyring (public only). Either reader may be nil if
// that role is unconfigured, but encrypting with an unconfigured flag
// fails with UnusableSecretKey/UnusablePublicKey.
func New(databaseKeyring, backofficeKeyring io.Reader) (*Facade, error) {
	f := &Facade{}
	if databaseKeyring != nil {
		el, err := openpgp.ReadArmoredKeyRing(databaseKeyring)
		if err != nil || len(el) == 0 {
			return nil, perr.Wrap(perr.UnusableSecretKey, "database key is not usable", err)
		}
		if el[0].PrivateKey == nil {
			return nil, perr.New(perr.UnusableSecretKey, "database key has no usable secret key")
		}
		f.databaseKey = el[0]
	}
	if backofficeKeyring != nil {
		el, err := openpgp.ReadArmoredKeyRing(backofficeKeyring)
		if err != nil || len(el) == 0 {
			return nil, perr.Wrap(perr.UnusablePublicKey, "back-office key is not usable", err)
		}
		f.backofficeKey = el[0]
	}
	return f, nil
}

// Encrypt returns base64 of an OpenPGP message encrypted to the selected
// key set. Empty input short-circuits to the empty string (spec §4.9).
func (f *Facade) Encrypt(plain string, flags Flag) (string, error) {
	if plain == "" {
		return "", nil
	}
	if flags == 0 || flags&^allFlags != 0 {
		return "", perr.New(perr.InvalidValue, "unknown encryption flags")
	}

	var recipients []*openpgp.Entity
	if flags&ToDatabase != 0 {
		if f.databaseKey == nil {
			return "", perr.New(perr.UnusableSecretKey, "database key not configured")
		}
		recipients = append(recipients, f.databaseKey)
	}
	if flags&ToBackoffice != 0 {
		if f.backofficeKey == nil {
			return "", perr.New(perr.UnusablePublicKey, "back-office key not configured")
		}
		recipients = append(recipients, f.backofficeKey)
	}

	var cipherBuf bytes.Buffer
	w, err := openpgp.Encrypt(&cipherBuf, recipients, nil, nil, nil)
	if err != nil {
		return "", perr.Wrap(perr.General, "openpgp encrypt", err)
	}
	if _, err := io.WriteString(w, plain); err != nil {
		return "", perr.Wrap(perr.General, "openpgp encrypt write", err)
	}
	if err := w.Close(); err != nil {
		return "", perr.Wrap(perr.General, "openpgp encrypt close", err)
	}

	return base64.StdEncoding.EncodeToString(cipherBuf.Bytes()), nil
}

// Decrypt is the inverse of Encrypt. It rejects plaintext containing
// embedded NULs (spec §4.9).
func (f *Facade) Decrypt(b64 string) (string, error) {
	if b64 == "" {
		return "", nil
	}
	if f.databaseKey == nil {
		return "", perr.New(perr.UnusableSecretKey, "database key not configured")
	}
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return "", perr.Wrap(perr.InvalidValue, "invalid ciphertext encoding", err)
	}

	keyring := openpgp.EntityList{f.databaseKey}
	md, err := openpgp.ReadMessage(bytes.NewReader(raw), keyring, nil, nil)
	if err != nil {
		return "", perr.Wrap(perr.General, "openpgp decrypt", err)
	}
	plain, err := io.ReadAll(md.UnverifiedBody)
	if err != nil {
		return "", perr.Wrap(perr.General, "openpgp decrypt read", err)
	}
	if bytes.IndexByte(plain, 0) >= 0 {
		return "", perr.New(perr.InvalidObject, "decrypted value contains embedded NUL")
	}
	return string(plain), nil
}

// ArmoredPublicKey returns the armored public key block for the given
// flag's key (used by operator tooling to confirm which key is live).
func (f *Facade) ArmoredPublicKey(flag Flag) (string, error) {
	var e *openpgp.Entity
	switch flag {
	case ToDatabase:
		e = f.databaseKey
	case ToBackoffice:
		e = f.backofficeKey
	default:
		return "", perr.New(perr.InvalidValue, "ArmoredPublicKey takes exactly one flag")
	}
	if e == nil {
		return "", perr.New(perr.UnusablePublicKey, "key not configured")
	}
	var buf bytes.Buffer
	w, err := armor.Encode(&buf, openpgp.PublicKeyType, nil)
	if err != nil {
		return "", err
	}
	if err := e.Serialize(w); err != nil {
		return "", err
	}
	if err := w.Close(); err != nil {
		return "", err
	}
	return strings.TrimSpace(buf.String()), nil
}

func (f Flag) String() string {
	var parts []string
	if f&ToDatabase != 0 {
		parts = append(parts, "database")
	}
	if f&ToBackoffice != 0 {
		parts = append(parts, "backoffice")
	}
	if len(parts) == 0 {
		return fmt.Sprintf("none(%d)", uint8(f))
	}
	return strings.Join(parts, "+")
}
