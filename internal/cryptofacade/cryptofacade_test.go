package cryptofacade

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/openpgp"
	"golang.org/x/crypto/openpgp/armor"
)

func generateArmoredKeyPair(t *testing.T) (privateArmored, publicArmored string) {
	t.Helper()
	entity, err := openpgp.NewEntity("payproc test", "", "test@payproc.test", nil)
	require.NoError(t, err)

	var privBuf, pubBuf bytes.Buffer

	w, err := armor.Encode(&privBuf, openpgp.PrivateKeyType, nil)
	require.NoError(t, err)
	require.NoError(t, entity.SerializePrivate(w, nil))
	require.NoError(t, w.Close())

	w, err = armor.Encode(&pubBuf, openpgp.PublicKeyType, nil)
	require.NoError(t, err)
	require.NoError(t, entity.Serialize(w))
	require.NoError(t, w.Close())

	return privBuf.String(), pubBuf.String()
}

func TestEncryptDecryptRoundTripToDatabase(t *testing.T) {
	priv, _ := generateArmoredKeyPair(t)
	f, err := New(bytes.NewBufferString(priv), nil)
	require.NoError(t, err)

	ciphertext, err := f.Encrypt("top secret IBAN", ToDatabase)
	require.NoError(t, err)
	assert.NotEmpty(t, ciphertext)

	plain, err := f.Decrypt(ciphertext)
	require.NoError(t, err)
	assert.Equal(t, "top secret IBAN", plain)
}

func TestEncryptEmptyStringShortCircuits(t *testing.T) {
	priv, _ := generateArmoredKeyPair(t)
	f, err := New(bytes.NewBufferString(priv), nil)
	require.NoError(t, err)

	ciphertext, err := f.Encrypt("", ToDatabase)
	require.NoError(t, err)
	assert.Equal(t, "", ciphertext)
}

func TestEncryptWithUnconfiguredBackofficeKeyFails(t *testing.T) {
	priv, _ := generateArmoredKeyPair(t)
	f, err := New(bytes.NewBufferString(priv), nil)
	require.NoError(t, err)

	_, err = f.Encrypt("secret", ToBackoffice)
	assert.Error(t, err)
}

func TestDecryptWithoutDatabaseKeyFails(t *testing.T) {
	f, err := New(nil, nil)
	require.NoError(t, err)

	_, err = f.Decrypt("anything")
	assert.Error(t, err)
}

func TestArmoredPublicKeyRejectsMultipleFlags(t *testing.T) {
	priv, _ := generateArmoredKeyPair(t)
	f, err := New(bytes.NewBufferString(priv), nil)
	require.NoError(t, err)

	_, err = f.ArmoredPublicKey(ToDatabase | ToBackoffice)
	assert.Error(t, err)
}
