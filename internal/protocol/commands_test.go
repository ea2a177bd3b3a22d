package protocol

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gpg/payproc/internal/journal"
	"github.com/gpg/payproc/internal/kv"
	"github.com/gpg/payproc/internal/perr"
	"github.com/gpg/payproc/internal/session"
)

func testDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	j := journal.New(t.TempDir()+"/journal", nil, nil)
	return NewDispatcher(Deps{
		Sessions: session.New(),
		Journal:  j,
		Version:  "test",
		Live:     false,
	})
}

func TestCmdPingDefaultsToPong(t *testing.T) {
	d := testDispatcher(t)
	extra, out, err := cmdPing(context.Background(), d, PeerCreds{}, Request{Dict: kv.New()})
	require.NoError(t, err)
	assert.Equal(t, "pong", extra)
	assert.Nil(t, out)
}

func TestCmdPingEchoesArgs(t *testing.T) {
	d := testDispatcher(t)
	extra, _, err := cmdPing(context.Background(), d, PeerCreds{}, Request{Args: []string{"a", "b"}, Dict: kv.New()})
	require.NoError(t, err)
	assert.Equal(t, "a b", extra)
}

func TestCmdGetInfoVersion(t *testing.T) {
	d := testDispatcher(t)
	_, out, err := cmdGetInfo(context.Background(), d, PeerCreds{}, Request{Args: []string{"version"}, Dict: kv.New()})
	require.NoError(t, err)
	v, ok := out.Get("Version")
	require.True(t, ok)
	assert.Equal(t, "test", v)
}

func TestCmdGetInfoUnknownSubCommand(t *testing.T) {
	d := testDispatcher(t)
	_, _, err := cmdGetInfo(context.Background(), d, PeerCreds{}, Request{Args: []string{"bogus"}, Dict: kv.New()})
	require.Error(t, err)
	pe, ok := perr.As(err)
	require.True(t, ok)
	assert.Equal(t, perr.Unknown, pe.Kind)
}

func TestCmdGetInfoMissingSubCommand(t *testing.T) {
	d := testDispatcher(t)
	_, _, err := cmdGetInfo(context.Background(), d, PeerCreds{}, Request{Dict: kv.New()})
	require.Error(t, err)
	pe, ok := perr.As(err)
	require.True(t, ok)
	assert.Equal(t, perr.MissingValue, pe.Kind)
}

func TestCmdSessionCreateGetPutDestroy(t *testing.T) {
	d := testDispatcher(t)

	createDict := kv.New()
	createDict.Put("Foo", "bar")
	_, out, err := cmdSession(context.Background(), d, PeerCreds{}, Request{Args: []string{"create"}, Dict: createDict})
	require.NoError(t, err)
	sessid, ok := out.Get("_SESSID")
	require.True(t, ok)
	require.NotEmpty(t, sessid)

	getOut := kv.New()
	_, got, err := cmdSession(context.Background(), d, PeerCreds{}, Request{Args: []string{"get", sessid}, Dict: getOut})
	require.NoError(t, err)
	v, ok := got.Get("Foo")
	require.True(t, ok)
	assert.Equal(t, "bar", v)

	putDict := kv.New()
	putDict.Put("Baz", "qux")
	_, _, err = cmdSession(context.Background(), d, PeerCreds{}, Request{Args: []string{"put", sessid}, Dict: putDict})
	require.NoError(t, err)

	_, _, err = cmdSession(context.Background(), d, PeerCreds{}, Request{Args: []string{"destroy", sessid}, Dict: kv.New()})
	require.NoError(t, err)

	_, _, err = cmdSession(context.Background(), d, PeerCreds{}, Request{Args: []string{"get", sessid}, Dict: kv.New()})
	require.Error(t, err)
}

func TestCmdSessionAliasRoundTrip(t *testing.T) {
	d := testDispatcher(t)

	_, created, err := cmdSession(context.Background(), d, PeerCreds{}, Request{Args: []string{"create"}, Dict: kv.New()})
	require.NoError(t, err)
	sessid, _ := created.Get("_SESSID")

	_, aliasOut, err := cmdSession(context.Background(), d, PeerCreds{}, Request{Args: []string{"alias", sessid}, Dict: kv.New()})
	require.NoError(t, err)
	aliasID, ok := aliasOut.Get("_ALIASID")
	require.True(t, ok)

	_, sidOut, err := cmdSession(context.Background(), d, PeerCreds{}, Request{Args: []string{"sessid", aliasID}, Dict: kv.New()})
	require.NoError(t, err)
	resolved, _ := sidOut.Get("_SESSID")
	assert.Equal(t, sessid, resolved)

	_, _, err = cmdSession(context.Background(), d, PeerCreds{}, Request{Args: []string{"dealias", aliasID}, Dict: kv.New()})
	require.NoError(t, err)

	_, _, err = cmdSession(context.Background(), d, PeerCreds{}, Request{Args: []string{"sessid", aliasID}, Dict: kv.New()})
	require.Error(t, err)
}

func TestCmdSessionUnknownSubCommand(t *testing.T) {
	d := testDispatcher(t)
	_, _, err := cmdSession(context.Background(), d, PeerCreds{}, Request{Args: []string{"bogus"}, Dict: kv.New()})
	require.Error(t, err)
	pe, ok := perr.As(err)
	require.True(t, ok)
	assert.Equal(t, perr.Unknown, pe.Kind)
}

func TestCmdCheckAmountValid(t *testing.T) {
	d := testDispatcher(t)
	dict := kv.New()
	dict.Put("Currency", "EUR")
	dict.Put("Amount", "12.34")
	_, out, err := cmdCheckAmount(context.Background(), d, PeerCreds{}, Request{Dict: dict})
	require.NoError(t, err)
	amt, ok := out.Get("_amount")
	require.True(t, ok)
	assert.Equal(t, "1234", amt)
}

func TestCmdCheckAmountUnknownCurrency(t *testing.T) {
	d := testDispatcher(t)
	dict := kv.New()
	dict.Put("Currency", "ZZZ")
	dict.Put("Amount", "1.00")
	_, _, err := cmdCheckAmount(context.Background(), d, PeerCreds{}, Request{Dict: dict})
	require.Error(t, err)
	pe, ok := perr.As(err)
	require.True(t, ok)
	assert.Equal(t, perr.InvalidValue, pe.Kind)
}

func TestCmdShutdownInvokesCallback(t *testing.T) {
	called := false
	d := testDispatcher(t)
	d.deps.RequestShutdown = func() { called = true }
	_, _, err := cmdShutdown(context.Background(), d, PeerCreds{}, Request{Dict: kv.New()})
	require.NoError(t, err)
	assert.True(t, called)
}
