package protocol

import (
	"bufio"
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gpg/payproc/internal/kv"
)

func reader(s string) *bufio.Reader { return bufio.NewReader(strings.NewReader(s)) }

func TestReadRequestSimple(t *testing.T) {
	req, err := ReadRequest(reader("PING hello\n\n"))
	require.NoError(t, err)
	assert.Equal(t, "PING", req.Command)
	assert.Equal(t, []string{"hello"}, req.Args)
	assert.Equal(t, 0, req.Dict.Len())
}

func TestReadRequestNormalizesNames(t *testing.T) {
	req, err := ReadRequest(reader("SESSION create\ncontent-type: x\nmeta[X-Y]: v\n\n"))
	require.NoError(t, err)
	v, ok := req.Dict.Get("Content-Type")
	require.True(t, ok)
	assert.Equal(t, "x", v)
	v, ok = req.Dict.Get("Meta[X-Y]")
	require.True(t, ok)
	assert.Equal(t, "v", v)
}

func TestReadRequestContinuationLine(t *testing.T) {
	req, err := ReadRequest(reader("CARDTOKEN\nDesc: line one\n line two\n\n"))
	require.NoError(t, err)
	v, ok := req.Dict.Get("Desc")
	require.True(t, ok)
	assert.Equal(t, "line one\nline two", v)
}

func TestReadRequestRejectsDuplicateNames(t *testing.T) {
	_, err := ReadRequest(reader("PING\nName: a\nName: b\n\n"))
	assert.Error(t, err)
}

func TestReadRequestTreatsCRLFTolerant(t *testing.T) {
	req, err := ReadRequest(reader("PING\r\nName: a\r\n\r\n"))
	require.NoError(t, err)
	v, _ := req.Dict.Get("Name")
	assert.Equal(t, "a", v)
}

func TestReadRequestIgnoresComments(t *testing.T) {
	req, err := ReadRequest(reader("PING\n#comment\nName: a\n\n"))
	require.NoError(t, err)
	v, _ := req.Dict.Get("Name")
	assert.Equal(t, "a", v)
}

func TestReadRequestCleanEOFAtBoundary(t *testing.T) {
	_, err := ReadRequest(reader(""))
	assert.Equal(t, io.EOF, err)
}

func TestReadRequestMidRequestEOFIsProtocolError(t *testing.T) {
	_, err := ReadRequest(reader("PING\nName: a"))
	assert.Error(t, err)
	assert.NotEqual(t, io.EOF, err)
}

func TestWriteOKEmitsEmittableFieldsOnly(t *testing.T) {
	dict := kv.New()
	dict.Put("Token", "tok_1")
	dict.Put("_internal", "hidden")
	dict.Put("_SESSID", "abc")
	var buf bytes.Buffer
	require.NoError(t, WriteOK(&buf, "", dict))
	out := buf.String()
	assert.Contains(t, out, "Token: tok_1\n")
	assert.Contains(t, out, "_SESSID: abc\n")
	assert.NotContains(t, out, "_internal")
	assert.True(t, strings.HasSuffix(out, "\n\n"))
}

func TestWriteOKContinuesMultilineValues(t *testing.T) {
	dict := kv.New()
	dict.Put("Desc", "a\nb")
	var buf bytes.Buffer
	require.NoError(t, WriteOK(&buf, "", dict))
	assert.Equal(t, "OK\nDesc: a\n b\n\n", buf.String())
}
