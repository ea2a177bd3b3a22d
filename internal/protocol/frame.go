// Package protocol implements the line-oriented request/response framing
// of spec §4.1/§6.1, client-input name normalization, and the command
// dispatcher of §6.3. Framing favors simplicity over the C daemon's
// intrusive-list parser: a request is read fully into a kv.List before
// any handler runs, mirroring the teacher's pattern of validating a
// request shape before touching a service (internal/adapters/http
// middleware validates, then hands a typed struct to a handler).
package protocol

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/gpg/payproc/internal/kv"
	"github.com/gpg/payproc/internal/perr"
)

// MaxLineLength is the hard per-line cap of spec §4.1.
const MaxLineLength = 2048

// Request is a single parsed command: the uppercase command token, any
// whitespace-delimited arguments on the command line, and the data-line
// dictionary (already name-normalized per spec's testable property 2).
type Request struct {
	Command string
	Args    []string
	Dict    *kv.List
}

// readLine reads one physical line, stripping the LF and an optional
// trailing CR (spec §6.1: "\r immediately before LF is tolerated").
// io.EOF is returned verbatim when the connection closed cleanly between
// requests (empty line read); a non-empty partial line at EOF is a
// protocol-level EOF (peer closed mid-request).
func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		if err == io.EOF && line == "" {
			return "", io.EOF
		}
		if err == io.EOF {
			return "", perr.ErrEOF
		}
		return "", err
	}
	line = strings.TrimSuffix(line, "\n")
	line = strings.TrimSuffix(line, "\r")
	if len(line) > MaxLineLength {
		return "", perr.ErrTruncated
	}
	return line, nil
}

// ReadRequest parses one request off r: a command line, zero or more
// data lines (with space/tab continuation and `#`-comment skipping), and
// a blank terminator (spec §4.1, §6.1). io.EOF signals a clean
// end-of-connection at a request boundary; any other error is a
// protocol-level failure the caller should report with ERR before
// closing.
func ReadRequest(r *bufio.Reader) (Request, error) {
	commandLine, err := readLine(r)
	if err != nil {
		return Request{}, err
	}
	fields := strings.Fields(commandLine)
	if len(fields) == 0 {
		return Request{}, perr.ErrProtocolViolation
	}

	req := Request{Command: strings.ToUpper(fields[0]), Args: fields[1:], Dict: kv.New()}

	var lastName string
	for {
		line, err := readLine(r)
		if err != nil {
			return Request{}, err
		}
		if line == "" {
			break
		}
		if strings.HasPrefix(line, "#") {
			continue
		}
		if line[0] == ' ' || line[0] == '\t' {
			if lastName == "" {
				return Request{}, perr.ErrProtocolViolation
			}
			cur, _ := req.Dict.Get(lastName)
			req.Dict.Put(lastName, cur+"\n"+strings.TrimLeft(line, " \t"))
			continue
		}
		idx := strings.IndexByte(line, ':')
		if idx < 0 {
			return Request{}, perr.ErrProtocolViolation
		}
		name := kv.NormalizeName(line[:idx])
		value := strings.TrimPrefix(line[idx+1:], " ")
		if !kv.ValidName(name) {
			return Request{}, perr.New(perr.InvalidName, fmt.Sprintf("invalid data line name %q", name))
		}
		if !req.Dict.Insert(name, value) {
			return Request{}, perr.ErrProtocolViolation
		}
		lastName = name
	}
	return req, nil
}

// WriteOK emits a success response: "OK[ extra]" followed by dict's
// emittable fields and a blank terminator (spec §4.1, §6.1).
func WriteOK(w io.Writer, extra string, dict *kv.List) error {
	status := "OK"
	if extra != "" {
		status += " " + extra
	}
	return writeResponse(w, status, dict)
}

// WriteErr emits an ERR response: the numeric wire code and description
// from err (mapped via perr, spec §7), plus failure/failure-mesg lines
// when err carries gateway detail (spec §6.5).
func WriteErr(w io.Writer, err error) error {
	pe, ok := perr.As(err)
	if !ok {
		pe = perr.Wrap(perr.General, err.Error(), err)
	}
	status := fmt.Sprintf("ERR %d (%s)", pe.Code(), pe.Description)
	dict := kv.New()
	if pe.Failure != "" {
		dict.Put("failure", pe.Failure)
	}
	if pe.FailureMesg != "" {
		dict.Put("failure-mesg", pe.FailureMesg)
	}
	return writeResponse(w, status, dict)
}

func writeResponse(w io.Writer, status string, dict *kv.List) error {
	bw := bufio.NewWriter(w)
	if _, err := bw.WriteString(status + "\n"); err != nil {
		return err
	}
	if dict != nil {
		for _, p := range dict.Pairs() {
			if !kv.Emittable(p.Name) {
				continue
			}
			lines := strings.Split(p.Value, "\n")
			if _, err := bw.WriteString(p.Name + ": " + lines[0] + "\n"); err != nil {
				return err
			}
			for _, cont := range lines[1:] {
				if _, err := bw.WriteString(" " + cont + "\n"); err != nil {
					return err
				}
			}
		}
	}
	if _, err := bw.WriteString("\n"); err != nil {
		return err
	}
	return bw.Flush()
}
