package pgwire

import (
	"errors"
	"testing"

	"github.com/jackc/pgerrcode"
)

func TestErrBackendConnectFailed(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	err := ErrBackendConnectFailed(cause)

	if err.Code != pgerrcode.ConnectionFailure {
		t.Errorf("Code = %q, want %q", err.Code, pgerrcode.ConnectionFailure)
	}
	if err.Message != "could not connect to backend" {
		t.Errorf("Message = %q", err.Message)
	}
	if !errors.Is(err, cause) {
		t.Errorf("errors.Is(err, cause) = false, want true")
	}
}

func TestErrTooManyClients(t *testing.T) {
	err := ErrTooManyClients()
	if err.Code != pgerrcode.TooManyConnections {
		t.Errorf("Code = %q, want %q", err.Code, pgerrcode.TooManyConnections)
	}
	if err.C != nil {
		t.Errorf("C = %v, want nil", err.C)
	}
}

func TestBuildErrorResponse(t *testing.T) {
	wire := BuildErrorResponse(pgerrcode.TooManyConnections, "sorry, too many clients already")

	if wire[0] != 'E' {
		t.Fatalf("wire[0] = %c, want E", wire[0])
	}

	frame, rest, ok, err := TryExtractMessage(wire)
	if err != nil {
		t.Fatalf("TryExtractMessage() error = %v", err)
	}
	if !ok {
		t.Fatalf("TryExtractMessage() ok = false, want true")
	}
	if len(rest) != 0 {
		t.Errorf("rest = %v, want empty", rest)
	}
	if frame.Type != MsgServerErrorResponse {
		t.Errorf("Type = %c, want E", frame.Type)
	}

	fields := splitFields(frame.Body)
	if fields['S'] != string(ErrorFatal) {
		t.Errorf("S field = %q, want %q", fields['S'], ErrorFatal)
	}
	if fields['C'] != pgerrcode.TooManyConnections {
		t.Errorf("C field = %q, want %q", fields['C'], pgerrcode.TooManyConnections)
	}
	if fields['M'] != "sorry, too many clients already" {
		t.Errorf("M field = %q", fields['M'])
	}
}

// splitFields parses an ErrorResponse body's tag/C-string fields for test
// assertions; it does not validate the zero terminator the way a real
// decoder would.
func splitFields(body []byte) map[byte]string {
	out := make(map[byte]string)
	for len(body) > 0 && body[0] != 0 {
		tag := body[0]
		rest := body[1:]
		v, r, ok := readCString(rest)
		if !ok {
			break
		}
		out[tag] = v
		body = r
	}
	return out
}
