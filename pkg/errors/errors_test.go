package errors

import (
	stderrors "errors"
	"strings"
	"testing"
)

func TestCodeString(t *testing.T) {
	if got := ErrCodeConnectFailed.String(); got != "E2001" {
		t.Errorf("String() = %q, want E2001", got)
	}
	if got := ErrCodeInternal.String(); got != "E9001" {
		t.Errorf("String() = %q, want E9001", got)
	}
}

func TestCodeCategory(t *testing.T) {
	tests := []struct {
		code Code
		want string
	}{
		{ErrCodeConfigParse, "configuration"},
		{ErrCodeSocketTimeout, "socket"},
		{ErrCodeTokenDecode, "protocol"},
		{ErrCodeRemote, "remote"},
		{ErrCodeInternal, "internal"},
		{Code(42), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.code.Category(); got != tt.want {
			t.Errorf("Code(%d).Category() = %q, want %q", tt.code, got, tt.want)
		}
	}
}

func TestErrorMessage(t *testing.T) {
	err := New(ErrCodeNotConnected, "connection is offline")
	if got := err.Error(); got != "E2006: connection is offline" {
		t.Errorf("Error() = %q", got)
	}

	wrapped := Wrap(stderrors.New("dial tcp: refused"), ErrCodeConnectFailed, "connect to db1")
	want := "E2001: connect to db1: dial tcp: refused"
	if got := wrapped.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestWrapUnwrap(t *testing.T) {
	cause := stderrors.New("broken pipe")
	err := Wrapf(cause, ErrCodeSocketWrite, "send packet %d", 3)

	if !stderrors.Is(err, cause) {
		t.Error("errors.Is should reach the cause through Unwrap")
	}
	if !strings.Contains(err.Error(), "send packet 3") {
		t.Errorf("formatted message missing: %q", err.Error())
	}
}

func TestWithFieldAndOp(t *testing.T) {
	err := New(ErrCodeStmtUnknown, "no such statement").
		WithField("stmt", "get_row").
		WithOp("Conn.Execute")

	if err.OpName != "Conn.Execute" {
		t.Errorf("OpName = %q", err.OpName)
	}
	fields := GetFields(err)
	if fields["stmt"] != "get_row" {
		t.Errorf("GetFields = %v", fields)
	}
}

func TestGetCode(t *testing.T) {
	if got := GetCode(New(ErrCodeEnvInvalid, "bad value")); got != ErrCodeEnvInvalid {
		t.Errorf("GetCode = %v", got)
	}
	if got := GetCode(&RemoteError{Number: 208}); got != ErrCodeRemote {
		t.Errorf("GetCode on RemoteError = %v", got)
	}
	if got := GetCode(stderrors.New("plain")); got != ErrCodeInternal {
		t.Errorf("GetCode on plain error = %v", got)
	}

	// When coded errors are nested, the outermost code wins.
	inner := New(ErrCodeSocketRead, "short read")
	outer := Wrap(inner, ErrCodeProtocol, "decode reply")
	if got := GetCode(outer); got != ErrCodeProtocol {
		t.Errorf("GetCode prefers the outermost code, got %v", got)
	}
}

func TestPredicates(t *testing.T) {
	sock := New(ErrCodeSocketClosed, "gone")
	proto := New(ErrCodeTokenDecode, "bad token")
	remote := &RemoteError{Number: 911, Severity: 14, Text: "db not found"}

	if !IsSocket(sock) || IsSocket(proto) {
		t.Error("IsSocket misclassified")
	}
	if !IsProtocol(proto) || IsProtocol(sock) {
		t.Error("IsProtocol misclassified")
	}
	if !IsRemote(remote) || IsRemote(sock) {
		t.Error("IsRemote misclassified")
	}
	if !IsCode(sock, ErrCodeSocketClosed) || IsCode(sock, ErrCodeSocketRead) {
		t.Error("IsCode misclassified")
	}
	if !IsCategory(remote, "remote") {
		t.Error("IsCategory should see RemoteError as remote")
	}
}

func TestAsRemote(t *testing.T) {
	remote := &RemoteError{Number: 208, Severity: 16, Text: "invalid object"}
	wrapped := Wrap(remote, ErrCodeRemote, "query failed")

	got, ok := AsRemote(wrapped)
	if !ok {
		t.Fatal("AsRemote did not find the server message")
	}
	if got.Number != 208 {
		t.Errorf("Number = %d", got.Number)
	}

	if _, ok := AsRemote(stderrors.New("plain")); ok {
		t.Error("AsRemote matched a plain error")
	}
}

func TestRemoteErrorMessage(t *testing.T) {
	tests := []struct {
		name string
		err  *RemoteError
		want string
	}{
		{
			"bare",
			&RemoteError{Number: 208, Severity: 16, Text: "invalid object name 'foo'\n"},
			"server message 208 severity 16: invalid object name 'foo'",
		},
		{
			"with proc and line",
			&RemoteError{Number: 547, Severity: 16, Procedure: "sp_upd", Line: 12, Text: "constraint violation"},
			"server message 547 severity 16 proc sp_upd line 12: constraint violation",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestStdlibCompat(t *testing.T) {
	sentinel := stderrors.New("sentinel")
	err := Wrap(sentinel, ErrCodeInternal, "outer")

	if !Is(err, sentinel) {
		t.Error("Is should traverse the chain")
	}

	var e *Error
	if !As(err, &e) || e.Code != ErrCodeInternal {
		t.Error("As should extract *Error")
	}

	joined := Join(New(ErrCodeSocketRead, "a"), New(ErrCodeSocketWrite, "b"))
	if joined == nil {
		t.Fatal("Join returned nil")
	}
	if !strings.Contains(joined.Error(), "E2005") || !strings.Contains(joined.Error(), "E2004") {
		t.Errorf("Join lost members: %q", joined.Error())
	}
}
