package errdefs

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestGetCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Code
	}{
		{
			name: "direct coded error",
			err:  New(CodeNotFound, "machine gone"),
			want: CodeNotFound,
		},
		{
			name: "wrapped coded error",
			err:  fmt.Errorf("handling request: %w", NameConflict("machine", "web-1")),
			want: CodeNameConflict,
		},
		{
			name: "doubly wrapped",
			err:  fmt.Errorf("outer: %w", fmt.Errorf("inner: %w", New(CodeRateLimited, "slow down"))),
			want: CodeRateLimited,
		},
		{
			name: "plain error defaults to internal",
			err:  errors.New("something broke"),
			want: CodeInternal,
		},
		{
			name: "coded error wrapping plain cause keeps its own code",
			err:  Wrap(errors.New("dial tcp: refused"), CodeSSHConnectFailed, "connecting to web-1"),
			want: CodeSSHConnectFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := GetCode(tt.err); got != tt.want {
				t.Errorf("GetCode() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"invalid argument", Invalid("bad port"), http.StatusBadRequest},
		{"unauthorized", New(CodeUnauthorized, "bad token"), http.StatusUnauthorized},
		{"not found", NotFound("container", "abc"), http.StatusNotFound},
		{"name conflict", NameConflict("deployment", "blog"), http.StatusConflict},
		{"state conflict", New(CodeConflict, "container running"), http.StatusConflict},
		{"dependency cycle", New(CodeDependencyCycle, "a -> b -> a"), http.StatusUnprocessableEntity},
		{"rate limited", New(CodeRateLimited, "limit hit"), http.StatusTooManyRequests},
		{"ssh connect", New(CodeSSHConnectFailed, "refused"), http.StatusBadGateway},
		{"hostkey mismatch", New(CodeHostKeyMismatch, "pin differs"), http.StatusBadGateway},
		{"command timeout", New(CodeSSHCommandTimeout, "deadline"), http.StatusGatewayTimeout},
		{"docker unreachable", New(CodeDockerUnreachable, "daemon down"), http.StatusBadGateway},
		{"image pull", New(CodeImagePullFailed, "no such image"), http.StatusBadGateway},
		{"unavailable", New(CodeUnavailable, "redis down"), http.StatusServiceUnavailable},
		{"internal", New(CodeInternal, "boom"), http.StatusInternalServerError},
		{"uncoded error", errors.New("boom"), http.StatusInternalServerError},
		{"wrapped keeps mapping", fmt.Errorf("ctx: %w", NotFound("rule", "r1")), http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := HTTPStatus(tt.err); got != tt.want {
				t.Errorf("HTTPStatus() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestWithDetail(t *testing.T) {
	err := New(CodeSSHCommandTimeout, "probe timed out").
		WithDetail("machine_id", "m-1").
		WithDetail("partial_stdout", "42.0")

	details := GetDetails(err)
	if details == nil {
		t.Fatal("GetDetails() = nil, want populated map")
	}
	if details["machine_id"] != "m-1" {
		t.Errorf("details[machine_id] = %v, want m-1", details["machine_id"])
	}
	if details["partial_stdout"] != "42.0" {
		t.Errorf("details[partial_stdout] = %v, want 42.0", details["partial_stdout"])
	}

	if got := GetDetails(errors.New("plain")); got != nil {
		t.Errorf("GetDetails(plain) = %v, want nil", got)
	}
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(cause, CodeSSHConnectFailed, "dialing web-1")

	if !errors.Is(err, cause) {
		t.Error("errors.Is() should find the wrapped cause")
	}
}

func TestIsHelpers(t *testing.T) {
	if !IsNotFound(NotFound("alert", "a1")) {
		t.Error("IsNotFound() = false, want true")
	}
	if IsNotFound(Invalid("nope")) {
		t.Error("IsNotFound(invalid) = true, want false")
	}
	if !IsConflict(NameConflict("machine", "web-1")) {
		t.Error("IsConflict(name conflict) = false, want true")
	}
	if !IsConflict(New(CodeConflict, "busy")) {
		t.Error("IsConflict(conflict) = false, want true")
	}
	if !IsTimeout(New(CodeSSHCommandTimeout, "deadline")) {
		t.Error("IsTimeout() = false, want true")
	}
}
