package errs

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestKindOf(t *testing.T) {
	err := New(KindBusy, "send already in flight")
	if KindOf(err) != KindBusy {
		t.Errorf("expected KindBusy, got %s", KindOf(err))
	}

	wrapped := fmt.Errorf("handling request: %w", err)
	if KindOf(wrapped) != KindBusy {
		t.Errorf("expected KindBusy through wrapping, got %s", KindOf(wrapped))
	}

	if KindOf(errors.New("plain")) != KindInternal {
		t.Error("expected plain errors to classify as internal")
	}
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		kind   Kind
		status int
	}{
		{KindNotFound, http.StatusNotFound},
		{KindBadRequest, http.StatusBadRequest},
		{KindUnauthorized, http.StatusUnauthorized},
		{KindInvalidState, http.StatusBadRequest},
		{KindGone, http.StatusGone},
		{KindBusy, http.StatusConflict},
		{KindCapacityExceeded, http.StatusServiceUnavailable},
		{KindNoRunner, http.StatusServiceUnavailable},
		{KindBridgeUnready, http.StatusInternalServerError},
		{KindBridgeLost, http.StatusInternalServerError},
		{KindResourceCap, http.StatusInternalServerError},
		{KindUpstream, http.StatusInternalServerError},
		{KindPersistence, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := HTTPStatus(New(tt.kind, "x")); got != tt.status {
			t.Errorf("kind %s: expected %d, got %d", tt.kind, tt.status, got)
		}
	}

	if HTTPStatus(errors.New("unclassified")) != http.StatusInternalServerError {
		t.Error("unclassified errors should map to 500")
	}
}

func TestMessageHidesInternals(t *testing.T) {
	cause := errors.New("dial unix /tmp/x.sock: connect: no such file")
	err := Wrap(KindBridgeUnready, "bridge did not become ready", cause)

	if Message(err) != "bridge did not become ready" {
		t.Errorf("unexpected message: %s", Message(err))
	}
	if Message(cause) != "internal error" {
		t.Errorf("raw cause should not leak, got: %s", Message(cause))
	}
	if !errors.Is(err, cause) {
		t.Error("wrapped cause should be reachable via errors.Is")
	}
}
