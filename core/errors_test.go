package core

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorUnwrap(t *testing.T) {
	err := NewError("correlation.SendRequest", "transport", ErrTransportFailure)
	if !errors.Is(err, ErrTransportFailure) {
		t.Fatal("wrapped sentinel not found by errors.Is")
	}

	var structured *Error
	if !errors.As(err, &structured) {
		t.Fatal("errors.As failed to find *Error")
	}
	if structured.Op != "correlation.SendRequest" {
		t.Fatalf("Op = %q", structured.Op)
	}
}

func TestErrorStringForms(t *testing.T) {
	cases := []struct {
		err  *Error
		want string
	}{
		{&Error{Op: "graph.Seed", Err: ErrMalformedToken}, "graph.Seed: malformed presence token"},
		{&Error{Op: "graph.Seed", ID: "tok-1", Err: ErrMalformedToken}, "graph.Seed [tok-1]: malformed presence token"},
		{&Error{Message: "plain message"}, "plain message"},
		{&Error{Err: ErrShutdown}, "already shut down"},
		{&Error{Kind: "codec"}, "codec error"},
	}
	for _, tc := range cases {
		if got := tc.err.Error(); got != tc.want {
			t.Errorf("Error() = %q, want %q", got, tc.want)
		}
	}
}

func TestErrorPredicates(t *testing.T) {
	wrap := func(err error) error { return fmt.Errorf("context: %w", err) }

	if !IsDecodeError(wrap(ErrMalformedAttachment)) || !IsDecodeError(wrap(ErrMalformedToken)) {
		t.Fatal("IsDecodeError missed a codec sentinel")
	}
	if IsDecodeError(wrap(ErrTransportFailure)) {
		t.Fatal("IsDecodeError matched a transport error")
	}
	if !IsTransportError(wrap(ErrSessionClosed)) {
		t.Fatal("IsTransportError missed ErrSessionClosed")
	}
	if !IsConfigurationError(wrap(ErrMissingConfiguration)) {
		t.Fatal("IsConfigurationError missed ErrMissingConfiguration")
	}
}
