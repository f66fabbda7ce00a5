package apierr_test

import (
	"errors"
	"testing"

	"github.com/utopia-mdl/issuing-server/internal/apierr"
)

func TestErrorMessageIncludesKindAndCause(t *testing.T) {
	cause := errors.New("boom")
	err := apierr.CryptoError("signature check failed", cause)
	if err.Kind != apierr.Crypto {
		t.Fatalf("expected Kind Crypto, got %v", err.Kind)
	}
	want := "crypto: signature check failed: boom"
	if err.Error() != want {
		t.Fatalf("expected %q, got %q", want, err.Error())
	}
}

func TestErrorMessageWithoutCause(t *testing.T) {
	err := apierr.ProtocolError("missing field")
	want := "protocol: missing field"
	if err.Error() != want {
		t.Fatalf("expected %q, got %q", want, err.Error())
	}
}

func TestProtocolErrorfFormats(t *testing.T) {
	err := apierr.ProtocolErrorf("invalid state %d", 3)
	want := "protocol: invalid state 3"
	if err.Error() != want {
		t.Fatalf("expected %q, got %q", want, err.Error())
	}
}

func TestUnwrapReturnsCause(t *testing.T) {
	cause := errors.New("underlying")
	err := apierr.StoreError("insert failed", cause)
	if !errors.Is(err, cause) {
		t.Fatalf("expected errors.Is to find the wrapped cause")
	}
}

func TestAsExtractsTypedError(t *testing.T) {
	err := apierr.LookupError("not found", nil)
	var wrapped error = err
	extracted, ok := apierr.As(wrapped)
	if !ok {
		t.Fatalf("expected As to succeed on an *apierr.Error")
	}
	if extracted.Kind != apierr.Lookup {
		t.Fatalf("expected Kind Lookup, got %v", extracted.Kind)
	}
}

func TestAsFailsForUnrelatedError(t *testing.T) {
	if _, ok := apierr.As(errors.New("plain error")); ok {
		t.Fatalf("expected As to fail for a non-apierr error")
	}
}

func TestKindString(t *testing.T) {
	cases := map[apierr.Kind]string{
		apierr.Protocol: "protocol",
		apierr.Lookup:   "lookup",
		apierr.Crypto:   "crypto",
		apierr.Store:    "store",
	}
	for kind, want := range cases {
		if got := kind.String(); got != want {
			t.Fatalf("Kind(%d).String() = %q, want %q", kind, got, want)
		}
	}
}
