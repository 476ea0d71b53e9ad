package ledger

import (
	"errors"
	"testing"

	"github.com/google/uuid"
)

func TestParseWalletIDMapsMalformedToNotFound(t *testing.T) {
	for _, raw := range []string{"", "abc", "123", "not-a-uuid"} {
		if _, err := parseWalletID(raw); !errors.Is(err, ErrWalletNotFound) {
			t.Fatalf("%q: expected ErrWalletNotFound, got %v", raw, err)
		}
	}

	valid := uuid.NewString()
	id, err := parseWalletID(valid)
	if err != nil {
		t.Fatalf("valid id rejected: %v", err)
	}
	if id.String() != valid {
		t.Fatalf("expected %s, got %s", valid, id)
	}
}

func TestParseRequestIDMapsMalformedToNotFound(t *testing.T) {
	for _, raw := range []string{"", "abc", "w-1"} {
		if _, err := parseRequestID(raw); !errors.Is(err, ErrRequestNotFound) {
			t.Fatalf("%q: expected ErrRequestNotFound, got %v", raw, err)
		}
	}

	if _, err := parseRequestID(uuid.NewString()); err != nil {
		t.Fatalf("valid id rejected: %v", err)
	}
}
