package errkind

import (
	"fmt"
	"testing"
)

func TestKindOfUnwraps(t *testing.T) {
	base := New(BadInput, "features.Normalize", "window too short")
	wrapped := fmt.Errorf("inference: %w", base)

	if got := KindOf(wrapped); got != BadInput {
		t.Errorf("expected BadInput, got %s", got)
	}
	if !Is(wrapped, BadInput) {
		t.Errorf("Is(wrapped, BadInput) = false, want true")
	}
}

func TestKindOfDefaultsToFatal(t *testing.T) {
	if got := KindOf(fmt.Errorf("plain error")); got != Fatal {
		t.Errorf("expected Fatal for unqualified error, got %s", got)
	}
}

func TestHTTPStatus(t *testing.T) {
	cases := map[Kind]int{
		BadInput:  400,
		Transient: 503,
		Conflict:  409,
		Fatal:     500,
	}
	for kind, want := range cases {
		if got := HTTPStatus(kind); got != want {
			t.Errorf("HTTPStatus(%s) = %d, want %d", kind, got, want)
		}
	}
}
