package provider

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

type nopAdapter struct{ name string }

func (a *nopAdapter) FetchEntity(_ context.Context, remoteID string) (map[string]interface{}, error) {
	return map[string]interface{}{"id": remoteID}, nil
}

func (a *nopAdapter) CreateEntity(_ context.Context, _ map[string]interface{}) (string, error) {
	return "remote-1", nil
}

func (a *nopAdapter) UpdateEntity(_ context.Context, _ string, _ map[string]interface{}) error {
	return nil
}

// ===================== Error taxonomy =====================

func TestErrorKind_Recoverable(t *testing.T) {
	cases := []struct {
		kind ErrorKind
		want bool
	}{
		{KindAuth, false},
		{KindRateLimit, true},
		{KindNotFound, false},
		{KindTransient, true},
		{KindPermanent, false},
	}
	for _, tc := range cases {
		if got := tc.kind.Recoverable(); got != tc.want {
			t.Errorf("kind %s: recoverable = %v, want %v", tc.kind, got, tc.want)
		}
	}
}

func TestKindOf_ProviderError(t *testing.T) {
	err := NewError(KindAuth, "epic", "token expired")
	if got := KindOf(err); got != KindAuth {
		t.Errorf("expected AUTH, got %s", got)
	}

	wrapped := fmt.Errorf("fetch patient: %w", err)
	if got := KindOf(wrapped); got != KindAuth {
		t.Errorf("expected AUTH through wrapping, got %s", got)
	}
}

func TestKindOf_UnclassifiedErrorIsTransient(t *testing.T) {
	if got := KindOf(errors.New("connection reset by peer")); got != KindTransient {
		t.Errorf("expected unclassified error to be TRANSIENT, got %s", got)
	}
	if got := KindOf(context.DeadlineExceeded); got != KindTransient {
		t.Errorf("expected deadline to be TRANSIENT, got %s", got)
	}
}

func TestError_Message(t *testing.T) {
	e := &Error{Kind: KindRateLimit, Provider: "cerner", Message: "throttled", StatusCode: 429}
	want := "RATE_LIMIT: throttled (cerner, status 429)"
	if e.Error() != want {
		t.Errorf("got %q, want %q", e.Error(), want)
	}
}

// ===================== Registry =====================

func TestRegistry_RegisterAndGet(t *testing.T) {
	r := NewRegistry()
	r.Register("epic", &nopAdapter{name: "epic"})

	a, err := r.Get("epic")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a == nil {
		t.Fatal("expected adapter")
	}

	if _, err := r.Get("meditech"); err == nil {
		t.Error("expected error for unregistered provider")
	}
}

func TestRegistry_Names(t *testing.T) {
	r := NewRegistry()
	r.Register("epic", &nopAdapter{})
	r.Register("cerner", &nopAdapter{})

	names := r.Names()
	if len(names) != 2 {
		t.Fatalf("expected 2 names, got %d", len(names))
	}
}
