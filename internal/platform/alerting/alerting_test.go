package alerting

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/rs/zerolog"
)

type captureSender struct {
	mu   sync.Mutex
	sent []Alert
	err  error
}

func (s *captureSender) Send(_ context.Context, a Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, a)
	return nil
}

func TestRaise_DeliversToSendersAndAssignsID(t *testing.T) {
	sender := &captureSender{}
	a := New(zerolog.Nop(), 10, sender)

	a.Raise(context.Background(), Alert{Kind: KindJobFailed, Subject: "job-1"})

	if len(sender.sent) != 1 {
		t.Fatalf("expected 1 delivered alert, got %d", len(sender.sent))
	}
	got := sender.sent[0]
	if got.ID == "" {
		t.Error("expected generated alert ID")
	}
	if got.CreatedAt.IsZero() {
		t.Error("expected CreatedAt to be stamped")
	}
	if got.Kind != KindJobFailed {
		t.Errorf("expected kind %s, got %s", KindJobFailed, got.Kind)
	}
}

func TestRaise_SenderFailureIsSwallowed(t *testing.T) {
	failing := &captureSender{err: errors.New("smtp down")}
	working := &captureSender{}
	a := New(zerolog.Nop(), 10, failing, working)

	a.Raise(context.Background(), Alert{Kind: KindAuthFailure, Subject: "conn-1"})

	if len(working.sent) != 1 {
		t.Fatalf("expected delivery to healthy sender despite failing sibling, got %d", len(working.sent))
	}
	if len(a.Recent(0)) != 1 {
		t.Errorf("expected alert recorded even when delivery fails")
	}
}

func TestRecent_NewestFirstAndBounded(t *testing.T) {
	a := New(zerolog.Nop(), 3)
	for i := 0; i < 5; i++ {
		a.Raise(context.Background(), Alert{
			Kind:    KindConflictReview,
			Subject: fmt.Sprintf("conflict-%d", i),
		})
	}

	recent := a.Recent(0)
	if len(recent) != 3 {
		t.Fatalf("expected ring bounded at 3, got %d", len(recent))
	}
	if recent[0].Subject != "conflict-4" {
		t.Errorf("expected newest first, got %s", recent[0].Subject)
	}
	if recent[2].Subject != "conflict-2" {
		t.Errorf("expected oldest kept to be conflict-2, got %s", recent[2].Subject)
	}

	limited := a.Recent(2)
	if len(limited) != 2 || limited[0].Subject != "conflict-4" {
		t.Errorf("expected limit to return 2 newest, got %v", limited)
	}
}
