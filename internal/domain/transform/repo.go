package transform

import (
	"context"
	"sync"
)

// RuleRepository loads the declarative rule sets the pipeline is built
// from. Rules are immutable once loaded; Create exists for seeding and
// administration, not for mid-run mutation.
type RuleRepository interface {
	Create(ctx context.Context, rule *Rule) error
	ListByProvider(ctx context.Context, provider string) ([]Rule, error)
	ListAll(ctx context.Context) ([]Rule, error)
}

// InMemoryRuleRepo is a thread-safe in-memory RuleRepository used by
// tests and embedded runs.
type InMemoryRuleRepo struct {
	mu    sync.RWMutex
	rules []Rule
}

// NewInMemoryRuleRepo creates an empty in-memory rule repository.
func NewInMemoryRuleRepo() *InMemoryRuleRepo {
	return &InMemoryRuleRepo{}
}

func (r *InMemoryRuleRepo) Create(_ context.Context, rule *Rule) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rules = append(r.rules, *rule)
	return nil
}

func (r *InMemoryRuleRepo) ListByProvider(_ context.Context, provider string) ([]Rule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Rule
	for _, rule := range r.rules {
		if rule.Provider == provider {
			out = append(out, rule)
		}
	}
	return out, nil
}

func (r *InMemoryRuleRepo) ListAll(_ context.Context) ([]Rule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Rule(nil), r.rules...), nil
}
