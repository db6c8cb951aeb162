package ratelimit

import "sync"

// Chain is an ordered list of policies guarding one operation.
type Chain []Policy

// Admit checks every policy before recording any of them. On the first
// rejection its Decision and *QuotaExceededError are returned and no policy
// is charged. When all policies admit, the call is recorded against each and
// the returned Decision reports the tightest remaining quota across the chain.
//
// An empty chain admits everything and reports Limit 0.
func (c Chain) Admit(l *Limiter, r Request) (Decision, error) {
	if len(c) == 0 {
		return Decision{Admitted: true}, nil
	}
	return l.admitAll(r, c)
}

// Table maps route names to chains. Set swaps the whole table, so policy
// changes take effect on the next request without restarting.
type Table struct {
	mu     sync.RWMutex
	chains map[string]Chain
}

// NewTable returns a Table holding chains.
func NewTable(chains map[string]Chain) *Table {
	t := &Table{}
	t.Set(chains)
	return t
}

// Set replaces every chain.
func (t *Table) Set(chains map[string]Chain) {
	cp := make(map[string]Chain, len(chains))
	for route, c := range chains {
		cp[route] = append(Chain(nil), c...)
	}
	t.mu.Lock()
	t.chains = cp
	t.mu.Unlock()
}

// Chain returns the chain for route, nil when none is configured.
func (t *Table) Chain(route string) Chain {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.chains[route]
}
