package ratelimit

import (
	"fmt"
	"log/slog"
	"time"
)

// Request is the transport-neutral description of one call subject to a quota.
type Request struct {
	// ClientAddr is the caller's network address (IP without port).
	ClientAddr string

	// Identity is the authenticated caller name, empty for anonymous calls.
	Identity string

	// Operation is the logical name of the guarded operation. Distinct
	// operations never share quota.
	Operation string
}

// KeyFunc maps a Request to the occupancy-record key it is counted under.
type KeyFunc func(Request) string

// ByAddress keys a request by client address and operation.
func ByAddress(r Request) string {
	return "ip:" + r.ClientAddr + ":" + r.Operation
}

// ByIdentity keys a request by authenticated identity and operation, falling
// back to ByAddress when the caller is anonymous.
func ByIdentity(r Request) string {
	if r.Identity == "" {
		return ByAddress(r)
	}
	return "user:" + r.Identity + ":" + r.Operation
}

// Policy is one quota rule: at most MaxRequests admitted calls per Window,
// counted per key as chosen by Key (ByAddress when nil).
type Policy struct {
	Name        string
	MaxRequests int
	Window      time.Duration
	Key         KeyFunc
}

func (p Policy) key(r Request) string {
	k := p.Key
	if k == nil {
		k = ByAddress
	}
	key := k(r)
	if p.Name != "" {
		// Stacked policies on one operation keep separate records.
		key = p.Name + "|" + key
	}
	return key
}

// Decision is the outcome of one quota check.
type Decision struct {
	Admitted   bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration // zero when admitted
}

// QuotaExceededError is returned when a policy rejects a call.
type QuotaExceededError struct {
	Policy     string
	Limit      int
	Window     time.Duration
	RetryAfter time.Duration
}

func (e *QuotaExceededError) Error() string {
	name := e.Policy
	if name == "" {
		name = "default"
	}
	return fmt.Sprintf("ratelimit: quota %q exceeded: %d requests per %s, retry after %s",
		name, e.Limit, e.Window, e.RetryAfter)
}

// Observer receives one callback per quota check. Implementations must be
// safe for concurrent use.
type Observer interface {
	ObserveDecision(operation string, admitted bool)
}

// Limiter applies policies against a shared WindowCounter.
type Limiter struct {
	counter  *WindowCounter
	observer Observer
}

// New returns a Limiter backed by counter. observer may be nil.
func New(counter *WindowCounter, observer Observer) *Limiter {
	if counter == nil {
		counter = NewWindowCounter()
	}
	return &Limiter{counter: counter, observer: observer}
}

// CheckAndAdmit checks key against p and records the call when admitted.
func (l *Limiter) CheckAndAdmit(key string, p Policy) Decision {
	ok, remaining := l.counter.RecordAndCheck(key, p.MaxRequests, p.Window)
	d := Decision{Admitted: ok, Limit: p.MaxRequests, Remaining: remaining}
	if !ok {
		d.RetryAfter = p.Window
	}
	return d
}

// Admit resolves the key for r under p and checks it. A rejection is returned
// as a *QuotaExceededError alongside the Decision.
func (l *Limiter) Admit(r Request, p Policy) (Decision, error) {
	return l.admitAll(r, []Policy{p})
}

// admitAll checks r against every policy and records it against all of them
// only when all admit. The admitted Decision carries the tightest remaining
// quota; a rejection reports the first rejecting policy.
func (l *Limiter) admitAll(r Request, ps []Policy) (Decision, error) {
	qs := make([]Quota, len(ps))
	for i, p := range ps {
		qs[i] = Quota{Key: p.key(r), MaxCount: p.MaxRequests, Window: p.Window}
	}
	rejected, remaining := l.counter.RecordAndCheckAll(qs)
	if l.observer != nil {
		l.observer.ObserveDecision(r.Operation, rejected < 0)
	}

	if rejected < 0 {
		var d Decision
		for i, p := range ps {
			if i == 0 || remaining[i] < d.Remaining {
				d = Decision{Limit: p.MaxRequests, Remaining: remaining[i]}
			}
		}
		d.Admitted = true
		return d, nil
	}

	p := ps[rejected]
	slog.Debug("ratelimit: request rejected",
		"policy", p.Name,
		"operation", r.Operation,
		"client", r.ClientAddr,
		"identity", r.Identity,
		"limit", p.MaxRequests,
		"window", p.Window,
	)
	d := Decision{Limit: p.MaxRequests, RetryAfter: p.Window}
	return d, &QuotaExceededError{
		Policy:     p.Name,
		Limit:      p.MaxRequests,
		Window:     p.Window,
		RetryAfter: d.RetryAfter,
	}
}

// Counter exposes the underlying WindowCounter for administrative resets.
func (l *Limiter) Counter() *WindowCounter {
	return l.counter
}
