// Package sequencer - In-flight payout bookkeeping.
package sequencer

import (
	"fmt"
	"math/big"
	"sort"
	"sync"
)

// Payout is one queued payout obligation, derived from a matched bridge row.
// The source side carries what the deposit was worth so the loss bound can
// be re-checked right before broadcast; a zero source side skips that check.
type Payout struct {
	SourceChain    string
	SourceID       string
	SourceSymbol   string
	SourceDecimals uint8
	SourceAmount   *big.Int

	TargetChain    string
	TargetToken    string // empty for the native coin
	TargetSymbol   string
	TargetDecimals uint8
	TargetAddress  string
	TargetAmount   *big.Int
}

// QueueKey groups payouts that can share one batch transaction.
func (p *Payout) QueueKey() string {
	return p.TargetChain + "|" + p.TargetToken
}

// SerialKey is the chain-qualified identity used for serial relations.
func (p *Payout) SerialKey() string {
	return p.SourceChain + ":" + p.SourceID
}

// InFlightSet holds payouts accepted for execution but not yet broadcast,
// bucketed per (target chain, token). A source id enters the set at most
// once; re-enqueueing an in-flight payout is a no-op.
type InFlightSet struct {
	mu     sync.Mutex
	queues map[string]map[string]*Payout
}

// NewInFlightSet creates an empty set.
func NewInFlightSet() *InFlightSet {
	return &InFlightSet{queues: make(map[string]map[string]*Payout)}
}

// Add inserts a payout. It returns false when the source id is already
// queued for that (chain, token).
func (s *InFlightSet) Add(p *Payout) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := p.QueueKey()
	q, ok := s.queues[key]
	if !ok {
		q = make(map[string]*Payout)
		s.queues[key] = q
	}
	if _, exists := q[p.SourceID]; exists {
		return false
	}
	q[p.SourceID] = p
	return true
}

// Keys returns the queue keys that currently hold payouts.
func (s *InFlightSet) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]string, 0, len(s.queues))
	for k, q := range s.queues {
		if len(q) > 0 {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// Take removes up to max payouts from one queue, ordered by source id so
// repeated sweeps drain deterministically.
func (s *InFlightSet) Take(key string, max int) []*Payout {
	s.mu.Lock()
	defer s.mu.Unlock()

	q := s.queues[key]
	if len(q) == 0 {
		return nil
	}
	ids := make([]string, 0, len(q))
	for id := range q {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	if max > 0 && len(ids) > max {
		ids = ids[:max]
	}

	out := make([]*Payout, 0, len(ids))
	for _, id := range ids {
		out = append(out, q[id])
		delete(q, id)
	}
	return out
}

// Restore re-inserts payouts taken by Take, used when a broadcast attempt
// fails before anything could have reached the chain.
func (s *InFlightSet) Restore(payouts []*Payout) {
	for _, p := range payouts {
		s.Add(p)
	}
}

// Len reports the total number of queued payouts.
func (s *InFlightSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, q := range s.queues {
		n += len(q)
	}
	return n
}

// serialReserver is the slice of storage the reservation step needs.
type serialReserver interface {
	HasSerial(sourceID string) (bool, error)
	ReserveSerials(sourceIDs []string) error
	ClearSerials(sourceIDs []string) error
}

// removeTransactionsAndSetSerial reserves serial slots for a group of
// payouts about to broadcast together. It returns the payouts that actually
// got a slot plus a rollback that releases the slots and restores the
// payouts to the in-flight set. Payouts whose slot already exists are
// dropped: some earlier run already owns them.
func removeTransactionsAndSetSerial(store serialReserver, set *InFlightSet, payouts []*Payout) ([]*Payout, func(), error) {
	fresh := make([]*Payout, 0, len(payouts))
	for _, p := range payouts {
		exists, err := store.HasSerial(p.SerialKey())
		if err != nil {
			set.Restore(payouts)
			return nil, nil, fmt.Errorf("failed to check serial slot: %w", err)
		}
		if !exists {
			fresh = append(fresh, p)
		}
	}
	if len(fresh) == 0 {
		return nil, func() {}, nil
	}

	keys := make([]string, len(fresh))
	for i, p := range fresh {
		keys[i] = p.SerialKey()
	}
	if err := store.ReserveSerials(keys); err != nil {
		set.Restore(payouts)
		return nil, nil, fmt.Errorf("failed to reserve serial slots: %w", err)
	}

	rollback := func() {
		store.ClearSerials(keys)
		set.Restore(fresh)
	}
	return fresh, rollback, nil
}

// senderLocks serializes broadcasts per sender address so nonces leave each
// account in submission order.
type senderLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newSenderLocks() *senderLocks {
	return &senderLocks{locks: make(map[string]*sync.Mutex)}
}

// RunExclusive runs fn while holding the sender's lock.
func (l *senderLocks) RunExclusive(sender string, fn func() error) error {
	l.mu.Lock()
	m, ok := l.locks[sender]
	if !ok {
		m = &sync.Mutex{}
		l.locks[sender] = m
	}
	l.mu.Unlock()

	m.Lock()
	defer m.Unlock()
	return fn()
}
