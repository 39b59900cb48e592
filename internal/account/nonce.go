// Package account - Nonce management.
package account

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// PendingNonceReader reads the chain's pending-tag nonce for an address.
type PendingNonceReader interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
}

// NonceManager vends strictly increasing nonces for one sender address with
// commit/rollback semantics. Rolled-back nonces go on a free list and the
// smallest free nonce is always re-issued before the next sequential one.
type NonceManager struct {
	address common.Address
	client  PendingNonceReader

	mu          sync.Mutex
	initialized bool
	next        uint64
	free        []uint64 // sorted ascending
}

// NonceHandle is one issued nonce. Exactly one of Submit or Rollback must
// be called.
type NonceHandle struct {
	Nonce uint64

	once     sync.Once
	submit   func()
	rollback func()
}

// Submit commits the nonce: it will never be re-issued.
func (h *NonceHandle) Submit() {
	h.once.Do(h.submit)
}

// Rollback returns the nonce to the free list for reuse by the next caller.
func (h *NonceHandle) Rollback() {
	h.once.Do(h.rollback)
}

// NewNonceManager creates a manager for one sender address.
func NewNonceManager(client PendingNonceReader, address common.Address) *NonceManager {
	return &NonceManager{
		address: address,
		client:  client,
	}
}

// GetNextNonce issues the next nonce for the address. Concurrent callers
// are serialized; nonces are issued in total order per account.
func (m *NonceManager) GetNextNonce(ctx context.Context) (*NonceHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.initialized {
		pending, err := m.client.PendingNonceAt(ctx, m.address)
		if err != nil {
			return nil, fmt.Errorf("failed to read pending nonce: %w", err)
		}
		m.next = pending
		m.initialized = true
	}

	var nonce uint64
	if len(m.free) > 0 {
		nonce = m.free[0]
		m.free = m.free[1:]
	} else {
		nonce = m.next
		m.next++
	}

	return &NonceHandle{
		Nonce:    nonce,
		submit:   func() {},
		rollback: func() { m.release(nonce) },
	}, nil
}

// ForceRefreshNonce re-reads the pending-tag nonce from the chain and
// discards the free list. Used after a stale-nonce rejection.
func (m *NonceManager) ForceRefreshNonce(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	pending, err := m.client.PendingNonceAt(ctx, m.address)
	if err != nil {
		return fmt.Errorf("failed to refresh nonce: %w", err)
	}
	m.next = pending
	m.free = m.free[:0]
	m.initialized = true
	return nil
}

func (m *NonceManager) release(nonce uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	i := sort.Search(len(m.free), func(i int) bool { return m.free[i] >= nonce })
	if i < len(m.free) && m.free[i] == nonce {
		return
	}
	m.free = append(m.free, 0)
	copy(m.free[i+1:], m.free[i:])
	m.free[i] = nonce
}
