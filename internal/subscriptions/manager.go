// Package subscriptions tracks the contracts each chain decodes and retires
// the ones whose activity window has passed.
package subscriptions

import (
	"sort"
	"strings"
	"sync"

	"github.com/zilstream/grants-indexer/internal/changeset"
	"github.com/zilstream/grants-indexer/internal/metrics"
)

// Entry is an active subscription and its progress.
type Entry struct {
	changeset.Subscription
	// Next is the first block not yet indexed for this contract.
	Next uint64
}

// Manager holds one chain's subscriptions. It is safe for concurrent use.
type Manager struct {
	chainID int64

	mu   sync.RWMutex
	subs map[string]*Entry
}

func NewManager(chainID int64) *Manager {
	return &Manager{chainID: chainID, subs: make(map[string]*Entry)}
}

// Add starts tracking sub. A second subscription for an address that is
// already tracked is ignored and Add reports false.
func (m *Manager) Add(sub changeset.Subscription) bool {
	return m.AddAt(sub, sub.FromBlock)
}

// AddAt is Add with indexing resumed at next instead of the from block. The
// subscription's FromBlock is kept as given; next below it is raised to it.
func (m *Manager) AddAt(sub changeset.Subscription, next uint64) bool {
	sub.Address = strings.ToLower(sub.Address)
	if next < sub.FromBlock {
		next = sub.FromBlock
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.subs[sub.Address]; exists {
		return false
	}
	m.subs[sub.Address] = &Entry{Subscription: sub, Next: next}
	m.report()
	return true
}

// Remove stops tracking an address.
func (m *Manager) Remove(address string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	address = strings.ToLower(address)
	if _, exists := m.subs[address]; !exists {
		return false
	}
	delete(m.subs, address)
	m.report()
	return true
}

func (m *Manager) Get(address string) (Entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.subs[strings.ToLower(address)]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Active returns every subscription ordered by address.
func (m *Manager) Active() []Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Entry, 0, len(m.subs))
	for _, e := range m.subs {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// Behind returns the subscriptions with blocks left to index up to target.
func (m *Manager) Behind(target uint64) []Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Entry
	for _, e := range m.subs {
		if e.Next <= target {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Next != out[j].Next {
			return out[i].Next < out[j].Next
		}
		return out[i].Address < out[j].Address
	})
	return out
}

// MarkIndexed records that addresses are indexed through block. Progress
// never moves backwards.
func (m *Manager) MarkIndexed(addresses []string, block uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range addresses {
		if e, ok := m.subs[strings.ToLower(a)]; ok && e.Next <= block {
			e.Next = block + 1
		}
	}
}

func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subs)
}

func (m *Manager) report() {
	metrics.ActiveSubscriptions.WithLabelValues(metrics.Chain(m.chainID)).Set(float64(len(m.subs)))
}
