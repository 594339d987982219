package core

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/rs/zerolog"

	"github.com/zilstream/grants-indexer/internal/changeset"
	"github.com/zilstream/grants-indexer/internal/event"
)

// HandlerFunc maps one event to the changesets it implies. Handlers read
// through hctx and never mutate the store.
type HandlerFunc func(ctx context.Context, hctx *Context, ev *event.Event) ([]changeset.Changeset, error)

// ContractKey identifies a contract generation.
type ContractKey struct {
	Contract string
	Version  string
}

// HandlerKey identifies a handler slot.
type HandlerKey struct {
	Contract string
	Version  string
	Event    string
}

func (k HandlerKey) String() string {
	return k.Contract + "/" + k.Version + "/" + k.Event
}

// Registry holds contract ABIs and the handlers keyed by
// (contract, version, event). It is built once at startup.
type Registry struct {
	mu        sync.RWMutex
	contracts map[ContractKey]*abi.ABI
	handlers  map[HandlerKey]HandlerFunc
	logger    zerolog.Logger
}

func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		contracts: make(map[ContractKey]*abi.ABI),
		handlers:  make(map[HandlerKey]HandlerFunc),
		logger:    logger.With().Str("component", "registry").Logger(),
	}
}

// RegisterContract parses and stores a contract ABI.
func (r *Registry) RegisterContract(name, version, abiJSON string) error {
	parsed, err := abi.JSON(strings.NewReader(abiJSON))
	if err != nil {
		return fmt.Errorf("parse abi for %s %s: %w", name, version, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := ContractKey{Contract: name, Version: version}
	if _, exists := r.contracts[key]; exists {
		return fmt.Errorf("contract %s %s is already registered", name, version)
	}
	r.contracts[key] = &parsed
	return nil
}

// Handle registers h for an event. Registering the same key twice panics,
// as that is a wiring bug.
func (r *Registry) Handle(contract, version, eventName string, h HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := HandlerKey{Contract: contract, Version: version, Event: eventName}
	if _, exists := r.handlers[key]; exists {
		panic("duplicate handler " + key.String())
	}
	r.handlers[key] = h
}

// ABI returns the parsed ABI of a registered contract.
func (r *Registry) ABI(contract, version string) (*abi.ABI, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.contracts[ContractKey{Contract: contract, Version: version}]
	return a, ok
}

// Keys lists every handler slot in a stable order.
func (r *Registry) Keys() []HandlerKey {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]HandlerKey, 0, len(r.handlers))
	for k := range r.handlers {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}

// Validate checks that every handler names an event its ABI declares and
// that every static subscription names a registered contract.
func (r *Registry) Validate(static []changeset.Subscription) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var errs []error
	for key := range r.handlers {
		contractABI, ok := r.contracts[ContractKey{Contract: key.Contract, Version: key.Version}]
		if !ok {
			errs = append(errs, fmt.Errorf("handler %s: contract not registered", key))
			continue
		}
		if _, ok := contractABI.Events[key.Event]; !ok {
			errs = append(errs, fmt.Errorf("handler %s: event not in abi", key))
		}
	}
	for _, sub := range static {
		if _, ok := r.contracts[ContractKey{Contract: sub.ContractName, Version: sub.Version}]; !ok {
			errs = append(errs, fmt.Errorf("subscription %s: contract %s %s not registered",
				sub.Address, sub.ContractName, sub.Version))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid registry: %w", errors.Join(errs...))
	}

	r.logger.Info().
		Int("contracts", len(r.contracts)).
		Int("handlers", len(r.handlers)).
		Msg("Registry validated")
	return nil
}

// Dispatch routes an event to its handler. Events without a handler yield no
// changesets.
func (r *Registry) Dispatch(ctx context.Context, hctx *Context, ev *event.Event) ([]changeset.Changeset, error) {
	r.mu.RLock()
	h, ok := r.handlers[HandlerKey{Contract: ev.ContractName, Version: ev.Version, Event: ev.Name}]
	r.mu.RUnlock()

	if !ok {
		r.logger.Debug().
			Str("contract", ev.ContractName).
			Str("version", ev.Version).
			Str("event", ev.Name).
			Msg("No handler for event")
		return nil, nil
	}
	return h(ctx, hctx, ev)
}
