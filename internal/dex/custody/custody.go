// Package custody defines the external capital-custody collaborator. The
// engine never holds user funds itself; it asks custody to validate a
// capability proof and to move balances between accounts and the market's
// pool. The in-memory implementation backs tests and single-node deployments.
package custody

import (
	"bytes"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/unxversal/dexcore/common/errors"
	"github.com/unxversal/dexcore/internal/dex/model"
)

// Service is the custody/authorization collaborator seen by the vault.
type Service interface {
	// ValidateProof checks a trader's capability proof for a custody id.
	ValidateProof(custodyID uuid.UUID, proof []byte) bool
	// Balance reads an account's external balance; treated as an
	// already-resolved input, never a blocking call.
	Balance(custodyID uuid.UUID, asset model.Asset) decimal.Decimal
	// Debit removes funds from an account's external balance.
	Debit(custodyID uuid.UUID, asset model.Asset, amount decimal.Decimal) error
	// Credit adds funds to an account's external balance.
	Credit(custodyID uuid.UUID, asset model.Asset, amount decimal.Decimal)
}

// InMemory is a Service backed by process memory.
type InMemory struct {
	mu       sync.Mutex
	balances map[uuid.UUID]map[model.Asset]decimal.Decimal
	proofs   map[uuid.UUID][]byte
}

// NewInMemory creates an empty custody service.
func NewInMemory() *InMemory {
	return &InMemory{
		balances: make(map[uuid.UUID]map[model.Asset]decimal.Decimal),
		proofs:   make(map[uuid.UUID][]byte),
	}
}

// Register creates a custody account with the given capability proof.
func (s *InMemory) Register(custodyID uuid.UUID, proof []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.proofs[custodyID] = append([]byte(nil), proof...)
	if _, ok := s.balances[custodyID]; !ok {
		s.balances[custodyID] = make(map[model.Asset]decimal.Decimal)
	}
}

// Deposit funds an account externally, outside any market operation.
func (s *InMemory) Deposit(custodyID uuid.UUID, asset model.Asset, amount decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensure(custodyID)
	s.balances[custodyID][asset] = s.balances[custodyID][asset].Add(amount)
}

func (s *InMemory) ensure(custodyID uuid.UUID) {
	if _, ok := s.balances[custodyID]; !ok {
		s.balances[custodyID] = make(map[model.Asset]decimal.Decimal)
	}
}

func (s *InMemory) ValidateProof(custodyID uuid.UUID, proof []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	want, ok := s.proofs[custodyID]
	return ok && bytes.Equal(want, proof)
}

func (s *InMemory) Balance(custodyID uuid.UUID, asset model.Asset) decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balances[custodyID][asset]
}

func (s *InMemory) Debit(custodyID uuid.UUID, asset model.Asset, amount decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensure(custodyID)
	cur := s.balances[custodyID][asset]
	if cur.LessThan(amount) {
		return errors.InsufficientExternalBalance("%s: have %s, need %s",
			asset, cur, amount)
	}
	s.balances[custodyID][asset] = cur.Sub(amount)
	return nil
}

func (s *InMemory) Credit(custodyID uuid.UUID, asset model.Asset, amount decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensure(custodyID)
	s.balances[custodyID][asset] = s.balances[custodyID][asset].Add(amount)
}
