package ledger

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/gagliardetto/solana-go"
)

// MemoryStore keeps accounts in process. Atomic units are serialized by a
// single writer lock and buffered in a journal until fn returns.
type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[solana.PublicKey]*Account
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{accounts: make(map[solana.PublicKey]*Account)}
}

func (s *MemoryStore) Atomic(ctx context.Context, fn func(Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	tx := &memoryTx{
		base:   s.accounts,
		writes: make(map[solana.PublicKey]*Account),
		gone:   make(map[solana.PublicKey]struct{}),
	}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	for address := range tx.gone {
		delete(s.accounts, address)
	}
	for address, account := range tx.writes {
		s.accounts[address] = account
	}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, address solana.PublicKey) (*Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	account, ok := s.accounts[address]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, address)
	}
	return account.Clone(), nil
}

func (s *MemoryStore) ListByOwner(_ context.Context, owner solana.PublicKey) ([]*Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Account
	for _, account := range s.accounts {
		if account.Owner.Equals(owner) {
			out = append(out, account.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].Address[:], out[j].Address[:]) < 0
	})
	return out, nil
}

func (s *MemoryStore) Close() error {
	return nil
}

type memoryTx struct {
	base   map[solana.PublicKey]*Account
	writes map[solana.PublicKey]*Account
	gone   map[solana.PublicKey]struct{}
}

func (tx *memoryTx) Get(_ context.Context, address solana.PublicKey) (*Account, error) {
	if account, ok := tx.writes[address]; ok {
		return account.Clone(), nil
	}
	if _, ok := tx.gone[address]; ok {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, address)
	}
	if account, ok := tx.base[address]; ok {
		return account.Clone(), nil
	}
	return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, address)
}

func (tx *memoryTx) Put(_ context.Context, account *Account) error {
	if account == nil {
		return fmt.Errorf("put nil account")
	}
	delete(tx.gone, account.Address)
	tx.writes[account.Address] = account.Clone()
	return nil
}

func (tx *memoryTx) Delete(_ context.Context, address solana.PublicKey) error {
	_, written := tx.writes[address]
	_, stored := tx.base[address]
	if !written && !stored {
		return fmt.Errorf("%w: %s", ErrAccountNotFound, address)
	}
	if _, ok := tx.gone[address]; ok && !written {
		return fmt.Errorf("%w: %s", ErrAccountNotFound, address)
	}
	delete(tx.writes, address)
	tx.gone[address] = struct{}{}
	return nil
}
