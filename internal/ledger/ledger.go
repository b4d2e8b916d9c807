// Package ledger is the account host the escrow program runs against. It
// stores lamport balances and opaque account data, and gives every operation a
// single all-or-nothing boundary through Store.Atomic.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/bits"

	"github.com/gagliardetto/solana-go"
)

var (
	ErrAccountNotFound      = errors.New("account not found")
	ErrAccountExists        = errors.New("account already exists")
	ErrInsufficientLamports = errors.New("insufficient lamports")
	ErrLamportsOverflow     = errors.New("lamports overflow")
)

// accountStorageOverhead matches the per-account metadata size charged by
// Solana's rent model.
const accountStorageOverhead = 128

type Account struct {
	Address  solana.PublicKey
	Owner    solana.PublicKey
	Lamports uint64
	Data     []byte
}

func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	out := *a
	out.Data = append([]byte(nil), a.Data...)
	return &out
}

// Tx is the view of the ledger inside one atomic unit. Reads see the writes
// made earlier in the same Tx. Accounts returned by Get are copies.
type Tx interface {
	Get(ctx context.Context, address solana.PublicKey) (*Account, error)
	Put(ctx context.Context, account *Account) error
	Delete(ctx context.Context, address solana.PublicKey) error
}

type Store interface {
	// Atomic runs fn as one unit: either every write fn made is committed or,
	// when fn returns an error, none is.
	Atomic(ctx context.Context, fn func(Tx) error) error
	Get(ctx context.Context, address solana.PublicKey) (*Account, error)
	ListByOwner(ctx context.Context, owner solana.PublicKey) ([]*Account, error)
	Close() error
}

type Rent struct {
	LamportsPerByteYear uint64
}

// MinimumBalance is the rent-exempt deposit for an account holding dataLen
// bytes. It saturates at math.MaxUint64, which no payer can fund.
func (r Rent) MinimumBalance(dataLen int) uint64 {
	if dataLen < 0 {
		dataLen = 0
	}
	hi, lo := bits.Mul64(uint64(accountStorageOverhead+dataLen), r.LamportsPerByteYear)
	if hi != 0 || lo > math.MaxUint64/2 {
		return math.MaxUint64
	}
	return lo * 2
}

// Exists reports whether address is materialized in tx.
func Exists(ctx context.Context, tx Tx, address solana.PublicKey) (bool, error) {
	_, err := tx.Get(ctx, address)
	if errors.Is(err, ErrAccountNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Create materializes account, funding its Lamports from payer.
func Create(ctx context.Context, tx Tx, payer solana.PublicKey, account *Account) error {
	exists, err := Exists(ctx, tx, account.Address)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("%w: %s", ErrAccountExists, account.Address)
	}

	payerAccount, err := tx.Get(ctx, payer)
	if err != nil {
		return fmt.Errorf("load payer %s: %w", payer, err)
	}
	if payerAccount.Lamports < account.Lamports {
		return fmt.Errorf("%w: payer %s has %d, needs %d", ErrInsufficientLamports, payer, payerAccount.Lamports, account.Lamports)
	}
	payerAccount.Lamports -= account.Lamports

	if err := tx.Put(ctx, payerAccount); err != nil {
		return err
	}
	return tx.Put(ctx, account)
}

// Close deletes address and credits all of its lamports to destination,
// creating destination as a system account if needed. It returns the amount
// refunded.
func Close(ctx context.Context, tx Tx, address, destination solana.PublicKey) (uint64, error) {
	if address.Equals(destination) {
		return 0, fmt.Errorf("close %s: destination is the closed account", address)
	}

	closing, err := tx.Get(ctx, address)
	if err != nil {
		return 0, fmt.Errorf("load %s: %w", address, err)
	}

	if err := Credit(ctx, tx, destination, closing.Lamports); err != nil {
		return 0, err
	}
	if err := tx.Delete(ctx, address); err != nil {
		return 0, err
	}
	return closing.Lamports, nil
}

// Credit adds lamports to address, creating a system-owned account if absent.
func Credit(ctx context.Context, tx Tx, address solana.PublicKey, lamports uint64) error {
	account, err := tx.Get(ctx, address)
	if errors.Is(err, ErrAccountNotFound) {
		account = &Account{Address: address, Owner: solana.SystemProgramID}
	} else if err != nil {
		return fmt.Errorf("load %s: %w", address, err)
	}

	if math.MaxUint64-account.Lamports < lamports {
		return fmt.Errorf("%w: crediting %s", ErrLamportsOverflow, address)
	}
	account.Lamports += lamports
	return tx.Put(ctx, account)
}
