package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"github.com/coldbell/escrow/backend/internal/database"
	"github.com/gagliardetto/solana-go"
)

// PostgresStore persists accounts in one table. Each Atomic call is a
// serializable transaction and every read inside it takes a row lock, so two
// settlements of the same offer cannot both commit.
type PostgresStore struct {
	db *database.DB
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := database.Open(ctx, dsn)
	if err != nil {
		return nil, err
	}

	store := &PostgresStore{db: db}
	if err := store.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS ledger_accounts (
			address TEXT PRIMARY KEY,
			owner TEXT NOT NULL,
			lamports TEXT NOT NULL,
			data BYTEA NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_accounts_owner ON ledger_accounts(owner);`,
	}
	for _, stmt := range ddl {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate ledger: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) Atomic(ctx context.Context, fn func(Tx) error) error {
	return s.db.WithTx(ctx, sql.LevelSerializable, func(tx *database.Tx) error {
		return fn(&postgresTx{raw: tx})
	})
}

func (s *PostgresStore) Get(ctx context.Context, address solana.PublicKey) (*Account, error) {
	row := s.db.QueryRowContext(ctx, `SELECT owner, lamports, data FROM ledger_accounts WHERE address = ?`, address.String())
	return scanAccount(address, row)
}

func (s *PostgresStore) ListByOwner(ctx context.Context, owner solana.PublicKey) ([]*Account, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT address, lamports, data FROM ledger_accounts WHERE owner = ? ORDER BY address`, owner.String())
	if err != nil {
		return nil, fmt.Errorf("list accounts owned by %s: %w", owner, err)
	}
	defer rows.Close()

	var out []*Account
	for rows.Next() {
		var (
			rawAddress  string
			rawLamports string
			data        []byte
		)
		if err := rows.Scan(&rawAddress, &rawLamports, &data); err != nil {
			return nil, err
		}
		address, err := solana.PublicKeyFromBase58(rawAddress)
		if err != nil {
			return nil, fmt.Errorf("decode address %q: %w", rawAddress, err)
		}
		lamports, err := strconv.ParseUint(rawLamports, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("decode lamports of %s: %w", rawAddress, err)
		}
		out = append(out, &Account{Address: address, Owner: owner, Lamports: lamports, Data: data})
	}
	return out, rows.Err()
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

type postgresTx struct {
	raw *database.Tx
}

func (tx *postgresTx) Get(ctx context.Context, address solana.PublicKey) (*Account, error) {
	row := tx.raw.QueryRowContext(ctx, `SELECT owner, lamports, data FROM ledger_accounts WHERE address = ? FOR UPDATE`, address.String())
	return scanAccount(address, row)
}

func (tx *postgresTx) Put(ctx context.Context, account *Account) error {
	if account == nil {
		return fmt.Errorf("put nil account")
	}
	data := account.Data
	if data == nil {
		data = []byte{}
	}
	_, err := tx.raw.ExecContext(ctx, `
		INSERT INTO ledger_accounts (address, owner, lamports, data)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (address) DO UPDATE SET
			owner = EXCLUDED.owner,
			lamports = EXCLUDED.lamports,
			data = EXCLUDED.data
	`, account.Address.String(), account.Owner.String(), strconv.FormatUint(account.Lamports, 10), data)
	if err != nil {
		return fmt.Errorf("put account %s: %w", account.Address, err)
	}
	return nil
}

func (tx *postgresTx) Delete(ctx context.Context, address solana.PublicKey) error {
	result, err := tx.raw.ExecContext(ctx, `DELETE FROM ledger_accounts WHERE address = ?`, address.String())
	if err != nil {
		return fmt.Errorf("delete account %s: %w", address, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("%w: %s", ErrAccountNotFound, address)
	}
	return nil
}

func scanAccount(address solana.PublicKey, row *sql.Row) (*Account, error) {
	var (
		rawOwner    string
		rawLamports string
		data        []byte
	)
	if err := row.Scan(&rawOwner, &rawLamports, &data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, address)
		}
		return nil, fmt.Errorf("load account %s: %w", address, err)
	}

	owner, err := solana.PublicKeyFromBase58(rawOwner)
	if err != nil {
		return nil, fmt.Errorf("decode owner of %s: %w", address, err)
	}
	lamports, err := strconv.ParseUint(rawLamports, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("decode lamports of %s: %w", address, err)
	}
	return &Account{Address: address, Owner: owner, Lamports: lamports, Data: data}, nil
}
