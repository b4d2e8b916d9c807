package indexer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/coldbell/escrow/backend/internal/database"
	"github.com/coldbell/escrow/backend/internal/escrow"
	"github.com/gagliardetto/solana-go"
)

// indexedOffer is an open offer observed at Slot.
type indexedOffer struct {
	Address  solana.PublicKey
	Offer    escrow.Offer
	Vault    solana.PublicKey
	Lamports uint64
}

// syncResult reports one Sync. Stale is set when slot was older than the
// last synced slot and nothing was written; LastSlot is the stored slot.
type syncResult struct {
	Upserted    int
	Closed      int
	OpenTotal   int
	ClosedTotal int
	Stale       bool
	LastSlot    uint64
}

type offerStore interface {
	Sync(ctx context.Context, slot uint64, offers []indexedOffer) (syncResult, error)
	Close() error
}

// Store mirrors escrow offers into Postgres. Rows are never deleted: an offer
// that disappears from the program is kept with state closed.
type Store struct {
	db  *database.DB
	now func() time.Time
}

func NewStore(ctx context.Context, dsn string) (*Store, error) {
	db, err := database.Open(ctx, dsn)
	if err != nil {
		return nil, err
	}

	store := &Store{db: db, now: time.Now}
	if err := store.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS sync_state (
			id BIGINT PRIMARY KEY CHECK (id = 1),
			last_slot BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS offers (
			address TEXT PRIMARY KEY,
			offer_id TEXT NOT NULL,
			maker TEXT NOT NULL,
			token_mint_a TEXT NOT NULL,
			token_mint_b TEXT NOT NULL,
			bump SMALLINT NOT NULL,
			vault TEXT NOT NULL,
			lamports TEXT NOT NULL,
			state TEXT NOT NULL,
			first_seen_slot BIGINT NOT NULL,
			last_seen_slot BIGINT NOT NULL,
			closed_slot BIGINT,
			updated_at BIGINT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_offers_maker_state ON offers(maker, state);`,
		`CREATE INDEX IF NOT EXISTS idx_offers_state ON offers(state);`,
	}
	for _, stmt := range ddl {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate indexer store: %w", err)
		}
	}
	return nil
}

// Sync records offers as the complete set of open offers at slot. Open rows
// not in the set were closed on chain and are marked so. A slot older than
// the last synced one is ignored: a lagging RPC node must not close offers a
// newer snapshot already saw.
func (s *Store) Sync(ctx context.Context, slot uint64, offers []indexedOffer) (syncResult, error) {
	var result syncResult
	err := s.db.WithTx(ctx, sql.LevelReadCommitted, func(tx *database.Tx) error {
		last, found, err := s.lastSlotTx(ctx, tx)
		if err != nil {
			return err
		}
		if found && slot < last {
			result.Stale = true
			result.LastSlot = last
			return nil
		}
		result.LastSlot = slot

		for i := range offers {
			if err := s.upsertOfferTx(ctx, tx, slot, &offers[i]); err != nil {
				return fmt.Errorf("upsert offer %s: %w", offers[i].Address, err)
			}
			result.Upserted++
		}

		closed, err := s.closeMissingTx(ctx, tx, slot)
		if err != nil {
			return err
		}
		result.Closed = closed

		if result.OpenTotal, result.ClosedTotal, err = s.countByStateTx(ctx, tx); err != nil {
			return err
		}
		return s.upsertSyncStateTx(ctx, tx, slot)
	})
	return result, err
}

// lastSlotTx locks the sync_state row so concurrent indexers serialize on it.
func (s *Store) lastSlotTx(ctx context.Context, tx *database.Tx) (uint64, bool, error) {
	var last int64
	err := tx.QueryRowContext(ctx, `SELECT last_slot FROM sync_state WHERE id = 1 FOR UPDATE`).Scan(&last)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("load last slot: %w", err)
	}
	return uint64(last), true, nil
}

func (s *Store) upsertOfferTx(ctx context.Context, tx *database.Tx, slot uint64, item *indexedOffer) error {
	row := offerRowFrom(item)
	_, err := tx.ExecContext(ctx, `
		INSERT INTO offers (
			address, offer_id, maker, token_mint_a, token_mint_b, bump, vault, lamports,
			state, first_seen_slot, last_seen_slot, closed_slot, updated_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, ?)
		ON CONFLICT(address) DO UPDATE SET
			offer_id = excluded.offer_id,
			maker = excluded.maker,
			token_mint_a = excluded.token_mint_a,
			token_mint_b = excluded.token_mint_b,
			bump = excluded.bump,
			vault = excluded.vault,
			lamports = excluded.lamports,
			state = excluded.state,
			last_seen_slot = excluded.last_seen_slot,
			closed_slot = NULL,
			updated_at = excluded.updated_at
	`,
		row.Address,
		row.OfferID,
		row.Maker,
		row.TokenMintA,
		row.TokenMintB,
		row.Bump,
		row.Vault,
		row.Lamports,
		row.State,
		int64(slot),
		int64(slot),
		s.now().Unix(),
	)
	return err
}

func (s *Store) closeMissingTx(ctx context.Context, tx *database.Tx, slot uint64) (int, error) {
	res, err := tx.ExecContext(ctx, `
		UPDATE offers
		SET state = ?, closed_slot = ?, updated_at = ?
		WHERE state = ? AND last_seen_slot < ?
	`, string(escrow.OfferStateClosed), int64(slot), s.now().Unix(), string(escrow.OfferStateOpen), int64(slot))
	if err != nil {
		return 0, fmt.Errorf("close missing offers: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}

func (s *Store) countByStateTx(ctx context.Context, tx *database.Tx) (int, int, error) {
	rows, err := tx.QueryContext(ctx, `SELECT state, COUNT(*) FROM offers GROUP BY state`)
	if err != nil {
		return 0, 0, fmt.Errorf("count offers: %w", err)
	}
	defer rows.Close()

	var open, closed int
	for rows.Next() {
		var (
			state string
			count int
		)
		if err := rows.Scan(&state, &count); err != nil {
			return 0, 0, err
		}
		switch escrow.OfferState(state) {
		case escrow.OfferStateOpen:
			open = count
		case escrow.OfferStateClosed:
			closed = count
		}
	}
	return open, closed, rows.Err()
}

func (s *Store) upsertSyncStateTx(ctx context.Context, tx *database.Tx, slot uint64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO sync_state (id, last_slot, updated_at)
		VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			last_slot = excluded.last_slot,
			updated_at = excluded.updated_at
	`, int64(slot), s.now().Unix())
	return err
}

// offerRow is the column form of an indexed offer. u64 values that can exceed
// BIGINT are stored as decimal text.
type offerRow struct {
	Address    string
	OfferID    string
	Maker      string
	TokenMintA string
	TokenMintB string
	Bump       int16
	Vault      string
	Lamports   string
	State      string
}

func offerRowFrom(item *indexedOffer) offerRow {
	return offerRow{
		Address:    item.Address.String(),
		OfferID:    strconv.FormatUint(item.Offer.ID, 10),
		Maker:      item.Offer.Maker.String(),
		TokenMintA: item.Offer.TokenMintA.String(),
		TokenMintB: item.Offer.TokenMintB.String(),
		Bump:       int16(item.Offer.Bump),
		Vault:      item.Vault.String(),
		Lamports:   strconv.FormatUint(item.Lamports, 10),
		State:      string(escrow.OfferStateOpen),
	}
}
