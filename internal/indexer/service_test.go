package indexer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/coldbell/escrow/backend/internal/config"
	"github.com/coldbell/escrow/backend/internal/escrow"
	"github.com/coldbell/escrow/backend/internal/logging"
	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	slot     uint64
	accounts []rawAccount
	err      error
}

func (f *fakeSource) Slot(context.Context) (uint64, error) {
	return f.slot, nil
}

func (f *fakeSource) ProgramAccounts(_ context.Context, _ solana.PublicKey, discriminator [8]byte, dataSize uint64) ([]rawAccount, error) {
	if f.err != nil {
		return nil, f.err
	}
	if discriminator != escrow.OfferDiscriminator || dataSize != escrow.OfferDataSize {
		return nil, errors.New("unexpected filter")
	}
	return f.accounts, nil
}

// fakeStore keeps the last synced slot the way Store does.
type fakeStore struct {
	calls  int
	slot   uint64
	offers []indexedOffer
}

func (f *fakeStore) Sync(_ context.Context, slot uint64, offers []indexedOffer) (syncResult, error) {
	f.calls++
	if slot < f.slot {
		return syncResult{Stale: true, LastSlot: f.slot}, nil
	}
	f.slot = slot
	f.offers = offers
	return syncResult{Upserted: len(offers), OpenTotal: len(offers), LastSlot: slot}, nil
}

func (f *fakeStore) Close() error { return nil }

func testIndexerConfig() config.IndexerConfig {
	return config.IndexerConfig{
		PollInterval: time.Second,
		Escrow: config.EscrowConfig{
			ProgramID:      solana.NewWallet().PublicKey(),
			TokenProgramID: solana.TokenProgramID,
			OfferSeed:      "offer",
		},
	}
}

func offerAccount(t *testing.T, cfg config.EscrowConfig, maker solana.PublicKey, id uint64, mintA solana.PublicKey) rawAccount {
	t.Helper()
	authority, address, err := escrow.DeriveOfferAuthority(cfg.ProgramID, cfg.OfferSeed, maker, id)
	require.NoError(t, err)
	data, err := escrow.EncodeOffer(&escrow.Offer{
		ID:         id,
		Maker:      maker,
		TokenMintA: mintA,
		TokenMintB: solana.NewWallet().PublicKey(),
		Bump:       authority.Bump,
	})
	require.NoError(t, err)
	return rawAccount{Address: address, Owner: cfg.ProgramID, Lamports: 1_677_360, Data: data}
}

func TestSyncOnce_StoresDecodedOffers(t *testing.T) {
	cfg := testIndexerConfig()
	maker := solana.NewWallet().PublicKey()
	mintA := solana.NewWallet().PublicKey()

	good := offerAccount(t, cfg.Escrow, maker, 7, mintA)
	moved := offerAccount(t, cfg.Escrow, maker, 8, mintA)
	moved.Address = solana.NewWallet().PublicKey()
	foreign := offerAccount(t, cfg.Escrow, maker, 9, mintA)
	foreign.Owner = solana.NewWallet().PublicKey()
	garbage := rawAccount{Address: solana.NewWallet().PublicKey(), Owner: cfg.Escrow.ProgramID, Data: []byte{1, 2, 3}}

	source := &fakeSource{slot: 42, accounts: []rawAccount{good, moved, foreign, garbage}}
	store := &fakeStore{}
	svc := newService(cfg, logging.Discard(), source, store, nil)

	require.NoError(t, svc.syncOnce(context.Background()))
	require.Equal(t, 1, store.calls)
	assert.Equal(t, uint64(42), store.slot)
	require.Len(t, store.offers, 1)

	got := store.offers[0]
	assert.Equal(t, good.Address, got.Address)
	assert.Equal(t, uint64(7), got.Offer.ID)
	assert.Equal(t, maker, got.Offer.Maker)
	assert.Equal(t, uint64(1_677_360), got.Lamports)

	vault, err := escrow.DeriveVault(cfg.Escrow.TokenProgramID, good.Address, mintA)
	require.NoError(t, err)
	assert.Equal(t, vault, got.Vault)
}

func TestSyncOnce_EmptyProgramStillSyncs(t *testing.T) {
	cfg := testIndexerConfig()
	store := &fakeStore{}
	svc := newService(cfg, logging.Discard(), &fakeSource{slot: 5}, store, nil)

	require.NoError(t, svc.syncOnce(context.Background()))
	assert.Equal(t, 1, store.calls)
	assert.Empty(t, store.offers)
}

func TestSyncOnce_SourceErrorSkipsStore(t *testing.T) {
	cfg := testIndexerConfig()
	store := &fakeStore{}
	svc := newService(cfg, logging.Discard(), &fakeSource{err: errors.New("rpc down")}, store, nil)

	err := svc.syncOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rpc down")
	assert.Zero(t, store.calls)
}

func TestSyncOnce_IgnoresOlderSlot(t *testing.T) {
	cfg := testIndexerConfig()
	maker := solana.NewWallet().PublicKey()
	mintA := solana.NewWallet().PublicKey()
	open := offerAccount(t, cfg.Escrow, maker, 1, mintA)

	source := &fakeSource{slot: 50, accounts: []rawAccount{open}}
	store := &fakeStore{}
	svc := newService(cfg, logging.Discard(), source, store, nil)
	require.NoError(t, svc.syncOnce(context.Background()))
	require.Len(t, store.offers, 1)

	// a lagging node reports an older slot without the offer
	source.slot = 40
	source.accounts = nil
	require.NoError(t, svc.syncOnce(context.Background()))
	assert.Equal(t, 1, store.calls)
	assert.Equal(t, uint64(50), store.slot)
	assert.Len(t, store.offers, 1)

	source.slot = 50
	require.NoError(t, svc.syncOnce(context.Background()))
	assert.Equal(t, 2, store.calls)
	assert.Empty(t, store.offers)
}

func TestSyncOnce_StoreAheadOfService(t *testing.T) {
	cfg := testIndexerConfig()
	store := &fakeStore{slot: 100, offers: []indexedOffer{{Address: solana.NewWallet().PublicKey()}}}
	source := &fakeSource{slot: 60}
	svc := newService(cfg, logging.Discard(), source, store, nil)

	require.NoError(t, svc.syncOnce(context.Background()))
	assert.Equal(t, 1, store.calls)
	assert.Len(t, store.offers, 1)
	assert.Equal(t, uint64(100), svc.lastSlot)

	// the service now skips before scanning
	require.NoError(t, svc.syncOnce(context.Background()))
	assert.Equal(t, 1, store.calls)
}

func TestOfferRowFrom(t *testing.T) {
	maker := solana.NewWallet().PublicKey()
	item := indexedOffer{
		Address: solana.NewWallet().PublicKey(),
		Offer: escrow.Offer{
			ID:         ^uint64(0),
			Maker:      maker,
			TokenMintA: solana.NewWallet().PublicKey(),
			TokenMintB: solana.NewWallet().PublicKey(),
			Bump:       254,
		},
		Vault:    solana.NewWallet().PublicKey(),
		Lamports: 2_039_280,
	}

	row := offerRowFrom(&item)
	assert.Equal(t, "18446744073709551615", row.OfferID)
	assert.Equal(t, maker.String(), row.Maker)
	assert.Equal(t, int16(254), row.Bump)
	assert.Equal(t, "2039280", row.Lamports)
	assert.Equal(t, "open", row.State)
}

func TestRetryPolicy(t *testing.T) {
	policy := retryPolicy{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
	logger := logging.Discard()

	t.Run("succeeds after failures", func(t *testing.T) {
		calls := 0
		err := policy.do(context.Background(), logger, "op", func(context.Context) error {
			calls++
			if calls < 3 {
				return errors.New("transient")
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("gives up", func(t *testing.T) {
		calls := 0
		sentinel := errors.New("still down")
		err := policy.do(context.Background(), logger, "op", func(context.Context) error {
			calls++
			return sentinel
		})
		require.ErrorIs(t, err, sentinel)
		assert.Equal(t, 4, calls)
	})

	t.Run("stops on cancel", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		calls := 0
		err := policy.do(ctx, logger, "op", func(context.Context) error {
			calls++
			cancel()
			return errors.New("transient")
		})
		require.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, calls)
	})
}

func TestNextBackoff(t *testing.T) {
	tests := []struct {
		name    string
		current time.Duration
		floor   time.Duration
		ceiling time.Duration
		want    time.Duration
	}{
		{name: "doubles", current: time.Second, floor: time.Second, ceiling: 20 * time.Second, want: 2 * time.Second},
		{name: "raises to floor", current: 0, floor: 500 * time.Millisecond, ceiling: 20 * time.Second, want: time.Second},
		{name: "caps", current: 15 * time.Second, floor: time.Second, ceiling: 20 * time.Second, want: 20 * time.Second},
		{name: "default floor", current: 0, floor: 0, ceiling: 0, want: 2 * time.Second},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, nextBackoff(tc.current, tc.floor, tc.ceiling))
		})
	}
}
