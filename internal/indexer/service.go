package indexer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/coldbell/escrow/backend/internal/config"
	"github.com/coldbell/escrow/backend/internal/escrow"
	"github.com/coldbell/escrow/backend/internal/metrics"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Service struct {
	cfg     config.IndexerConfig
	source  accountSource
	store   offerStore
	logger  *slog.Logger
	metrics *metrics.EscrowMetrics

	// lastSlot is the newest slot the store holds; older snapshots are skipped.
	lastSlot uint64
}

func New(cfg config.IndexerConfig, logger *slog.Logger) (*Service, error) {
	store, err := NewStore(context.Background(), cfg.DBDSN)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}

	retry := retryPolicy{
		MaxRetries: cfg.RPCMaxRetries,
		BaseDelay:  cfg.RPCRetryBaseDelay,
		MaxDelay:   cfg.RPCRetryMaxDelay,
	}
	source := newRPCSource(rpc.New(cfg.RPCURL), cfg.Commitment, retry, logger)
	return newService(cfg, logger, source, store, metrics.Escrow()), nil
}

func newService(cfg config.IndexerConfig, logger *slog.Logger, source accountSource, store offerStore, m *metrics.EscrowMetrics) *Service {
	return &Service{
		cfg:     cfg,
		source:  source,
		store:   store,
		logger:  logger,
		metrics: m,
	}
}

func (s *Service) Run(ctx context.Context) error {
	defer func() {
		if err := s.store.Close(); err != nil {
			s.logger.Error("failed to close store", "err", err)
		}
	}()

	s.logger.Info("indexer started",
		"rpc", s.cfg.RPCURL,
		"db_driver", "postgres",
		"commitment", s.cfg.Commitment,
		"program_id", s.cfg.Escrow.ProgramID.String(),
		"poll_interval", s.cfg.PollInterval.String(),
	)

	if s.cfg.MetricsAddr != "" {
		server := &http.Server{Addr: s.cfg.MetricsAddr, Handler: promhttp.Handler()}
		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error("metrics server failed", "addr", s.cfg.MetricsAddr, "err", err)
			}
		}()
		defer func() {
			_ = server.Shutdown(context.Background())
		}()
	}

	if err := s.syncOnce(ctx); err != nil {
		s.logger.Error("initial sync failed", "err", err)
	}

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("indexer stopped")
			return nil
		case <-ticker.C:
			if err := s.syncOnce(ctx); err != nil {
				s.logger.Error("sync failed", "err", err)
			}
		}
	}
}

func (s *Service) syncOnce(ctx context.Context) (err error) {
	defer func() {
		s.metrics.ObserveIndexerPoll(err)
	}()

	slot, err := s.source.Slot(ctx)
	if err != nil {
		return fmt.Errorf("get slot: %w", err)
	}
	if slot < s.lastSlot {
		s.logger.Warn("rpc slot behind last sync, skipping", "slot", slot, "last_slot", s.lastSlot)
		return nil
	}

	offers, skipped, err := s.scanOffers(ctx)
	if err != nil {
		return err
	}

	result, err := s.store.Sync(ctx, slot, offers)
	if err != nil {
		return fmt.Errorf("store offers at slot %d: %w", slot, err)
	}
	s.lastSlot = result.LastSlot
	if result.Stale {
		s.logger.Warn("store holds a newer slot, snapshot dropped", "slot", slot, "last_slot", result.LastSlot)
		return nil
	}
	s.metrics.SetIndexedOffers(escrow.OfferStateOpen, result.OpenTotal)
	s.metrics.SetIndexedOffers(escrow.OfferStateClosed, result.ClosedTotal)

	s.logger.Info(
		"sync complete",
		"slot", slot,
		"offers", result.Upserted,
		"closed", result.Closed,
		"skipped", skipped,
	)
	return nil
}

// scanOffers fetches every Offer account of the escrow program. Accounts that
// do not decode, or do not sit at the address their own seeds derive, are
// skipped and counted.
func (s *Service) scanOffers(ctx context.Context) ([]indexedOffer, int, error) {
	programID := s.cfg.Escrow.ProgramID
	accounts, err := s.source.ProgramAccounts(ctx, programID, escrow.OfferDiscriminator, escrow.OfferDataSize)
	if err != nil {
		return nil, 0, fmt.Errorf("scan Offer accounts: %w", err)
	}

	offers := make([]indexedOffer, 0, len(accounts))
	skipped := 0
	for i := range accounts {
		item, err := s.decodeOffer(&accounts[i])
		if err != nil {
			skipped++
			s.logger.Warn("skipping offer account", "address", accounts[i].Address.String(), "err", err)
			continue
		}
		offers = append(offers, item)
	}
	return offers, skipped, nil
}

func (s *Service) decodeOffer(account *rawAccount) (indexedOffer, error) {
	programID := s.cfg.Escrow.ProgramID
	if !account.Owner.Equals(programID) {
		return indexedOffer{}, fmt.Errorf("owned by %s", account.Owner)
	}
	offer, err := escrow.DecodeOffer(account.Data)
	if err != nil {
		return indexedOffer{}, err
	}

	derived, err := offer.Authority(s.cfg.Escrow.OfferSeed).Address(programID)
	if err != nil {
		return indexedOffer{}, fmt.Errorf("derive offer address: %w", err)
	}
	if !derived.Equals(account.Address) {
		return indexedOffer{}, fmt.Errorf("seeds derive %s", derived)
	}

	vault, err := escrow.DeriveVault(s.cfg.Escrow.TokenProgramID, account.Address, offer.TokenMintA)
	if err != nil {
		return indexedOffer{}, fmt.Errorf("derive vault: %w", err)
	}

	return indexedOffer{
		Address:  account.Address,
		Offer:    *offer,
		Vault:    vault,
		Lamports: account.Lamports,
	}, nil
}
