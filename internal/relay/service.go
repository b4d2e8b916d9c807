// Package relay submits close_offer to a live cluster on behalf of a maker
// whose keypair it holds.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/coldbell/escrow/backend/internal/config"
	"github.com/coldbell/escrow/backend/internal/escrow"
	"github.com/coldbell/escrow/backend/internal/metrics"
	"github.com/gagliardetto/solana-go"
	computebudget "github.com/gagliardetto/solana-go/programs/compute-budget"
	"github.com/gagliardetto/solana-go/rpc"
)

type Service struct {
	cfg     config.RelayConfig
	rpc     *rpc.Client
	signer  solana.PrivateKey
	logger  *slog.Logger
	metrics *metrics.EscrowMetrics
}

func New(cfg config.RelayConfig, logger *slog.Logger) (*Service, error) {
	signer, err := solana.PrivateKeyFromSolanaKeygenFile(cfg.KeypairPath)
	if err != nil {
		return nil, fmt.Errorf("load keypair %q: %w", cfg.KeypairPath, err)
	}

	return &Service{
		cfg:     cfg,
		rpc:     rpc.New(cfg.RPCURL),
		signer:  signer,
		logger:  logger,
		metrics: metrics.Escrow(),
	}, nil
}

// Run settles the configured offer once and waits for the cluster to confirm
// it.
func (s *Service) Run(ctx context.Context) (err error) {
	maker := s.signer.PublicKey()
	accounts, err := escrow.DeriveSettleAccounts(s.cfg.Escrow, maker, s.cfg.OfferID, s.cfg.TokenMintA)
	if err != nil {
		return err
	}
	logger := s.logger.With(
		"maker", maker.String(),
		"offer_id", s.cfg.OfferID,
		"offer", accounts.Offer.String(),
	)
	logger.Info("relay started",
		"rpc", s.cfg.RPCURL,
		"commitment", s.cfg.Commitment,
		"program_id", s.cfg.Escrow.ProgramID.String(),
		"vault", accounts.Vault.String(),
	)

	if err := s.checkOffer(ctx, accounts); err != nil {
		return err
	}

	instructions, err := buildInstructions(s.cfg, accounts)
	if err != nil {
		return err
	}

	txCtx, cancel := context.WithTimeout(ctx, s.cfg.TxTimeout)
	defer cancel()

	sig, err := s.sendTransaction(txCtx, instructions)
	s.metrics.ObserveRelaySubmit(err)
	if err != nil {
		return fmt.Errorf("send close_offer: %w", err)
	}
	logger.Info("close_offer submitted", "signature", sig.String())

	if err := s.waitForConfirmation(txCtx, sig); err != nil {
		return fmt.Errorf("confirm close_offer %s: %w", sig, err)
	}
	logger.Info("offer settled", "signature", sig.String())
	return nil
}

// checkOffer refuses to spend a fee on an offer that is already gone or was
// made over a different mint.
func (s *Service) checkOffer(ctx context.Context, accounts escrow.SettleAccounts) error {
	info, err := s.rpc.GetAccountInfoWithOpts(ctx, accounts.Offer, &rpc.GetAccountInfoOpts{Commitment: s.cfg.Commitment})
	if err != nil {
		if errors.Is(err, rpc.ErrNotFound) {
			return fmt.Errorf("%w: offer %s", escrow.ErrAccountNotFound, accounts.Offer)
		}
		return fmt.Errorf("get offer account: %w", err)
	}
	if info == nil || info.Value == nil {
		return fmt.Errorf("%w: offer %s", escrow.ErrAccountNotFound, accounts.Offer)
	}
	return checkOfferAccount(s.cfg.Escrow.ProgramID, accounts, info.Value.Owner, info.Value.Data.GetBinary())
}

func checkOfferAccount(programID solana.PublicKey, accounts escrow.SettleAccounts, owner solana.PublicKey, data []byte) error {
	if !owner.Equals(programID) {
		return fmt.Errorf("%w: offer %s is owned by %s", escrow.ErrConstraintViolation, accounts.Offer, owner)
	}
	offer, err := escrow.DecodeOffer(data)
	if err != nil {
		return fmt.Errorf("%w: %v", escrow.ErrConstraintViolation, err)
	}
	if !offer.Maker.Equals(accounts.Maker) {
		return fmt.Errorf("%w: offer maker is %s", escrow.ErrConstraintViolation, offer.Maker)
	}
	if !offer.TokenMintA.Equals(accounts.TokenMintA) {
		return fmt.Errorf("%w: offer mint is %s, configured %s", escrow.ErrConstraintViolation, offer.TokenMintA, accounts.TokenMintA)
	}
	return nil
}

func buildInstructions(cfg config.RelayConfig, accounts escrow.SettleAccounts) ([]solana.Instruction, error) {
	instructions := make([]solana.Instruction, 0, 3)
	if cfg.ComputeUnitLimit > 0 {
		cuLimitIx, err := computebudget.NewSetComputeUnitLimitInstruction(cfg.ComputeUnitLimit).ValidateAndBuild()
		if err != nil {
			return nil, fmt.Errorf("build compute unit limit instruction: %w", err)
		}
		instructions = append(instructions, cuLimitIx)
	}
	if cfg.ComputeUnitPriceMicroLamports > 0 {
		cuPriceIx, err := computebudget.NewSetComputeUnitPriceInstruction(cfg.ComputeUnitPriceMicroLamports).ValidateAndBuild()
		if err != nil {
			return nil, fmt.Errorf("build compute unit price instruction: %w", err)
		}
		instructions = append(instructions, cuPriceIx)
	}
	return append(instructions, escrow.NewCloseOfferInstruction(cfg.Escrow.ProgramID, cfg.OfferID, accounts)), nil
}

func (s *Service) sendTransaction(ctx context.Context, instructions []solana.Instruction) (solana.Signature, error) {
	recent, err := s.rpc.GetLatestBlockhash(ctx, s.cfg.Commitment)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("get latest blockhash: %w", err)
	}

	tx, err := solana.NewTransaction(
		instructions,
		recent.Value.Blockhash,
		solana.TransactionPayer(s.signer.PublicKey()),
	)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("build transaction: %w", err)
	}

	_, err = tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if s.signer.PublicKey().Equals(key) {
			return &s.signer
		}
		return nil
	})
	if err != nil {
		return solana.Signature{}, fmt.Errorf("sign transaction: %w", err)
	}

	opts := rpc.TransactionOpts{
		SkipPreflight:       s.cfg.SkipPreflight,
		PreflightCommitment: s.cfg.Commitment,
	}
	if s.cfg.MaxRetries != nil {
		retries := *s.cfg.MaxRetries
		opts.MaxRetries = &retries
	}

	return s.rpc.SendTransactionWithOpts(ctx, tx, opts)
}

func (s *Service) waitForConfirmation(ctx context.Context, sig solana.Signature) error {
	ticker := time.NewTicker(700 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			result, err := s.rpc.GetSignatureStatuses(ctx, true, sig)
			if err != nil {
				continue
			}
			if len(result.Value) == 0 || result.Value[0] == nil {
				continue
			}
			status := result.Value[0]
			if status.Err != nil {
				return fmt.Errorf("transaction failed: %v", status.Err)
			}
			if status.ConfirmationStatus == rpc.ConfirmationStatusConfirmed ||
				status.ConfirmationStatus == rpc.ConfirmationStatusFinalized {
				return nil
			}
		}
	}
}
