package escrow

import (
	"context"
	"fmt"
	"time"

	"github.com/coldbell/escrow/backend/internal/ledger"
	"github.com/coldbell/escrow/backend/internal/logging"
	"github.com/coldbell/escrow/backend/internal/tokenprog"
	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
)

// Receipt describes one committed settlement.
type Receipt struct {
	ID              string           `json:"id"`
	Maker           solana.PublicKey `json:"maker"`
	OfferID         uint64           `json:"offerId"`
	Offer           solana.PublicKey `json:"offer"`
	Vault           solana.PublicKey `json:"vault"`
	TokenMintA      solana.PublicKey `json:"tokenMintA"`
	Destination     solana.PublicKey `json:"destination"`
	Amount          uint64           `json:"amount"`
	Decimals        uint8            `json:"decimals"`
	VaultRentRefund uint64           `json:"vaultRentRefund"`
	OfferRentRefund uint64           `json:"offerRentRefund"`
	SettledAt       time.Time        `json:"settledAt"`
}

// RentRefund is the total lamports returned to the maker.
func (r *Receipt) RentRefund() uint64 {
	return r.VaultRentRefund + r.OfferRentRefund
}

// Settle runs close_offer: the whole vault balance goes back to the maker's
// token account, then the vault and the offer are closed with their rent
// refunded to the maker. Everything happens in one ledger transaction; any
// failure leaves the ledger as it was.
func (p *Program) Settle(ctx context.Context, req SettleRequest) (*Receipt, error) {
	logger := logging.WithOffer(p.logger, req.Accounts.Maker, req.OfferID, req.Accounts.Offer)

	var receipt *Receipt
	err := p.store.Atomic(ctx, func(tx ledger.Tx) error {
		view, err := p.loadSettlement(ctx, tx, req.Accounts)
		if err != nil {
			return err
		}
		authority, err := p.validateSettlement(req, view)
		if err != nil {
			return err
		}
		receipt, err = p.settle(ctx, tx, req, view, authority)
		return err
	})
	if err != nil {
		logger.Warn("settle rejected", "kind", KindOf(err), "err", err)
		p.emitter.Emit(Event{
			Type:    EventSettleRejected,
			Maker:   req.Accounts.Maker,
			OfferID: req.OfferID,
			Offer:   req.Accounts.Offer,
			Kind:    KindOf(err),
			Error:   err.Error(),
			At:      p.nowFn(),
		})
		return nil, err
	}

	logger.Info("offer settled",
		"receipt", receipt.ID,
		"amount", receipt.Amount,
		"rent_refund", receipt.RentRefund(),
	)
	p.emitter.Emit(Event{
		Type:    EventOfferSettled,
		Maker:   receipt.Maker,
		OfferID: receipt.OfferID,
		Offer:   receipt.Offer,
		Amount:  receipt.Amount,
		Receipt: receipt,
		At:      receipt.SettledAt,
	})
	return receipt, nil
}

func (p *Program) settle(ctx context.Context, tx ledger.Tx, req SettleRequest, view *settlementView, authority OfferAuthority) (*Receipt, error) {
	accounts := req.Accounts
	inv := tokenprog.Invocation{
		Signers:     req.Signers,
		Caller:      p.cfg.ProgramID,
		SignerSeeds: [][][]byte{authority.SignerSeeds()},
	}

	amount := view.vault.Amount
	decimals := view.mint.Decimals
	transfer, err := tokenprog.NewTransferChecked(
		p.cfg.TokenProgramID,
		amount,
		decimals,
		accounts.Vault,
		accounts.TokenMintA,
		accounts.MakerTokenAccountA,
		accounts.Offer,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransferFailure, err)
	}
	if err := p.token.Invoke(ctx, tx, transfer, inv); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransferFailure, err)
	}

	closeVault, err := tokenprog.NewCloseAccount(p.cfg.TokenProgramID, accounts.Vault, accounts.Maker, accounts.Offer)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCloseFailure, err)
	}
	if err := p.token.Invoke(ctx, tx, closeVault, inv); err != nil {
		return nil, fmt.Errorf("%w: vault: %w", ErrCloseFailure, err)
	}

	offerRent, err := ledger.Close(ctx, tx, accounts.Offer, accounts.Maker)
	if err != nil {
		return nil, fmt.Errorf("%w: offer: %w", ErrCloseFailure, err)
	}

	return &Receipt{
		ID:              uuid.New().String(),
		Maker:           accounts.Maker,
		OfferID:         req.OfferID,
		Offer:           accounts.Offer,
		Vault:           accounts.Vault,
		TokenMintA:      accounts.TokenMintA,
		Destination:     accounts.MakerTokenAccountA,
		Amount:          amount,
		Decimals:        decimals,
		VaultRentRefund: view.vaultAccount.Lamports,
		OfferRentRefund: offerRent,
		SettledAt:       p.nowFn().UTC(),
	}, nil
}
