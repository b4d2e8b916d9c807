package escrow

import (
	"context"
	"errors"
	"fmt"

	"github.com/coldbell/escrow/backend/internal/ledger"
	"github.com/coldbell/escrow/backend/internal/logging"
	"github.com/coldbell/escrow/backend/internal/tokenprog"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/token"
)

type MakeOfferRequest struct {
	Maker      solana.PublicKey
	OfferID    uint64
	TokenMintA solana.PublicKey
	TokenMintB solana.PublicKey
	// Deposit is the amount of TokenMintA moved from the maker's associated
	// account into the vault.
	Deposit uint64
	Signers []solana.PublicKey
}

// MadeOffer is the result of a committed MakeOffer.
type MadeOffer struct {
	Address solana.PublicKey `json:"address"`
	Vault   solana.PublicKey `json:"vault"`
	Offer   Offer            `json:"offer"`
	Deposit uint64           `json:"deposit"`
}

// MakeOffer creates the offer record at its canonical address, opens the
// vault owned by the offer authority and deposits into it. The maker pays the
// rent of both accounts.
func (p *Program) MakeOffer(ctx context.Context, req MakeOfferRequest) (*MadeOffer, error) {
	authority, address, err := p.DeriveOffer(req.Maker, req.OfferID)
	if err != nil {
		return nil, err
	}
	logger := logging.WithOffer(p.logger, req.Maker, req.OfferID, address)

	var made *MadeOffer
	err = p.store.Atomic(ctx, func(tx ledger.Tx) error {
		var err error
		made, err = p.makeOffer(ctx, tx, req, authority, address)
		return err
	})
	if err != nil {
		logger.Warn("make offer rejected", "kind", KindOf(err), "err", err)
		return nil, err
	}

	logger.Info("offer made", "vault", made.Vault.String(), "deposit", made.Deposit)
	p.emitter.Emit(Event{
		Type:    EventOfferMade,
		Maker:   req.Maker,
		OfferID: req.OfferID,
		Offer:   address,
		Amount:  made.Deposit,
		At:      p.nowFn().UTC(),
	})
	return made, nil
}

func (p *Program) makeOffer(ctx context.Context, tx ledger.Tx, req MakeOfferRequest, authority OfferAuthority, address solana.PublicKey) (*MadeOffer, error) {
	if !signedBy(req.Signers, req.Maker) {
		return nil, fmt.Errorf("%w: maker %s did not sign", ErrConstraintViolation, req.Maker)
	}
	exists, err := ledger.Exists(ctx, tx, address)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, fmt.Errorf("%w: offer %s", ErrAccountAlreadyExists, address)
	}

	mint, err := p.loadMint(ctx, tx, req.TokenMintA)
	if err != nil {
		return nil, err
	}
	if _, err := p.loadMint(ctx, tx, req.TokenMintB); err != nil {
		return nil, err
	}

	makerTokens, _, err := tokenprog.FindAssociatedAddress(p.cfg.TokenProgramID, req.Maker, req.TokenMintA)
	if err != nil {
		return nil, fmt.Errorf("derive maker token account: %w", err)
	}

	offer := &Offer{
		ID:         req.OfferID,
		Maker:      req.Maker,
		TokenMintA: req.TokenMintA,
		TokenMintB: req.TokenMintB,
		Bump:       authority.Bump,
	}
	data, err := EncodeOffer(offer)
	if err != nil {
		return nil, err
	}
	err = ledger.Create(ctx, tx, req.Maker, &ledger.Account{
		Address:  address,
		Owner:    p.cfg.ProgramID,
		Lamports: p.rent.MinimumBalance(OfferDataSize),
		Data:     data,
	})
	if err != nil {
		return nil, wrapCreateError("offer", err)
	}

	vault, err := p.token.CreateAssociatedAccount(ctx, tx, req.Maker, address, req.TokenMintA)
	if err != nil {
		return nil, wrapCreateError("vault", err)
	}

	transfer, err := tokenprog.NewTransferChecked(p.cfg.TokenProgramID, req.Deposit, mint.Decimals, makerTokens, req.TokenMintA, vault, req.Maker)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransferFailure, err)
	}
	if err := p.token.Invoke(ctx, tx, transfer, tokenprog.Invocation{Signers: req.Signers}); err != nil {
		return nil, fmt.Errorf("%w: deposit: %w", ErrTransferFailure, err)
	}

	return &MadeOffer{Address: address, Vault: vault, Offer: *offer, Deposit: req.Deposit}, nil
}

func (p *Program) loadMint(ctx context.Context, tx ledger.Tx, address solana.PublicKey) (*token.Mint, error) {
	mint, err := p.token.LoadMint(ctx, tx, address)
	switch {
	case errors.Is(err, ledger.ErrAccountNotFound):
		return nil, fmt.Errorf("%w: mint %s", ErrAccountNotFound, address)
	case err != nil:
		return nil, fmt.Errorf("%w: mint %s: %v", ErrConstraintViolation, address, err)
	}
	return mint, nil
}

func wrapCreateError(role string, err error) error {
	if errors.Is(err, ledger.ErrAccountExists) {
		return fmt.Errorf("%w: %s: %v", ErrAccountAlreadyExists, role, err)
	}
	return fmt.Errorf("create %s: %w", role, err)
}
