package escrow

import (
	"context"
	"errors"
	"fmt"

	"github.com/coldbell/escrow/backend/internal/ledger"
	"github.com/coldbell/escrow/backend/internal/tokenprog"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/token"
)

// SettleAccounts are the accounts close_offer runs over, in instruction order.
type SettleAccounts struct {
	Maker              solana.PublicKey `json:"maker"`
	TokenMintA         solana.PublicKey `json:"tokenMintA"`
	MakerTokenAccountA solana.PublicKey `json:"makerTokenAccountA"`
	Offer              solana.PublicKey `json:"offer"`
	Vault              solana.PublicKey `json:"vault"`
	TokenProgram       solana.PublicKey `json:"tokenProgram"`
}

type SettleRequest struct {
	OfferID  uint64
	Accounts SettleAccounts
	// Signers are the keys that authorized the outer request.
	Signers []solana.PublicKey
}

// settlementView is the ledger state a settlement is validated against. It is
// read inside the settling transaction.
type settlementView struct {
	offerAccount *ledger.Account
	offer        *Offer
	vaultAccount *ledger.Account
	vault        *token.Account
	makerAccount *ledger.Account
	makerTokens  *token.Account
	mintAccount  *ledger.Account
	mint         *token.Mint
}

func (p *Program) loadSettlement(ctx context.Context, tx ledger.Tx, accounts SettleAccounts) (*settlementView, error) {
	var (
		view settlementView
		err  error
	)
	if view.offerAccount, err = getAccount(ctx, tx, "offer", accounts.Offer); err != nil {
		return nil, err
	}
	if !view.offerAccount.Owner.Equals(p.cfg.ProgramID) {
		return nil, fmt.Errorf("%w: offer %s is owned by %s", ErrConstraintViolation, accounts.Offer, view.offerAccount.Owner)
	}
	if view.offer, err = DecodeOffer(view.offerAccount.Data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConstraintViolation, err)
	}

	if view.mintAccount, err = getAccount(ctx, tx, "mint", accounts.TokenMintA); err != nil {
		return nil, err
	}
	if view.vaultAccount, err = getAccount(ctx, tx, "vault", accounts.Vault); err != nil {
		return nil, err
	}
	if view.makerAccount, err = getAccount(ctx, tx, "maker token account", accounts.MakerTokenAccountA); err != nil {
		return nil, err
	}

	// Token state is only decoded from accounts the token program owns; an
	// account with any other owner fails the owner check in validateSettlement.
	if view.mintAccount.Owner.Equals(accounts.TokenProgram) {
		if view.mint, err = tokenprog.DecodeMint(view.mintAccount.Data); err != nil {
			return nil, fmt.Errorf("%w: mint: %v", ErrConstraintViolation, err)
		}
	}
	if view.vaultAccount.Owner.Equals(accounts.TokenProgram) {
		if view.vault, err = tokenprog.DecodeTokenAccount(view.vaultAccount.Data); err != nil {
			return nil, fmt.Errorf("%w: vault: %v", ErrConstraintViolation, err)
		}
	}
	if view.makerAccount.Owner.Equals(accounts.TokenProgram) {
		if view.makerTokens, err = tokenprog.DecodeTokenAccount(view.makerAccount.Data); err != nil {
			return nil, fmt.Errorf("%w: maker token account: %v", ErrConstraintViolation, err)
		}
	}
	return &view, nil
}

func getAccount(ctx context.Context, tx ledger.Tx, role string, address solana.PublicKey) (*ledger.Account, error) {
	account, err := tx.Get(ctx, address)
	if errors.Is(err, ledger.ErrAccountNotFound) {
		return nil, fmt.Errorf("%w: %s %s", ErrAccountNotFound, role, address)
	}
	if err != nil {
		return nil, fmt.Errorf("load %s %s: %w", role, address, err)
	}
	return account, nil
}

// validateSettlement decides whether req may settle against view. It reads
// nothing and writes nothing; on success it returns the authority the vault
// answers to.
func (p *Program) validateSettlement(req SettleRequest, view *settlementView) (OfferAuthority, error) {
	accounts := req.Accounts
	offer := view.offer

	if !accounts.TokenProgram.Equals(p.cfg.TokenProgramID) {
		return OfferAuthority{}, fmt.Errorf("%w: token program %s, expected %s", ErrConstraintViolation, accounts.TokenProgram, p.cfg.TokenProgramID)
	}
	if !signedBy(req.Signers, accounts.Maker) {
		return OfferAuthority{}, fmt.Errorf("%w: maker %s did not sign", ErrConstraintViolation, accounts.Maker)
	}
	if !offer.Maker.Equals(accounts.Maker) {
		return OfferAuthority{}, fmt.Errorf("%w: offer maker %s, signer %s", ErrConstraintViolation, offer.Maker, accounts.Maker)
	}
	if !offer.TokenMintA.Equals(accounts.TokenMintA) {
		return OfferAuthority{}, fmt.Errorf("%w: offer mint %s, supplied %s", ErrConstraintViolation, offer.TokenMintA, accounts.TokenMintA)
	}

	authority := offer.Authority(p.cfg.OfferSeed)
	if offer.ID != req.OfferID {
		return OfferAuthority{}, fmt.Errorf("%w: offer holds id %d, request names %d", ErrDerivationMismatch, offer.ID, req.OfferID)
	}
	derived, err := authority.Address(p.cfg.ProgramID)
	if err != nil {
		return OfferAuthority{}, fmt.Errorf("%w: bump %d: %v", ErrDerivationMismatch, offer.Bump, err)
	}
	if !derived.Equals(accounts.Offer) {
		return OfferAuthority{}, fmt.Errorf("%w: seeds derive %s, offer is %s", ErrDerivationMismatch, derived, accounts.Offer)
	}

	if view.mint == nil {
		return OfferAuthority{}, fmt.Errorf("%w: mint %s is owned by %s", ErrConstraintViolation, accounts.TokenMintA, view.mintAccount.Owner)
	}
	if view.vault == nil {
		return OfferAuthority{}, fmt.Errorf("%w: vault %s is owned by %s", ErrConstraintViolation, accounts.Vault, view.vaultAccount.Owner)
	}
	if !view.vault.Mint.Equals(offer.TokenMintA) {
		return OfferAuthority{}, fmt.Errorf("%w: vault mint %s, offer mint %s", ErrConstraintViolation, view.vault.Mint, offer.TokenMintA)
	}
	if !view.vault.Owner.Equals(derived) {
		return OfferAuthority{}, fmt.Errorf("%w: vault authority %s, offer authority %s", ErrConstraintViolation, view.vault.Owner, derived)
	}
	vault, err := DeriveVault(p.cfg.TokenProgramID, derived, offer.TokenMintA)
	if err != nil {
		return OfferAuthority{}, err
	}
	if !vault.Equals(accounts.Vault) {
		return OfferAuthority{}, fmt.Errorf("%w: vault %s is not the associated account %s", ErrConstraintViolation, accounts.Vault, vault)
	}

	if view.makerTokens == nil {
		return OfferAuthority{}, fmt.Errorf("%w: maker token account %s is owned by %s", ErrConstraintViolation, accounts.MakerTokenAccountA, view.makerAccount.Owner)
	}
	if !view.makerTokens.Mint.Equals(offer.TokenMintA) {
		return OfferAuthority{}, fmt.Errorf("%w: maker token account mint %s, offer mint %s", ErrConstraintViolation, view.makerTokens.Mint, offer.TokenMintA)
	}
	if !view.makerTokens.Owner.Equals(accounts.Maker) {
		return OfferAuthority{}, fmt.Errorf("%w: maker token account authority %s, maker %s", ErrConstraintViolation, view.makerTokens.Owner, accounts.Maker)
	}
	makerATA, _, err := tokenprog.FindAssociatedAddress(p.cfg.TokenProgramID, accounts.Maker, offer.TokenMintA)
	if err != nil {
		return OfferAuthority{}, fmt.Errorf("derive maker token account: %w", err)
	}
	if !makerATA.Equals(accounts.MakerTokenAccountA) {
		return OfferAuthority{}, fmt.Errorf("%w: maker token account %s is not the associated account %s", ErrConstraintViolation, accounts.MakerTokenAccountA, makerATA)
	}
	return authority, nil
}
