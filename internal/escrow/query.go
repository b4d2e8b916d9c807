package escrow

import (
	"context"
	"errors"
	"fmt"

	"github.com/coldbell/escrow/backend/internal/ledger"
	"github.com/coldbell/escrow/backend/internal/tokenprog"
	"github.com/gagliardetto/solana-go"
)

// OfferView is an open offer together with its vault balance.
type OfferView struct {
	Address      solana.PublicKey `json:"address"`
	Offer        Offer            `json:"offer"`
	Vault        solana.PublicKey `json:"vault"`
	VaultBalance uint64           `json:"vaultBalance"`
	Decimals     uint8            `json:"decimals"`
	State        OfferState       `json:"state"`
}

func (p *Program) GetOffer(ctx context.Context, address solana.PublicKey) (*OfferView, error) {
	account, err := p.store.Get(ctx, address)
	if errors.Is(err, ledger.ErrAccountNotFound) {
		return nil, fmt.Errorf("%w: offer %s", ErrAccountNotFound, address)
	}
	if err != nil {
		return nil, err
	}
	if !account.Owner.Equals(p.cfg.ProgramID) {
		return nil, fmt.Errorf("%w: %s is not an escrow account", ErrAccountNotFound, address)
	}
	return p.offerView(ctx, account)
}

// ListOffers returns every open offer, or only those made by maker when
// maker is non-nil.
func (p *Program) ListOffers(ctx context.Context, maker *solana.PublicKey) ([]OfferView, error) {
	accounts, err := p.store.ListByOwner(ctx, p.cfg.ProgramID)
	if err != nil {
		return nil, err
	}
	out := make([]OfferView, 0, len(accounts))
	for _, account := range accounts {
		view, err := p.offerView(ctx, account)
		if err != nil {
			p.logger.Warn("skip unreadable escrow account", "account", account.Address.String(), "err", err)
			continue
		}
		if maker != nil && !view.Offer.Maker.Equals(*maker) {
			continue
		}
		out = append(out, *view)
	}
	return out, nil
}

func (p *Program) offerView(ctx context.Context, account *ledger.Account) (*OfferView, error) {
	offer, err := DecodeOffer(account.Data)
	if err != nil {
		return nil, err
	}
	vault, err := DeriveVault(p.cfg.TokenProgramID, account.Address, offer.TokenMintA)
	if err != nil {
		return nil, err
	}
	view := &OfferView{
		Address: account.Address,
		Offer:   *offer,
		Vault:   vault,
		State:   OfferStateOpen,
	}

	vaultAccount, err := p.store.Get(ctx, vault)
	if err != nil {
		return nil, fmt.Errorf("load vault %s: %w", vault, err)
	}
	tokens, err := tokenprog.DecodeTokenAccount(vaultAccount.Data)
	if err != nil {
		return nil, err
	}
	view.VaultBalance = tokens.Amount

	mintAccount, err := p.store.Get(ctx, offer.TokenMintA)
	if err != nil {
		return nil, fmt.Errorf("load mint %s: %w", offer.TokenMintA, err)
	}
	mint, err := tokenprog.DecodeMint(mintAccount.Data)
	if err != nil {
		return nil, err
	}
	view.Decimals = mint.Decimals
	return view, nil
}
