// Package escrow implements the escrow program: offers whose deposit sits in a
// vault controlled by a program-derived authority, and the close_offer
// settlement that drains the vault back to the maker and deletes both
// accounts in one atomic unit.
package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/coldbell/escrow/backend/internal/config"
	"github.com/coldbell/escrow/backend/internal/ledger"
	"github.com/coldbell/escrow/backend/internal/logging"
	"github.com/coldbell/escrow/backend/internal/tokenprog"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/token"
)

// TokenProgram is the token program the escrow calls into. Invoke runs inside
// the caller's transaction and must leave tx untouched when it fails.
type TokenProgram interface {
	ID() solana.PublicKey
	LoadMint(ctx context.Context, tx ledger.Tx, address solana.PublicKey) (*token.Mint, error)
	LoadAccount(ctx context.Context, tx ledger.Tx, address solana.PublicKey) (*token.Account, error)
	CreateAssociatedAccount(ctx context.Context, tx ledger.Tx, payer, wallet, mint solana.PublicKey) (solana.PublicKey, error)
	Invoke(ctx context.Context, tx ledger.Tx, ix solana.Instruction, inv tokenprog.Invocation) error
}

type Program struct {
	cfg     config.EscrowConfig
	store   ledger.Store
	token   TokenProgram
	rent    ledger.Rent
	logger  *slog.Logger
	emitter Emitter
	nowFn   func() time.Time
}

// New wires the escrow program to its ledger and token program. The token
// program must be the one configured in cfg.
func New(cfg config.EscrowConfig, store ledger.Store, tokens TokenProgram) (*Program, error) {
	if store == nil || tokens == nil {
		return nil, fmt.Errorf("escrow: store and token program are required")
	}
	if cfg.ProgramID.IsZero() {
		return nil, fmt.Errorf("escrow: program id is required")
	}
	if cfg.OfferSeed == "" {
		return nil, fmt.Errorf("escrow: offer seed is required")
	}
	if !tokens.ID().Equals(cfg.TokenProgramID) {
		return nil, fmt.Errorf("escrow: token program %s does not match configured %s", tokens.ID(), cfg.TokenProgramID)
	}
	return &Program{
		cfg:     cfg,
		store:   store,
		token:   tokens,
		rent:    ledger.Rent{LamportsPerByteYear: 3480},
		logger:  logging.Discard(),
		emitter: NoopEmitter{},
		nowFn:   time.Now,
	}, nil
}

func (p *Program) ID() solana.PublicKey { return p.cfg.ProgramID }

func (p *Program) TokenProgramID() solana.PublicKey { return p.cfg.TokenProgramID }

func (p *Program) SetRent(rent ledger.Rent) { p.rent = rent }

func (p *Program) SetLogger(logger *slog.Logger) {
	if logger == nil {
		logger = logging.Discard()
	}
	p.logger = logger
}

// SetEmitter configures where offer events go. Passing nil resets it to a
// no-op emitter.
func (p *Program) SetEmitter(emitter Emitter) {
	if emitter == nil {
		emitter = NoopEmitter{}
	}
	p.emitter = emitter
}

func (p *Program) SetNowFunc(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	p.nowFn = now
}

// DeriveOffer returns the canonical offer address and authority for
// (maker, offerID).
func (p *Program) DeriveOffer(maker solana.PublicKey, offerID uint64) (OfferAuthority, solana.PublicKey, error) {
	return DeriveOfferAuthority(p.cfg.ProgramID, p.cfg.OfferSeed, maker, offerID)
}

// SettleAccountsFor derives every account close_offer expects for an offer
// made by maker over mintA.
func (p *Program) SettleAccountsFor(maker solana.PublicKey, offerID uint64, mintA solana.PublicKey) (SettleAccounts, error) {
	return DeriveSettleAccounts(p.cfg, maker, offerID, mintA)
}

// DeriveSettleAccounts is SettleAccountsFor without a running program, for
// clients that only build the instruction.
func DeriveSettleAccounts(cfg config.EscrowConfig, maker solana.PublicKey, offerID uint64, mintA solana.PublicKey) (SettleAccounts, error) {
	_, offer, err := DeriveOfferAuthority(cfg.ProgramID, cfg.OfferSeed, maker, offerID)
	if err != nil {
		return SettleAccounts{}, err
	}
	vault, err := DeriveVault(cfg.TokenProgramID, offer, mintA)
	if err != nil {
		return SettleAccounts{}, err
	}
	makerTokenAccount, _, err := tokenprog.FindAssociatedAddress(cfg.TokenProgramID, maker, mintA)
	if err != nil {
		return SettleAccounts{}, fmt.Errorf("derive maker token account: %w", err)
	}
	return SettleAccounts{
		Maker:              maker,
		TokenMintA:         mintA,
		MakerTokenAccountA: makerTokenAccount,
		Offer:              offer,
		Vault:              vault,
		TokenProgram:       cfg.TokenProgramID,
	}, nil
}

func signedBy(signers []solana.PublicKey, key solana.PublicKey) bool {
	for _, signer := range signers {
		if signer.Equals(key) {
			return true
		}
	}
	return false
}
