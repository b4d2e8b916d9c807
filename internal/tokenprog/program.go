// Package tokenprog executes the subset of the SPL token program the escrow
// needs (mints, associated accounts, checked transfers and account closure)
// directly against a ledger transaction.
package tokenprog

import (
	"context"
	"errors"
	"fmt"

	"github.com/coldbell/escrow/backend/internal/ledger"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/token"
)

var (
	ErrIncorrectProgram   = errors.New("incorrect program id")
	ErrInvalidInstruction = errors.New("invalid instruction")
	ErrInvalidAccountData = errors.New("invalid account data")
	ErrMintMismatch       = errors.New("account not associated with this mint")
	ErrDecimalsMismatch   = errors.New("mint decimals mismatch")
	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrAccountFrozen      = errors.New("account is frozen")
	ErrOwnerMismatch      = errors.New("owner does not match")
	ErrMissingSignature   = errors.New("missing required signature")
	ErrNonZeroBalance     = errors.New("non-native account can only be closed if its balance is zero")
	ErrOverflow           = errors.New("operation overflowed")
)

var Token2022ProgramID = solana.MustPublicKeyFromBase58("TokenzQdBNbLqP5VEhdkAS6EPFLC1PHnBqCXEpPxuEb")

type Program struct {
	id   solana.PublicKey
	rent ledger.Rent
}

func New(programID solana.PublicKey, rent ledger.Rent) *Program {
	return &Program{id: programID, rent: rent}
}

func (p *Program) ID() solana.PublicKey {
	return p.id
}

// Invocation carries the authority available to one instruction: keys that
// signed the outer request, plus, for a cross-program call, the calling
// program and the seed sets it signs with.
type Invocation struct {
	Signers     []solana.PublicKey
	Caller      solana.PublicKey
	SignerSeeds [][][]byte
}

// Authorizes reports whether key has signed this invocation, either directly
// or as an address the caller derives from one of its seed sets.
func (inv Invocation) Authorizes(key solana.PublicKey) bool {
	for _, signer := range inv.Signers {
		if signer.Equals(key) {
			return true
		}
	}
	if inv.Caller.IsZero() {
		return false
	}
	for _, seeds := range inv.SignerSeeds {
		derived, err := solana.CreateProgramAddress(seeds, inv.Caller)
		if err != nil {
			continue
		}
		if derived.Equals(key) {
			return true
		}
	}
	return false
}

// FindAssociatedAddress derives the associated token account of wallet for
// mint under this token program.
func (p *Program) FindAssociatedAddress(wallet, mint solana.PublicKey) (solana.PublicKey, error) {
	address, _, err := FindAssociatedAddress(p.id, wallet, mint)
	return address, err
}

func FindAssociatedAddress(tokenProgramID, wallet, mint solana.PublicKey) (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress(
		[][]byte{wallet[:], tokenProgramID[:], mint[:]},
		solana.SPLAssociatedTokenAccountProgramID,
	)
}

func (p *Program) LoadMint(ctx context.Context, tx ledger.Tx, address solana.PublicKey) (*token.Mint, error) {
	account, err := tx.Get(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("load mint %s: %w", address, err)
	}
	if !account.Owner.Equals(p.id) {
		return nil, fmt.Errorf("%w: mint %s is owned by %s", ErrIncorrectProgram, address, account.Owner)
	}
	return DecodeMint(account.Data)
}

func (p *Program) LoadAccount(ctx context.Context, tx ledger.Tx, address solana.PublicKey) (*token.Account, error) {
	account, err := tx.Get(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("load token account %s: %w", address, err)
	}
	if !account.Owner.Equals(p.id) {
		return nil, fmt.Errorf("%w: token account %s is owned by %s", ErrIncorrectProgram, address, account.Owner)
	}
	return DecodeTokenAccount(account.Data)
}

func (p *Program) storeMint(ctx context.Context, tx ledger.Tx, address solana.PublicKey, mint *token.Mint) error {
	account, err := tx.Get(ctx, address)
	if err != nil {
		return err
	}
	if account.Data, err = EncodeMint(mint); err != nil {
		return err
	}
	return tx.Put(ctx, account)
}

func (p *Program) storeAccount(ctx context.Context, tx ledger.Tx, address solana.PublicKey, state *token.Account) error {
	account, err := tx.Get(ctx, address)
	if err != nil {
		return err
	}
	if account.Data, err = EncodeTokenAccount(state); err != nil {
		return err
	}
	return tx.Put(ctx, account)
}

// CreateMint materializes an initialized mint at address, paid by payer.
// freezeAuthority may be nil.
func (p *Program) CreateMint(ctx context.Context, tx ledger.Tx, payer, address, authority solana.PublicKey, freezeAuthority *solana.PublicKey, decimals uint8) error {
	data, err := EncodeMint(&token.Mint{
		MintAuthority:   &authority,
		Decimals:        decimals,
		IsInitialized:   true,
		FreezeAuthority: freezeAuthority,
	})
	if err != nil {
		return err
	}
	return ledger.Create(ctx, tx, payer, &ledger.Account{
		Address:  address,
		Owner:    p.id,
		Lamports: p.rent.MinimumBalance(MintSize),
		Data:     data,
	})
}

// CreateAssociatedAccount creates the associated token account of wallet for
// mint and returns its address.
func (p *Program) CreateAssociatedAccount(ctx context.Context, tx ledger.Tx, payer, wallet, mint solana.PublicKey) (solana.PublicKey, error) {
	address, err := p.FindAssociatedAddress(wallet, mint)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("derive associated token account: %w", err)
	}
	if _, err := p.LoadMint(ctx, tx, mint); err != nil {
		return solana.PublicKey{}, err
	}

	data, err := EncodeTokenAccount(&token.Account{
		Mint:  mint,
		Owner: wallet,
		State: token.Initialized,
	})
	if err != nil {
		return solana.PublicKey{}, err
	}
	err = ledger.Create(ctx, tx, payer, &ledger.Account{
		Address:  address,
		Owner:    p.id,
		Lamports: p.rent.MinimumBalance(AccountSize),
		Data:     data,
	})
	if err != nil {
		return solana.PublicKey{}, err
	}
	return address, nil
}

// MintTo issues amount new tokens into destination. authority must be the
// mint authority and must have signed.
func (p *Program) MintTo(ctx context.Context, tx ledger.Tx, inv Invocation, mintAddress, destination, authority solana.PublicKey, amount uint64) error {
	mint, err := p.LoadMint(ctx, tx, mintAddress)
	if err != nil {
		return err
	}
	if mint.MintAuthority == nil || !mint.MintAuthority.Equals(authority) {
		return fmt.Errorf("%w: mint authority of %s", ErrOwnerMismatch, mintAddress)
	}
	if !inv.Authorizes(authority) {
		return fmt.Errorf("%w: %s", ErrMissingSignature, authority)
	}

	dest, err := p.LoadAccount(ctx, tx, destination)
	if err != nil {
		return err
	}
	if !dest.Mint.Equals(mintAddress) {
		return fmt.Errorf("%w: %s", ErrMintMismatch, destination)
	}
	if dest.State == token.Frozen {
		return fmt.Errorf("%w: %s", ErrAccountFrozen, destination)
	}
	if mint.Supply+amount < mint.Supply || dest.Amount+amount < dest.Amount {
		return ErrOverflow
	}

	mint.Supply += amount
	dest.Amount += amount
	if err := p.storeMint(ctx, tx, mintAddress, mint); err != nil {
		return err
	}
	return p.storeAccount(ctx, tx, destination, dest)
}

// Freeze marks a token account frozen. authority must be the mint's freeze
// authority.
func (p *Program) Freeze(ctx context.Context, tx ledger.Tx, inv Invocation, address, authority solana.PublicKey) error {
	state, err := p.LoadAccount(ctx, tx, address)
	if err != nil {
		return err
	}
	mint, err := p.LoadMint(ctx, tx, state.Mint)
	if err != nil {
		return err
	}
	if mint.FreezeAuthority == nil || !mint.FreezeAuthority.Equals(authority) {
		return fmt.Errorf("%w: freeze authority of %s", ErrOwnerMismatch, state.Mint)
	}
	if !inv.Authorizes(authority) {
		return fmt.Errorf("%w: %s", ErrMissingSignature, authority)
	}
	state.State = token.Frozen
	return p.storeAccount(ctx, tx, address, state)
}
