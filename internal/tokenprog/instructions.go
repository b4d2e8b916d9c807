package tokenprog

import (
	"context"
	"fmt"

	"github.com/coldbell/escrow/backend/internal/ledger"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/token"
)

// NewTransferChecked builds a transfer_checked instruction addressed to
// programID, which may be the legacy token program or Token-2022.
func NewTransferChecked(programID solana.PublicKey, amount uint64, decimals uint8, source, mint, destination, authority solana.PublicKey) (solana.Instruction, error) {
	ix, err := token.NewTransferCheckedInstruction(amount, decimals, source, mint, destination, authority, nil).ValidateAndBuild()
	if err != nil {
		return nil, fmt.Errorf("build transfer_checked: %w", err)
	}
	return retarget(programID, ix)
}

// NewCloseAccount builds a close_account instruction addressed to programID.
func NewCloseAccount(programID solana.PublicKey, account, destination, authority solana.PublicKey) (solana.Instruction, error) {
	ix, err := token.NewCloseAccountInstruction(account, destination, authority, nil).ValidateAndBuild()
	if err != nil {
		return nil, fmt.Errorf("build close_account: %w", err)
	}
	return retarget(programID, ix)
}

func retarget(programID solana.PublicKey, ix solana.Instruction) (solana.Instruction, error) {
	data, err := ix.Data()
	if err != nil {
		return nil, fmt.Errorf("encode instruction data: %w", err)
	}
	return solana.NewInstruction(programID, ix.Accounts(), data), nil
}

// Invoke executes ix against tx. Only transfer_checked and close_account are
// supported.
func (p *Program) Invoke(ctx context.Context, tx ledger.Tx, ix solana.Instruction, inv Invocation) error {
	if !ix.ProgramID().Equals(p.id) {
		return fmt.Errorf("%w: %s", ErrIncorrectProgram, ix.ProgramID())
	}
	data, err := ix.Data()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInstruction, err)
	}
	if len(data) == 0 {
		return fmt.Errorf("%w: missing data", ErrInvalidInstruction)
	}
	decoded, err := token.DecodeInstruction(ix.Accounts(), data)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInstruction, err)
	}

	switch inst := decoded.Impl.(type) {
	case *token.TransferChecked:
		if len(inst.Accounts) < 4 {
			return fmt.Errorf("%w: transfer_checked needs 4 accounts, got %d", ErrInvalidInstruction, len(inst.Accounts))
		}
		if inst.Amount == nil || inst.Decimals == nil {
			return fmt.Errorf("%w: transfer_checked is missing amount or decimals", ErrInvalidInstruction)
		}
		return p.transferChecked(ctx, tx, inv,
			inst.GetSourceAccount(), inst.GetMintAccount(), inst.GetDestinationAccount(), inst.GetOwnerAccount(),
			*inst.Amount, *inst.Decimals)
	case *token.CloseAccount:
		if len(inst.Accounts) < 3 {
			return fmt.Errorf("%w: close_account needs 3 accounts, got %d", ErrInvalidInstruction, len(inst.Accounts))
		}
		return p.closeAccount(ctx, tx, inv, inst.GetAccount(), inst.GetDestinationAccount(), inst.GetOwnerAccount())
	default:
		return fmt.Errorf("%w: unsupported token instruction %d", ErrInvalidInstruction, data[0])
	}
}

func (p *Program) transferChecked(
	ctx context.Context,
	tx ledger.Tx,
	inv Invocation,
	sourceMeta, mintMeta, destinationMeta, authorityMeta *solana.AccountMeta,
	amount uint64,
	decimals uint8,
) error {
	source, err := p.LoadAccount(ctx, tx, sourceMeta.PublicKey)
	if err != nil {
		return err
	}
	destination, err := p.LoadAccount(ctx, tx, destinationMeta.PublicKey)
	if err != nil {
		return err
	}
	mint, err := p.LoadMint(ctx, tx, mintMeta.PublicKey)
	if err != nil {
		return err
	}

	if source.State == token.Frozen {
		return fmt.Errorf("%w: %s", ErrAccountFrozen, sourceMeta.PublicKey)
	}
	if destination.State == token.Frozen {
		return fmt.Errorf("%w: %s", ErrAccountFrozen, destinationMeta.PublicKey)
	}
	if !source.Mint.Equals(mintMeta.PublicKey) {
		return fmt.Errorf("%w: source %s", ErrMintMismatch, sourceMeta.PublicKey)
	}
	if !destination.Mint.Equals(mintMeta.PublicKey) {
		return fmt.Errorf("%w: destination %s", ErrMintMismatch, destinationMeta.PublicKey)
	}
	if decimals != mint.Decimals {
		return fmt.Errorf("%w: instruction has %d, mint %s has %d", ErrDecimalsMismatch, decimals, mintMeta.PublicKey, mint.Decimals)
	}
	if source.Amount < amount {
		return fmt.Errorf("%w: %s holds %d, needs %d", ErrInsufficientFunds, sourceMeta.PublicKey, source.Amount, amount)
	}
	if err := p.checkAuthority(inv, source.Owner, authorityMeta); err != nil {
		return err
	}

	if sourceMeta.PublicKey.Equals(destinationMeta.PublicKey) {
		return nil
	}
	if destination.Amount+amount < destination.Amount {
		return ErrOverflow
	}

	source.Amount -= amount
	destination.Amount += amount
	if err := p.storeAccount(ctx, tx, sourceMeta.PublicKey, source); err != nil {
		return err
	}
	return p.storeAccount(ctx, tx, destinationMeta.PublicKey, destination)
}

func (p *Program) closeAccount(ctx context.Context, tx ledger.Tx, inv Invocation, accountMeta, destinationMeta, authorityMeta *solana.AccountMeta) error {
	if accountMeta.PublicKey.Equals(destinationMeta.PublicKey) {
		return fmt.Errorf("%w: close destination is the closed account", ErrInvalidInstruction)
	}

	state, err := p.LoadAccount(ctx, tx, accountMeta.PublicKey)
	if err != nil {
		return err
	}
	if state.IsNative == nil && state.Amount != 0 {
		return fmt.Errorf("%w: %s holds %d", ErrNonZeroBalance, accountMeta.PublicKey, state.Amount)
	}

	authority := state.Owner
	if state.CloseAuthority != nil {
		authority = *state.CloseAuthority
	}
	if err := p.checkAuthority(inv, authority, authorityMeta); err != nil {
		return err
	}

	_, err = ledger.Close(ctx, tx, accountMeta.PublicKey, destinationMeta.PublicKey)
	return err
}

func (p *Program) checkAuthority(inv Invocation, expected solana.PublicKey, authorityMeta *solana.AccountMeta) error {
	if !authorityMeta.PublicKey.Equals(expected) {
		return fmt.Errorf("%w: authority %s, expected %s", ErrOwnerMismatch, authorityMeta.PublicKey, expected)
	}
	if !authorityMeta.IsSigner || !inv.Authorizes(expected) {
		return fmt.Errorf("%w: %s", ErrMissingSignature, expected)
	}
	return nil
}
