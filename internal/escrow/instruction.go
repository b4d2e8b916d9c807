package escrow

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

var closeOfferDisc = instructionDiscriminator("close_offer")

const closeOfferAccountCount = 6

// NewCloseOfferInstruction builds close_offer for offerID. The maker is the
// only signer.
func NewCloseOfferInstruction(programID solana.PublicKey, offerID uint64, accounts SettleAccounts) solana.Instruction {
	data := make([]byte, len(closeOfferDisc), len(closeOfferDisc)+8)
	copy(data, closeOfferDisc[:])
	data = binary.LittleEndian.AppendUint64(data, offerID)

	metas := solana.AccountMetaSlice{
		solana.NewAccountMeta(accounts.Maker, true, true),
		solana.NewAccountMeta(accounts.TokenMintA, false, false),
		solana.NewAccountMeta(accounts.MakerTokenAccountA, true, false),
		solana.NewAccountMeta(accounts.Offer, true, false),
		solana.NewAccountMeta(accounts.Vault, true, false),
		solana.NewAccountMeta(accounts.TokenProgram, false, false),
	}
	return solana.NewInstruction(programID, metas, data)
}

// DecodeCloseOffer is the inverse of NewCloseOfferInstruction.
func DecodeCloseOffer(programID solana.PublicKey, ix solana.Instruction) (uint64, SettleAccounts, error) {
	if !ix.ProgramID().Equals(programID) {
		return 0, SettleAccounts{}, fmt.Errorf("%w: program %s", ErrInvalidInstruction, ix.ProgramID())
	}
	data, err := ix.Data()
	if err != nil {
		return 0, SettleAccounts{}, fmt.Errorf("%w: %v", ErrInvalidInstruction, err)
	}
	if len(data) < len(closeOfferDisc)+8 || !bytes.Equal(data[:len(closeOfferDisc)], closeOfferDisc[:]) {
		return 0, SettleAccounts{}, fmt.Errorf("%w: not close_offer", ErrInvalidInstruction)
	}
	metas := ix.Accounts()
	if len(metas) < closeOfferAccountCount {
		return 0, SettleAccounts{}, fmt.Errorf("%w: close_offer needs %d accounts, got %d", ErrInvalidInstruction, closeOfferAccountCount, len(metas))
	}
	if !metas[0].IsSigner {
		return 0, SettleAccounts{}, fmt.Errorf("%w: maker account is not a signer", ErrInvalidInstruction)
	}

	offerID := binary.LittleEndian.Uint64(data[len(closeOfferDisc):])
	return offerID, SettleAccounts{
		Maker:              metas[0].PublicKey,
		TokenMintA:         metas[1].PublicKey,
		MakerTokenAccountA: metas[2].PublicKey,
		Offer:              metas[3].PublicKey,
		Vault:              metas[4].PublicKey,
		TokenProgram:       metas[5].PublicKey,
	}, nil
}

// Execute runs a close_offer instruction. signers are the keys that signed
// the enclosing transaction.
func (p *Program) Execute(ctx context.Context, ix solana.Instruction, signers []solana.PublicKey) (*Receipt, error) {
	offerID, accounts, err := DecodeCloseOffer(p.cfg.ProgramID, ix)
	if err != nil {
		return nil, err
	}
	return p.Settle(ctx, SettleRequest{
		OfferID:  offerID,
		Accounts: accounts,
		Signers:  signers,
	})
}
