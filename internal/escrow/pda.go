package escrow

import (
	"encoding/binary"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// OfferAuthority is the signer an offer's vault answers to. There is no
// private key behind it: the seeds and Bump are the proof the escrow program
// hands to the token program when it moves vault funds.
type OfferAuthority struct {
	Namespace string
	Maker     solana.PublicKey
	OfferID   uint64
	Bump      uint8
}

// DeriveOfferAuthority finds the canonical offer address for (maker, offerID)
// and returns it together with the authority carrying the canonical bump.
func DeriveOfferAuthority(programID solana.PublicKey, namespace string, maker solana.PublicKey, offerID uint64) (OfferAuthority, solana.PublicKey, error) {
	authority := OfferAuthority{Namespace: namespace, Maker: maker, OfferID: offerID}
	address, bump, err := solana.FindProgramAddress(authority.seeds(), programID)
	if err != nil {
		return OfferAuthority{}, solana.PublicKey{}, fmt.Errorf("derive offer authority: %w", err)
	}
	authority.Bump = bump
	return authority, address, nil
}

// SignerSeeds is the full seed sequence [namespace, maker, le64(id), [bump]].
func (a OfferAuthority) SignerSeeds() [][]byte {
	return append(a.seeds(), []byte{a.Bump})
}

// Address recomputes the offer address from the stored bump. It fails when
// the seeds and bump land on the ed25519 curve.
func (a OfferAuthority) Address(programID solana.PublicKey) (solana.PublicKey, error) {
	return solana.CreateProgramAddress(a.SignerSeeds(), programID)
}

func (a OfferAuthority) seeds() [][]byte {
	maker := a.Maker
	return [][]byte{[]byte(a.Namespace), maker[:], U64LE(a.OfferID)}
}

func U64LE(value uint64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, value)
	return buf
}

// DeriveVault is the associated token account of the offer address for mint.
func DeriveVault(tokenProgramID, offer, mint solana.PublicKey) (solana.PublicKey, error) {
	address, _, err := solana.FindProgramAddress(
		[][]byte{offer[:], tokenProgramID[:], mint[:]},
		solana.SPLAssociatedTokenAccountProgramID,
	)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("derive vault: %w", err)
	}
	return address, nil
}
