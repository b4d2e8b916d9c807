package relay

import (
	"testing"

	"github.com/coldbell/escrow/backend/internal/config"
	"github.com/coldbell/escrow/backend/internal/escrow"
	"github.com/gagliardetto/solana-go"
	computebudget "github.com/gagliardetto/solana-go/programs/compute-budget"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRelayConfig() config.RelayConfig {
	return config.RelayConfig{
		OfferID:    11,
		TokenMintA: solana.NewWallet().PublicKey(),
		Escrow: config.EscrowConfig{
			ProgramID:      solana.NewWallet().PublicKey(),
			TokenProgramID: solana.TokenProgramID,
			OfferSeed:      "offer",
		},
	}
}

func TestBuildInstructions(t *testing.T) {
	maker := solana.NewWallet().PublicKey()

	t.Run("close_offer only", func(t *testing.T) {
		cfg := testRelayConfig()
		accounts, err := escrow.DeriveSettleAccounts(cfg.Escrow, maker, cfg.OfferID, cfg.TokenMintA)
		require.NoError(t, err)

		instructions, err := buildInstructions(cfg, accounts)
		require.NoError(t, err)
		require.Len(t, instructions, 1)

		offerID, decoded, err := escrow.DecodeCloseOffer(cfg.Escrow.ProgramID, instructions[0])
		require.NoError(t, err)
		assert.Equal(t, cfg.OfferID, offerID)
		assert.Equal(t, accounts, decoded)
	})

	t.Run("compute budget first", func(t *testing.T) {
		cfg := testRelayConfig()
		cfg.ComputeUnitLimit = 80_000
		cfg.ComputeUnitPriceMicroLamports = 1_000
		accounts, err := escrow.DeriveSettleAccounts(cfg.Escrow, maker, cfg.OfferID, cfg.TokenMintA)
		require.NoError(t, err)

		instructions, err := buildInstructions(cfg, accounts)
		require.NoError(t, err)
		require.Len(t, instructions, 3)
		assert.Equal(t, computebudget.ProgramID, instructions[0].ProgramID())
		assert.Equal(t, computebudget.ProgramID, instructions[1].ProgramID())
		assert.Equal(t, cfg.Escrow.ProgramID, instructions[2].ProgramID())
	})
}

func TestCheckOfferAccount(t *testing.T) {
	cfg := testRelayConfig()
	maker := solana.NewWallet().PublicKey()
	accounts, err := escrow.DeriveSettleAccounts(cfg.Escrow, maker, cfg.OfferID, cfg.TokenMintA)
	require.NoError(t, err)
	authority, _, err := escrow.DeriveOfferAuthority(cfg.Escrow.ProgramID, cfg.Escrow.OfferSeed, maker, cfg.OfferID)
	require.NoError(t, err)

	encode := func(offer escrow.Offer) []byte {
		data, err := escrow.EncodeOffer(&offer)
		require.NoError(t, err)
		return data
	}
	offer := escrow.Offer{
		ID:         cfg.OfferID,
		Maker:      maker,
		TokenMintA: cfg.TokenMintA,
		TokenMintB: solana.NewWallet().PublicKey(),
		Bump:       authority.Bump,
	}

	require.NoError(t, checkOfferAccount(cfg.Escrow.ProgramID, accounts, cfg.Escrow.ProgramID, encode(offer)))

	err = checkOfferAccount(cfg.Escrow.ProgramID, accounts, solana.SystemProgramID, encode(offer))
	assert.ErrorIs(t, err, escrow.ErrConstraintViolation)

	otherMint := offer
	otherMint.TokenMintA = solana.NewWallet().PublicKey()
	err = checkOfferAccount(cfg.Escrow.ProgramID, accounts, cfg.Escrow.ProgramID, encode(otherMint))
	assert.ErrorIs(t, err, escrow.ErrConstraintViolation)

	otherMaker := offer
	otherMaker.Maker = solana.NewWallet().PublicKey()
	err = checkOfferAccount(cfg.Escrow.ProgramID, accounts, cfg.Escrow.ProgramID, encode(otherMaker))
	assert.ErrorIs(t, err, escrow.ErrConstraintViolation)

	err = checkOfferAccount(cfg.Escrow.ProgramID, accounts, cfg.Escrow.ProgramID, []byte{1, 2, 3})
	assert.ErrorIs(t, err, escrow.ErrConstraintViolation)
}
