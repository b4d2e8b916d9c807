package config

import (
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConfigYAML(t *testing.T) {
	body := []byte(`
escrow:
  program-id: 3r5TeLgf4gTKVPPduERAqyZbgcYt3Zdvc8t115UFtncH
  offer seed: offer
api_server:
  allowed_origins:
    - http://localhost:3000
    - " "
    - https://escrow.example
ledger:
  driver: postgres
  account_rent:
    lamports_per_byte_year: 3480
`)

	values, err := parseConfigYAML(body)
	require.NoError(t, err)

	assert.Equal(t, "3r5TeLgf4gTKVPPduERAqyZbgcYt3Zdvc8t115UFtncH", values["ESCROW_PROGRAM_ID"])
	assert.Equal(t, "offer", values["ESCROW_OFFER_SEED"])
	assert.Equal(t, "http://localhost:3000,https://escrow.example", values["API_SERVER_ALLOWED_ORIGINS"])
	assert.Equal(t, "postgres", values["LEDGER_DRIVER"])
	assert.Equal(t, "3480", values["LEDGER_ACCOUNT_RENT_LAMPORTS_PER_BYTE_YEAR"])
}

func TestNormalizeKeySegment(t *testing.T) {
	assert.Equal(t, "TOKEN_PROGRAM_ID", normalizeKeySegment("token-program id"))
	assert.Equal(t, "A_B", normalizeKeySegment("  a..b__ "))
	assert.Equal(t, "", normalizeKeySegment("--"))
}

func TestLoadEscrowConfig(t *testing.T) {
	t.Setenv("ESCROW_PROGRAM_ID", "")
	t.Setenv("ESCROW_TOKEN_PROGRAM_ID", "")
	t.Setenv("ESCROW_OFFER_SEED", "")

	cfg, err := LoadEscrowConfig()
	require.NoError(t, err)
	assert.Equal(t, defaultEscrowProgramID, cfg.ProgramID)
	assert.Equal(t, solana.TokenProgramID, cfg.TokenProgramID)
	assert.Equal(t, "offer", cfg.OfferSeed)

	t.Setenv("ESCROW_TOKEN_PROGRAM_ID", token2022ProgramID.String())
	cfg, err = LoadEscrowConfig()
	require.NoError(t, err)
	assert.Equal(t, token2022ProgramID, cfg.TokenProgramID)

	t.Setenv("ESCROW_TOKEN_PROGRAM_ID", solana.SystemProgramID.String())
	_, err = LoadEscrowConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "is not a token program")

	t.Setenv("ESCROW_TOKEN_PROGRAM_ID", "")
	t.Setenv("ESCROW_OFFER_SEED", "this-seed-is-definitely-longer-than-32-bytes")
	_, err = LoadEscrowConfig()
	require.Error(t, err)
}

func TestLoadLedgerConfig(t *testing.T) {
	t.Setenv("LEDGER_DRIVER", "Postgres")
	t.Setenv("LEDGER_ACCOUNT_RENT_LAMPORTS_PER_BYTE_YEAR", "10")

	cfg, err := LoadLedgerConfig()
	require.NoError(t, err)
	assert.Equal(t, LedgerDriverPostgres, cfg.Driver)
	assert.Equal(t, uint64(10), cfg.LamportsPerByteYear)

	t.Setenv("LEDGER_ACCOUNT_RENT_LAMPORTS_PER_BYTE_YEAR", "18446744073709551615")
	_, err = LoadLedgerConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds")

	t.Setenv("LEDGER_ACCOUNT_RENT_LAMPORTS_PER_BYTE_YEAR", "1000000000")
	cfg, err = LoadLedgerConfig()
	require.NoError(t, err)
	assert.Equal(t, maxLamportsPerByteYear, cfg.LamportsPerByteYear)

	t.Setenv("LEDGER_DRIVER", "sqlite")
	_, err = LoadLedgerConfig()
	require.Error(t, err)
}

func TestLoadRelayConfig(t *testing.T) {
	t.Setenv("RELAY_OFFER_ID", "")
	t.Setenv("RELAY_TOKEN_MINT_A", "")
	_, err := LoadRelayConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing RELAY_OFFER_ID")

	mint := solana.NewWallet().PublicKey()
	t.Setenv("RELAY_OFFER_ID", "42")
	t.Setenv("RELAY_TOKEN_MINT_A", mint.String())
	t.Setenv("RELAY_KEYPAIR_PATH", "/tmp/maker.json")
	t.Setenv("RELAY_TX_TIMEOUT", "5s")

	cfg, err := LoadRelayConfig()
	require.NoError(t, err)
	assert.Equal(t, uint64(42), cfg.OfferID)
	assert.Equal(t, mint, cfg.TokenMintA)
	assert.Equal(t, "/tmp/maker.json", cfg.KeypairPath)
	assert.Equal(t, 5*time.Second, cfg.TxTimeout)
	assert.Nil(t, cfg.MaxRetries)
}

func TestEnvDurationRejectsNonPositive(t *testing.T) {
	t.Setenv("API_SERVER_READ_TIMEOUT", "0s")
	_, err := envDuration("API_SERVER_READ_TIMEOUT", time.Second)
	require.Error(t, err)
}
