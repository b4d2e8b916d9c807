package tokenprog

import (
	"bytes"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go/programs/token"
)

// Account data uses solana-go's token.Mint and token.Account layouts. Owner
// on a token.Account is the authority allowed to move the balance, not the
// program owning the ledger account.
const (
	MintSize    = 82
	AccountSize = 165
)

func EncodeMint(m *token.Mint) ([]byte, error) {
	var buf bytes.Buffer
	if err := m.MarshalWithEncoder(bin.NewBinEncoder(&buf)); err != nil {
		return nil, fmt.Errorf("encode mint: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeMint rejects data that is not exactly one initialized mint.
func DecodeMint(data []byte) (*token.Mint, error) {
	if len(data) != MintSize {
		return nil, fmt.Errorf("%w: mint data is %d bytes, want %d", ErrInvalidAccountData, len(data), MintSize)
	}
	var m token.Mint
	if err := m.UnmarshalWithDecoder(bin.NewBinDecoder(data)); err != nil {
		return nil, fmt.Errorf("%w: decode mint: %v", ErrInvalidAccountData, err)
	}
	if !m.IsInitialized {
		return nil, fmt.Errorf("%w: mint is not initialized", ErrInvalidAccountData)
	}
	return &m, nil
}

func EncodeTokenAccount(a *token.Account) ([]byte, error) {
	var buf bytes.Buffer
	if err := a.MarshalWithEncoder(bin.NewBinEncoder(&buf)); err != nil {
		return nil, fmt.Errorf("encode token account: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeTokenAccount rejects data that is not exactly one initialized token
// account.
func DecodeTokenAccount(data []byte) (*token.Account, error) {
	if len(data) != AccountSize {
		return nil, fmt.Errorf("%w: token account data is %d bytes, want %d", ErrInvalidAccountData, len(data), AccountSize)
	}
	var a token.Account
	if err := a.UnmarshalWithDecoder(bin.NewBinDecoder(data)); err != nil {
		return nil, fmt.Errorf("%w: decode token account: %v", ErrInvalidAccountData, err)
	}
	if a.State == token.Uninitialized {
		return nil, fmt.Errorf("%w: token account is not initialized", ErrInvalidAccountData)
	}
	return &a, nil
}
