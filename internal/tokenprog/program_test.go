package tokenprog

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/coldbell/escrow/backend/internal/ledger"
	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/token"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	store     *ledger.MemoryStore
	program   *Program
	payer     solana.PublicKey
	mint      solana.PublicKey
	authority solana.PublicKey
}

func newFixture(t *testing.T, decimals uint8) *fixture {
	ctx := context.Background()
	f := &fixture{
		store:     ledger.NewMemoryStore(),
		program:   New(solana.TokenProgramID, ledger.Rent{LamportsPerByteYear: 3480}),
		payer:     solana.NewWallet().PublicKey(),
		mint:      solana.NewWallet().PublicKey(),
		authority: solana.NewWallet().PublicKey(),
	}
	require.NoError(t, f.store.Atomic(ctx, func(tx ledger.Tx) error {
		if err := ledger.Credit(ctx, tx, f.payer, 1_000_000_000); err != nil {
			return err
		}
		return f.program.CreateMint(ctx, tx, f.payer, f.mint, f.authority, &f.authority, decimals)
	}))
	return f
}

func (f *fixture) fundedAccount(t *testing.T, wallet solana.PublicKey, amount uint64) solana.PublicKey {
	ctx := context.Background()
	var address solana.PublicKey
	require.NoError(t, f.store.Atomic(ctx, func(tx ledger.Tx) error {
		var err error
		address, err = f.program.CreateAssociatedAccount(ctx, tx, f.payer, wallet, f.mint)
		if err != nil {
			return err
		}
		if amount == 0 {
			return nil
		}
		return f.program.MintTo(ctx, tx, Invocation{Signers: []solana.PublicKey{f.authority}}, f.mint, address, f.authority, amount)
	}))
	return address
}

func (f *fixture) balance(t *testing.T, address solana.PublicKey) uint64 {
	account, err := f.store.Get(context.Background(), address)
	require.NoError(t, err)
	state, err := DecodeTokenAccount(account.Data)
	require.NoError(t, err)
	return state.Amount
}

func (f *fixture) invoke(ix solana.Instruction, inv Invocation) error {
	ctx := context.Background()
	return f.store.Atomic(ctx, func(tx ledger.Tx) error {
		return f.program.Invoke(ctx, tx, ix, inv)
	})
}

func TestStateLayoutSizes(t *testing.T) {
	authority := solana.NewWallet().PublicKey()
	mintData, err := EncodeMint(&token.Mint{MintAuthority: &authority, Supply: 5, Decimals: 6, IsInitialized: true})
	require.NoError(t, err)
	assert.Len(t, mintData, MintSize)
	// supply follows the 36-byte COption<Pubkey>
	assert.EqualValues(t, 5, binary.LittleEndian.Uint64(mintData[36:44]))
	assert.EqualValues(t, 6, mintData[44])

	native := uint64(7)
	accountData, err := EncodeTokenAccount(&token.Account{
		Mint:     solana.NewWallet().PublicKey(),
		Owner:    authority,
		Amount:   1000,
		State:    token.Initialized,
		IsNative: &native,
	})
	require.NoError(t, err)
	assert.Len(t, accountData, AccountSize)
	assert.Equal(t, authority[:], accountData[32:64])
	assert.EqualValues(t, 1000, binary.LittleEndian.Uint64(accountData[64:72]))

	decoded, err := DecodeTokenAccount(accountData)
	require.NoError(t, err)
	require.NotNil(t, decoded.IsNative)
	assert.EqualValues(t, 7, *decoded.IsNative)
	assert.Nil(t, decoded.Delegate)
	assert.Nil(t, decoded.CloseAuthority)
}

func TestDecodeRejectsBadData(t *testing.T) {
	_, err := DecodeTokenAccount(make([]byte, 10))
	assert.ErrorIs(t, err, ErrInvalidAccountData)

	_, err = DecodeTokenAccount(make([]byte, AccountSize))
	assert.ErrorIs(t, err, ErrInvalidAccountData)

	_, err = DecodeMint(make([]byte, MintSize))
	assert.ErrorIs(t, err, ErrInvalidAccountData)

	_, err = DecodeMint(make([]byte, MintSize-1))
	assert.ErrorIs(t, err, ErrInvalidAccountData)
}

func TestDecodeMatchesSPLLayout(t *testing.T) {
	f := newFixture(t, 6)
	alice := solana.NewWallet().PublicKey()
	address := f.fundedAccount(t, alice, 42)
	ctx := context.Background()

	account, err := f.store.Get(ctx, address)
	require.NoError(t, err)
	var state token.Account
	require.NoError(t, bin.NewBinDecoder(account.Data).Decode(&state))
	assert.Equal(t, f.mint, state.Mint)
	assert.Equal(t, alice, state.Owner)
	assert.EqualValues(t, 42, state.Amount)
	assert.Equal(t, token.Initialized, state.State)

	mintAccount, err := f.store.Get(ctx, f.mint)
	require.NoError(t, err)
	var mint token.Mint
	require.NoError(t, bin.NewBinDecoder(mintAccount.Data).Decode(&mint))
	assert.EqualValues(t, 42, mint.Supply)
	assert.EqualValues(t, 6, mint.Decimals)
	require.NotNil(t, mint.MintAuthority)
	assert.Equal(t, f.authority, *mint.MintAuthority)
}

func TestTransferChecked(t *testing.T) {
	f := newFixture(t, 6)
	alice := solana.NewWallet().PublicKey()
	bob := solana.NewWallet().PublicKey()
	from := f.fundedAccount(t, alice, 1_000)
	to := f.fundedAccount(t, bob, 0)

	ix, err := NewTransferChecked(f.program.ID(), 400, 6, from, f.mint, to, alice)
	require.NoError(t, err)

	assert.ErrorIs(t, f.invoke(ix, Invocation{}), ErrMissingSignature)
	assert.ErrorIs(t, f.invoke(ix, Invocation{Signers: []solana.PublicKey{bob}}), ErrMissingSignature)

	require.NoError(t, f.invoke(ix, Invocation{Signers: []solana.PublicKey{alice}}))
	assert.EqualValues(t, 600, f.balance(t, from))
	assert.EqualValues(t, 400, f.balance(t, to))

	tooMuch, err := NewTransferChecked(f.program.ID(), 601, 6, from, f.mint, to, alice)
	require.NoError(t, err)
	assert.ErrorIs(t, f.invoke(tooMuch, Invocation{Signers: []solana.PublicKey{alice}}), ErrInsufficientFunds)

	wrongDecimals, err := NewTransferChecked(f.program.ID(), 1, 9, from, f.mint, to, alice)
	require.NoError(t, err)
	assert.ErrorIs(t, f.invoke(wrongDecimals, Invocation{Signers: []solana.PublicKey{alice}}), ErrDecimalsMismatch)

	wrongAuthority, err := NewTransferChecked(f.program.ID(), 1, 6, from, f.mint, to, bob)
	require.NoError(t, err)
	assert.ErrorIs(t, f.invoke(wrongAuthority, Invocation{Signers: []solana.PublicKey{bob}}), ErrOwnerMismatch)

	assert.EqualValues(t, 600, f.balance(t, from))
	assert.EqualValues(t, 400, f.balance(t, to))
}

func TestTransferChecked_FrozenAndMintMismatch(t *testing.T) {
	f := newFixture(t, 2)
	other := newFixture(t, 2)
	alice := solana.NewWallet().PublicKey()
	from := f.fundedAccount(t, alice, 50)
	to := f.fundedAccount(t, solana.NewWallet().PublicKey(), 0)

	ix, err := NewTransferChecked(f.program.ID(), 10, 2, from, other.mint, to, alice)
	require.NoError(t, err)
	// other.mint does not exist in f's ledger
	require.Error(t, f.invoke(ix, Invocation{Signers: []solana.PublicKey{alice}}))

	ctx := context.Background()
	require.NoError(t, f.store.Atomic(ctx, func(tx ledger.Tx) error {
		return f.program.Freeze(ctx, tx, Invocation{Signers: []solana.PublicKey{f.authority}}, to, f.authority)
	}))

	ix, err = NewTransferChecked(f.program.ID(), 10, 2, from, f.mint, to, alice)
	require.NoError(t, err)
	assert.ErrorIs(t, f.invoke(ix, Invocation{Signers: []solana.PublicKey{alice}}), ErrAccountFrozen)
}

func TestTransferChecked_ProgramDerivedAuthority(t *testing.T) {
	f := newFixture(t, 0)
	caller := solana.NewWallet().PublicKey()
	seeds := [][]byte{[]byte("offer"), []byte("seed")}
	pda, bump, err := solana.FindProgramAddress(seeds, caller)
	require.NoError(t, err)

	from := f.fundedAccount(t, pda, 10)
	to := f.fundedAccount(t, solana.NewWallet().PublicKey(), 0)
	ix, err := NewTransferChecked(f.program.ID(), 10, 0, from, f.mint, to, pda)
	require.NoError(t, err)

	signed := append(append([][]byte{}, seeds...), []byte{bump})
	wrongSeeds := [][]byte{[]byte("offer"), []byte("other"), {bump}}

	assert.ErrorIs(t, f.invoke(ix, Invocation{Caller: caller, SignerSeeds: [][][]byte{wrongSeeds}}), ErrMissingSignature)
	assert.ErrorIs(t, f.invoke(ix, Invocation{Caller: solana.NewWallet().PublicKey(), SignerSeeds: [][][]byte{signed}}), ErrMissingSignature)
	assert.ErrorIs(t, f.invoke(ix, Invocation{SignerSeeds: [][][]byte{signed}}), ErrMissingSignature)

	require.NoError(t, f.invoke(ix, Invocation{Caller: caller, SignerSeeds: [][][]byte{signed}}))
	assert.EqualValues(t, 0, f.balance(t, from))
	assert.EqualValues(t, 10, f.balance(t, to))
}

func TestCloseAccount(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0)
	alice := solana.NewWallet().PublicKey()
	account := f.fundedAccount(t, alice, 3)

	ix, err := NewCloseAccount(f.program.ID(), account, alice, alice)
	require.NoError(t, err)
	assert.ErrorIs(t, f.invoke(ix, Invocation{Signers: []solana.PublicKey{alice}}), ErrNonZeroBalance)

	drain, err := NewTransferChecked(f.program.ID(), 3, 0, account, f.mint, f.fundedAccount(t, solana.NewWallet().PublicKey(), 0), alice)
	require.NoError(t, err)
	require.NoError(t, f.invoke(drain, Invocation{Signers: []solana.PublicKey{alice}}))

	assert.ErrorIs(t, f.invoke(ix, Invocation{}), ErrMissingSignature)
	require.NoError(t, f.invoke(ix, Invocation{Signers: []solana.PublicKey{alice}}))

	_, err = f.store.Get(ctx, account)
	assert.ErrorIs(t, err, ledger.ErrAccountNotFound)

	wallet, err := f.store.Get(ctx, alice)
	require.NoError(t, err)
	assert.EqualValues(t, ledger.Rent{LamportsPerByteYear: 3480}.MinimumBalance(AccountSize), wallet.Lamports)
}

func TestInvoke_RejectsForeignProgram(t *testing.T) {
	f := newFixture(t, 0)
	alice := solana.NewWallet().PublicKey()
	account := f.fundedAccount(t, alice, 0)

	ix, err := NewCloseAccount(Token2022ProgramID, account, alice, alice)
	require.NoError(t, err)
	assert.ErrorIs(t, f.invoke(ix, Invocation{Signers: []solana.PublicKey{alice}}), ErrIncorrectProgram)

	unknown := solana.NewInstruction(f.program.ID(), nil, []byte{200})
	assert.ErrorIs(t, f.invoke(unknown, Invocation{}), ErrInvalidInstruction)

	// plain transfer decodes but is not executed here
	transfer, err := token.NewTransferInstruction(1, account, account, alice, nil).ValidateAndBuild()
	require.NoError(t, err)
	assert.ErrorIs(t, f.invoke(transfer, Invocation{Signers: []solana.PublicKey{alice}}), ErrInvalidInstruction)

	truncated, err := NewTransferChecked(f.program.ID(), 1, 0, account, f.mint, account, alice)
	require.NoError(t, err)
	data, err := truncated.Data()
	require.NoError(t, err)
	short := solana.NewInstruction(f.program.ID(), truncated.Accounts()[:2], data)
	assert.ErrorIs(t, f.invoke(short, Invocation{Signers: []solana.PublicKey{alice}}), ErrInvalidInstruction)
	cut := solana.NewInstruction(f.program.ID(), truncated.Accounts(), data[:5])
	assert.ErrorIs(t, f.invoke(cut, Invocation{Signers: []solana.PublicKey{alice}}), ErrInvalidInstruction)
}

func TestFindAssociatedAddress(t *testing.T) {
	wallet := solana.NewWallet().PublicKey()
	mint := solana.NewWallet().PublicKey()

	expected, _, err := solana.FindAssociatedTokenAddress(wallet, mint)
	require.NoError(t, err)

	address, _, err := FindAssociatedAddress(solana.TokenProgramID, wallet, mint)
	require.NoError(t, err)
	assert.Equal(t, expected, address)

	token2022, _, err := FindAssociatedAddress(Token2022ProgramID, wallet, mint)
	require.NoError(t, err)
	assert.NotEqual(t, expected, token2022)
}
