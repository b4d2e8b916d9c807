package apiserver

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/coldbell/escrow/backend/internal/ledger"
	"github.com/coldbell/escrow/backend/internal/tokenprog"
	"github.com/gagliardetto/solana-go"
)

const defaultFaucetLamports = uint64(1_000_000_000)

var faucetSeed = []byte("faucet")

// faucetRequest funds a wallet on the local ledger: lamports for rent, and
// amount UI units of mint, creating the mint with decimals on first use.
type faucetRequest struct {
	Wallet   string `json:"wallet"`
	Mint     string `json:"mint"`
	Decimals uint8  `json:"decimals"`
	Amount   string `json:"amount"`
	Lamports uint64 `json:"lamports"`
}

type faucetResponse struct {
	Wallet       string `json:"wallet"`
	Mint         string `json:"mint"`
	TokenAccount string `json:"token_account"`
	Amount       string `json:"amount"`
	Decimals     uint8  `json:"decimals"`
	Lamports     uint64 `json:"lamports"`
}

// faucetAuthority is the mint authority of faucet mints, derived under the
// escrow program so the server can sign for it across restarts.
func (s *Service) faucetAuthority() (solana.PublicKey, tokenprog.Invocation, error) {
	programID := s.program.ID()
	authority, bump, err := solana.FindProgramAddress([][]byte{faucetSeed}, programID)
	if err != nil {
		return solana.PublicKey{}, tokenprog.Invocation{}, err
	}
	return authority, tokenprog.Invocation{
		Caller:      programID,
		SignerSeeds: [][][]byte{{faucetSeed, {bump}}},
	}, nil
}

func (s *Service) handleFaucet(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.respondMethodNotAllowed(w)
		return
	}

	var request faucetRequest
	if err := decodeJSONBody(r, &request); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	wallet, err := solana.PublicKeyFromBase58(strings.TrimSpace(request.Wallet))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid wallet")
		return
	}
	mint, err := solana.PublicKeyFromBase58(strings.TrimSpace(request.Mint))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid mint")
		return
	}
	// Offer, vault and associated token addresses are all off the curve;
	// refusing them keeps the faucet from occupying an address MakeOffer
	// will need.
	if !wallet.IsOnCurve() || !mint.IsOnCurve() {
		s.respondError(w, http.StatusBadRequest, "faucet wallet and mint must be on-curve keys")
		return
	}
	lamports := request.Lamports
	if lamports == 0 {
		lamports = defaultFaucetLamports
	}
	authority, inv, err := s.faucetAuthority()
	if err != nil {
		s.logger.Error("derive faucet authority failed", "err", err)
		s.respondError(w, http.StatusInternalServerError, "faucet unavailable")
		return
	}

	ctx := r.Context()
	var (
		response faucetResponse
		badInput error
	)
	err = s.store.Atomic(ctx, func(tx ledger.Tx) error {
		if err := ledger.Credit(ctx, tx, wallet, lamports); err != nil {
			return err
		}

		exists, err := ledger.Exists(ctx, tx, mint)
		if err != nil {
			return err
		}
		if !exists {
			if err := s.tokens.CreateMint(ctx, tx, wallet, mint, authority, nil, request.Decimals); err != nil {
				return err
			}
		}
		state, err := s.tokens.LoadMint(ctx, tx, mint)
		if err != nil {
			return err
		}

		amount, err := parseUIAmount(request.Amount, state.Decimals)
		if err != nil {
			badInput = err
			return err
		}

		tokenAccount, err := s.tokens.FindAssociatedAddress(wallet, mint)
		if err != nil {
			return err
		}
		accountExists, err := ledger.Exists(ctx, tx, tokenAccount)
		if err != nil {
			return err
		}
		if !accountExists {
			if _, err := s.tokens.CreateAssociatedAccount(ctx, tx, wallet, wallet, mint); err != nil {
				return err
			}
		}
		if amount > 0 {
			if err := s.tokens.MintTo(ctx, tx, inv, mint, tokenAccount, authority, amount); err != nil {
				return err
			}
		}

		response = faucetResponse{
			Wallet:       wallet.String(),
			Mint:         mint.String(),
			TokenAccount: tokenAccount.String(),
			Amount:       fmt.Sprintf("%d", amount),
			Decimals:     state.Decimals,
			Lamports:     lamports,
		}
		return nil
	})
	if badInput != nil {
		s.respondError(w, http.StatusBadRequest, badInput.Error())
		return
	}
	if err != nil {
		s.logger.Warn("faucet request failed", "wallet", wallet.String(), "mint", mint.String(), "err", err)
		s.respondError(w, http.StatusConflict, err.Error())
		return
	}

	s.logger.Info("faucet funded wallet", "wallet", response.Wallet, "mint", response.Mint, "amount", response.Amount)
	s.respondJSON(w, http.StatusOK, response)
}
