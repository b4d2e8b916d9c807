package apiserver

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/coldbell/escrow/backend/internal/escrow"
	"github.com/coldbell/escrow/backend/internal/ledger"
	"github.com/coldbell/escrow/backend/internal/tokenprog"
	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
)

type offerResponse struct {
	Address        string `json:"address"`
	OfferID        uint64 `json:"offer_id"`
	Maker          string `json:"maker"`
	TokenMintA     string `json:"token_mint_a"`
	TokenMintB     string `json:"token_mint_b"`
	Bump           uint8  `json:"bump"`
	Vault          string `json:"vault"`
	VaultBalance   string `json:"vault_balance"`
	VaultBalanceUI string `json:"vault_balance_ui"`
	Decimals       uint8  `json:"decimals"`
	State          string `json:"state"`
}

type makeOfferRequest struct {
	Maker      string `json:"maker"`
	OfferID    uint64 `json:"offer_id"`
	TokenMintA string `json:"token_mint_a"`
	TokenMintB string `json:"token_mint_b"`
	// Amount is the deposit in UI units of token_mint_a.
	Amount      string `json:"amount"`
	ChallengeID string `json:"challenge_id"`
	Signature   string `json:"signature"`
}

type settleOfferRequest struct {
	Maker              string `json:"maker"`
	OfferID            uint64 `json:"offer_id"`
	MakerTokenAccountA string `json:"maker_token_account_a,omitempty"`
	ChallengeID        string `json:"challenge_id"`
	Signature          string `json:"signature"`
}

type receiptResponse struct {
	ReceiptID       string `json:"receipt_id"`
	Maker           string `json:"maker"`
	OfferID         uint64 `json:"offer_id"`
	Offer           string `json:"offer"`
	Vault           string `json:"vault"`
	Destination     string `json:"destination"`
	Amount          string `json:"amount"`
	AmountUI        string `json:"amount_ui"`
	VaultRentRefund uint64 `json:"vault_rent_refund"`
	OfferRentRefund uint64 `json:"offer_rent_refund"`
	SettledAt       string `json:"settled_at"`
}

func (s *Service) handleOffers(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleListOffers(w, r)
	case http.MethodPost:
		s.handleMakeOffer(w, r)
	default:
		s.respondMethodNotAllowed(w)
	}
}

func (s *Service) handleListOffers(w http.ResponseWriter, r *http.Request) {
	var maker *solana.PublicKey
	if raw := strings.TrimSpace(r.URL.Query().Get("maker")); raw != "" {
		key, err := solana.PublicKeyFromBase58(raw)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid maker")
			return
		}
		maker = &key
	}
	offerID, err := parseOptionalUint64(r, "offer_id")
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	views, err := s.program.ListOffers(r.Context(), maker)
	if err != nil {
		s.logger.Error("list offers failed", "err", err)
		s.respondError(w, http.StatusInternalServerError, "failed to list offers")
		return
	}

	items := make([]offerResponse, 0, len(views))
	for i := range views {
		if offerID != nil && views[i].Offer.ID != *offerID {
			continue
		}
		items = append(items, newOfferResponse(&views[i]))
	}
	s.respondJSON(w, http.StatusOK, listResponse[offerResponse]{Items: items})
}

func (s *Service) handleOfferByAddress(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}
	raw := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/v1/offers/"), "/")
	address, err := solana.PublicKeyFromBase58(raw)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid offer address")
		return
	}

	view, err := s.program.GetOffer(r.Context(), address)
	if err != nil {
		s.respondEscrowError(w, "get offer", err)
		return
	}
	s.respondJSON(w, http.StatusOK, newOfferResponse(view))
}

func (s *Service) handleMakeOffer(w http.ResponseWriter, r *http.Request) {
	var request makeOfferRequest
	if err := decodeJSONBody(r, &request); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	maker, err := solana.PublicKeyFromBase58(strings.TrimSpace(request.Maker))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid maker")
		return
	}
	mintA, err := solana.PublicKeyFromBase58(strings.TrimSpace(request.TokenMintA))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid token_mint_a")
		return
	}
	mintB, err := solana.PublicKeyFromBase58(strings.TrimSpace(request.TokenMintB))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid token_mint_b")
		return
	}
	code, err := s.consumeChallenge(r.Context(), request.ChallengeID, maker, intentMakeOffer, request.Signature,
		func(challengeID string, expiresAt int64) string {
			return MakeOfferMessage(maker, request.OfferID, mintA, mintB, request.Amount, challengeID, expiresAt)
		})
	if err != nil {
		s.respondError(w, code, err.Error())
		return
	}

	decimals, err := s.mintDecimals(r.Context(), mintA)
	if err != nil {
		s.respondEscrowError(w, "make offer", err)
		return
	}
	deposit, err := parseUIAmount(request.Amount, decimals)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	made, err := s.program.MakeOffer(r.Context(), escrow.MakeOfferRequest{
		Maker:      maker,
		OfferID:    request.OfferID,
		TokenMintA: mintA,
		TokenMintB: mintB,
		Deposit:    deposit,
		Signers:    []solana.PublicKey{maker},
	})
	if err != nil {
		s.respondEscrowError(w, "make offer", err)
		return
	}

	s.respondJSON(w, http.StatusCreated, newOfferResponse(&escrow.OfferView{
		Address:      made.Address,
		Offer:        made.Offer,
		Vault:        made.Vault,
		VaultBalance: made.Deposit,
		Decimals:     decimals,
		State:        escrow.OfferStateOpen,
	}))
}

func (s *Service) handleSettle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.respondMethodNotAllowed(w)
		return
	}

	var request settleOfferRequest
	if err := decodeJSONBody(r, &request); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	maker, err := solana.PublicKeyFromBase58(strings.TrimSpace(request.Maker))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid maker")
		return
	}
	code, err := s.consumeChallenge(r.Context(), request.ChallengeID, maker, intentCloseOffer, request.Signature,
		func(challengeID string, expiresAt int64) string {
			return SettleMessage(s.cfg.SettleMessagePrefix, maker, request.OfferID, challengeID, expiresAt)
		})
	if err != nil {
		s.respondError(w, code, err.Error())
		return
	}

	_, address, err := s.program.DeriveOffer(maker, request.OfferID)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	view, err := s.program.GetOffer(r.Context(), address)
	if err != nil {
		s.respondEscrowError(w, "settle offer", err)
		return
	}
	accounts, err := s.program.SettleAccountsFor(maker, request.OfferID, view.Offer.TokenMintA)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if raw := strings.TrimSpace(request.MakerTokenAccountA); raw != "" {
		if accounts.MakerTokenAccountA, err = solana.PublicKeyFromBase58(raw); err != nil {
			s.respondError(w, http.StatusBadRequest, "invalid maker_token_account_a")
			return
		}
	}

	receipt, err := s.program.Settle(r.Context(), escrow.SettleRequest{
		OfferID:  request.OfferID,
		Accounts: accounts,
		Signers:  []solana.PublicKey{maker},
	})
	if err != nil {
		s.respondEscrowError(w, "settle offer", err)
		return
	}
	s.respondJSON(w, http.StatusOK, newReceiptResponse(receipt))
}

func (s *Service) mintDecimals(ctx context.Context, mint solana.PublicKey) (uint8, error) {
	account, err := s.store.Get(ctx, mint)
	if errors.Is(err, ledger.ErrAccountNotFound) {
		return 0, fmt.Errorf("%w: mint %s", escrow.ErrAccountNotFound, mint)
	}
	if err != nil {
		return 0, fmt.Errorf("load mint %s: %w", mint, err)
	}
	if !account.Owner.Equals(s.tokens.ID()) {
		return 0, fmt.Errorf("%w: %s is not a mint of %s", escrow.ErrConstraintViolation, mint, s.tokens.ID())
	}
	state, err := tokenprog.DecodeMint(account.Data)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", escrow.ErrConstraintViolation, err)
	}
	return state.Decimals, nil
}

func newOfferResponse(view *escrow.OfferView) offerResponse {
	return offerResponse{
		Address:        view.Address.String(),
		OfferID:        view.Offer.ID,
		Maker:          view.Offer.Maker.String(),
		TokenMintA:     view.Offer.TokenMintA.String(),
		TokenMintB:     view.Offer.TokenMintB.String(),
		Bump:           view.Offer.Bump,
		Vault:          view.Vault.String(),
		VaultBalance:   fmt.Sprintf("%d", view.VaultBalance),
		VaultBalanceUI: formatUIAmount(view.VaultBalance, view.Decimals),
		Decimals:       view.Decimals,
		State:          string(view.State),
	}
}

func newReceiptResponse(receipt *escrow.Receipt) receiptResponse {
	return receiptResponse{
		ReceiptID:       receipt.ID,
		Maker:           receipt.Maker.String(),
		OfferID:         receipt.OfferID,
		Offer:           receipt.Offer.String(),
		Vault:           receipt.Vault.String(),
		Destination:     receipt.Destination.String(),
		Amount:          fmt.Sprintf("%d", receipt.Amount),
		AmountUI:        formatUIAmount(receipt.Amount, receipt.Decimals),
		VaultRentRefund: receipt.VaultRentRefund,
		OfferRentRefund: receipt.OfferRentRefund,
		SettledAt:       receipt.SettledAt.Format(time.RFC3339),
	}
}

func formatUIAmount(amount uint64, decimals uint8) string {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(amount), -int32(decimals)).String()
}

// parseUIAmount converts a UI amount such as "12.5" to base units of a mint
// with the given decimals.
func parseUIAmount(raw string, decimals uint8) (uint64, error) {
	value, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid amount: %w", err)
	}
	if value.IsNegative() {
		return 0, fmt.Errorf("invalid amount: must not be negative")
	}
	units := value.Shift(int32(decimals))
	if !units.IsInteger() {
		return 0, fmt.Errorf("invalid amount: more than %d decimal places", decimals)
	}
	bi := units.BigInt()
	if !bi.IsUint64() {
		return 0, fmt.Errorf("invalid amount: out of range")
	}
	return bi.Uint64(), nil
}
