package apiserver

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coldbell/escrow/backend/internal/database"
	"github.com/gagliardetto/solana-go"
)

const (
	intentMakeOffer     = "make_offer"
	intentCloseOffer    = "close_offer"
	defaultChallengeTTL = 5 * time.Minute
)

var (
	errChallengeNotFound = errors.New("challenge not found")
	errChallengeUsed     = errors.New("challenge already used")
)

// challengeRequest asks for a single-use message authorizing one action.
// The action's parameters are part of the message, so the signature cannot
// be moved to a different offer, mint or amount.
type challengeRequest struct {
	Wallet     string `json:"wallet"`
	Intent     string `json:"intent"`
	OfferID    uint64 `json:"offer_id"`
	TokenMintA string `json:"token_mint_a,omitempty"`
	TokenMintB string `json:"token_mint_b,omitempty"`
	Amount     string `json:"amount,omitempty"`
}

type challengeResponse struct {
	ChallengeID string `json:"challenge_id"`
	Message     string `json:"message"`
	ExpiresAt   int64  `json:"expires_at"`
}

type challengeRecord struct {
	ID        string
	Wallet    string
	Intent    string
	Message   string
	CreatedAt int64
	ExpiresAt int64
	UsedAt    *int64
}

type challengeStore interface {
	Create(ctx context.Context, challenge challengeRecord) error
	Get(ctx context.Context, challengeID string) (challengeRecord, error)
	// MarkUsed fails with errChallengeUsed unless this call is the one that
	// consumed the challenge.
	MarkUsed(ctx context.Context, challengeID string, usedAt int64) error
	Close() error
}

// SettleMessage is what a maker signs to authorize settlement of an offer.
func SettleMessage(prefix string, maker solana.PublicKey, offerID uint64, challengeID string, expiresAt int64) string {
	return fmt.Sprintf("%s\nmaker: %s\noffer_id: %d\nchallenge_id: %s\nexpires_at: %d", prefix, maker, offerID, challengeID, expiresAt)
}

// MakeOfferMessage is what a maker signs to authorize a new offer. amount is
// the string exactly as submitted.
func MakeOfferMessage(maker solana.PublicKey, offerID uint64, mintA, mintB solana.PublicKey, amount string, challengeID string, expiresAt int64) string {
	return fmt.Sprintf(
		"%s\nmaker: %s\noffer_id: %d\ntoken_mint_a: %s\ntoken_mint_b: %s\namount: %s\nchallenge_id: %s\nexpires_at: %d",
		intentMakeOffer, maker, offerID, mintA, mintB, amount, challengeID, expiresAt,
	)
}

func (s *Service) handleChallenge(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.respondMethodNotAllowed(w)
		return
	}

	var request challengeRequest
	if err := decodeJSONBody(r, &request); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	wallet, err := solana.PublicKeyFromBase58(strings.TrimSpace(request.Wallet))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid wallet")
		return
	}

	now := s.now().Unix()
	expiresAt := now + int64(s.challengeTTL()/time.Second)
	challengeID, err := newID("chl")
	if err != nil {
		s.logger.Error("create challenge id failed", "err", err)
		s.respondError(w, http.StatusInternalServerError, "failed to create challenge")
		return
	}

	intent := strings.ToLower(strings.TrimSpace(request.Intent))
	var message string
	switch intent {
	case intentCloseOffer:
		message = SettleMessage(s.cfg.SettleMessagePrefix, wallet, request.OfferID, challengeID, expiresAt)
	case intentMakeOffer:
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
		message = MakeOfferMessage(wallet, request.OfferID, mintA, mintB, request.Amount, challengeID, expiresAt)
	default:
		s.respondError(w, http.StatusBadRequest, "intent must be make_offer or close_offer")
		return
	}

	err = s.challenges.Create(r.Context(), challengeRecord{
		ID:        challengeID,
		Wallet:    wallet.String(),
		Intent:    intent,
		Message:   message,
		CreatedAt: now,
		ExpiresAt: expiresAt,
	})
	if err != nil {
		s.logger.Error("store challenge failed", "err", err)
		s.respondError(w, http.StatusInternalServerError, "failed to create challenge")
		return
	}

	s.respondJSON(w, http.StatusOK, challengeResponse{
		ChallengeID: challengeID,
		Message:     message,
		ExpiresAt:   expiresAt,
	})
}

// consumeChallenge authorizes one action by wallet. expected rebuilds the
// message from the request being served; it must equal the issued message
// and carry wallet's signature. On success the challenge is spent.
func (s *Service) consumeChallenge(
	ctx context.Context,
	challengeID string,
	wallet solana.PublicKey,
	intent string,
	signature string,
	expected func(challengeID string, expiresAt int64) string,
) (int, error) {
	challengeID = strings.TrimSpace(challengeID)
	if challengeID == "" {
		return http.StatusBadRequest, errors.New("challenge_id is required")
	}

	challenge, err := s.challenges.Get(ctx, challengeID)
	if errors.Is(err, errChallengeNotFound) {
		return http.StatusUnauthorized, err
	}
	if err != nil {
		s.logger.Error("get challenge failed", "err", err)
		return http.StatusInternalServerError, errors.New("failed to verify challenge")
	}

	now := s.now().Unix()
	switch {
	case challenge.ExpiresAt <= now:
		return http.StatusUnauthorized, errors.New("challenge expired")
	case challenge.UsedAt != nil:
		return http.StatusUnauthorized, errChallengeUsed
	case challenge.Wallet != wallet.String():
		return http.StatusUnauthorized, errors.New("wallet mismatch")
	case challenge.Intent != intent:
		return http.StatusUnauthorized, errors.New("intent mismatch")
	case challenge.Message != expected(challenge.ID, challenge.ExpiresAt):
		return http.StatusUnauthorized, errors.New("challenge does not match request")
	}
	if err := verifyWalletSignature(wallet, signature, challenge.Message); err != nil {
		return http.StatusUnauthorized, errors.New("invalid signature")
	}

	if err := s.challenges.MarkUsed(ctx, challengeID, now); err != nil {
		if errors.Is(err, errChallengeUsed) {
			return http.StatusUnauthorized, err
		}
		s.logger.Error("mark challenge used failed", "err", err)
		return http.StatusInternalServerError, errors.New("failed to finalize challenge")
	}
	return 0, nil
}

func (s *Service) challengeTTL() time.Duration {
	if s.cfg.ChallengeTTL <= 0 {
		return defaultChallengeTTL
	}
	return s.cfg.ChallengeTTL
}

func newID(prefix string) (string, error) {
	raw := make([]byte, 12)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return prefix + "-" + hex.EncodeToString(raw), nil
}

// memoryChallengeStore backs the memory ledger driver. Expired challenges are
// dropped whenever a new one is issued.
type memoryChallengeStore struct {
	mu    sync.Mutex
	items map[string]challengeRecord
}

func newMemoryChallengeStore() *memoryChallengeStore {
	return &memoryChallengeStore{items: map[string]challengeRecord{}}
}

func (m *memoryChallengeStore) Create(_ context.Context, challenge challengeRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, item := range m.items {
		if item.ExpiresAt <= challenge.CreatedAt {
			delete(m.items, id)
		}
	}
	m.items[challenge.ID] = challenge
	return nil
}

func (m *memoryChallengeStore) Get(_ context.Context, challengeID string) (challengeRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[challengeID]
	if !ok {
		return challengeRecord{}, errChallengeNotFound
	}
	if item.UsedAt != nil {
		usedAt := *item.UsedAt
		item.UsedAt = &usedAt
	}
	return item, nil
}

func (m *memoryChallengeStore) MarkUsed(_ context.Context, challengeID string, usedAt int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[challengeID]
	if !ok {
		return errChallengeNotFound
	}
	if item.UsedAt != nil {
		return errChallengeUsed
	}
	item.UsedAt = &usedAt
	m.items[challengeID] = item
	return nil
}

func (m *memoryChallengeStore) Close() error {
	return nil
}

// postgresChallengeStore backs the postgres ledger driver so challenges
// survive restarts and are shared between replicas.
type postgresChallengeStore struct {
	db *database.DB
}

func newPostgresChallengeStore(ctx context.Context, dsn string) (*postgresChallengeStore, error) {
	db, err := database.Open(ctx, dsn)
	if err != nil {
		return nil, err
	}
	_, err = db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS escrow_challenges (
		id TEXT PRIMARY KEY,
		wallet_pubkey TEXT NOT NULL,
		intent TEXT NOT NULL,
		message TEXT NOT NULL,
		created_at BIGINT NOT NULL,
		expires_at BIGINT NOT NULL,
		used_at BIGINT
	);`)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate challenges: %w", err)
	}
	return &postgresChallengeStore{db: db}, nil
}

func (p *postgresChallengeStore) Create(ctx context.Context, challenge challengeRecord) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM escrow_challenges WHERE expires_at <= ?`, challenge.CreatedAt)
	if err != nil {
		return fmt.Errorf("prune challenges: %w", err)
	}
	_, err = p.db.ExecContext(
		ctx,
		`INSERT INTO escrow_challenges (id, wallet_pubkey, intent, message, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		challenge.ID,
		challenge.Wallet,
		challenge.Intent,
		challenge.Message,
		challenge.CreatedAt,
		challenge.ExpiresAt,
	)
	return err
}

func (p *postgresChallengeStore) Get(ctx context.Context, challengeID string) (challengeRecord, error) {
	row := p.db.QueryRowContext(
		ctx,
		`SELECT id, wallet_pubkey, intent, message, created_at, expires_at, used_at
		 FROM escrow_challenges
		 WHERE id = ?`,
		challengeID,
	)
	var out challengeRecord
	var usedAt sql.NullInt64
	if err := row.Scan(&out.ID, &out.Wallet, &out.Intent, &out.Message, &out.CreatedAt, &out.ExpiresAt, &usedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return challengeRecord{}, errChallengeNotFound
		}
		return challengeRecord{}, err
	}
	if usedAt.Valid {
		out.UsedAt = &usedAt.Int64
	}
	return out, nil
}

func (p *postgresChallengeStore) MarkUsed(ctx context.Context, challengeID string, usedAt int64) error {
	result, err := p.db.ExecContext(
		ctx,
		`UPDATE escrow_challenges
		 SET used_at = ?
		 WHERE id = ?
		   AND used_at IS NULL`,
		usedAt,
		challengeID,
	)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return errChallengeUsed
	}
	return nil
}

func (p *postgresChallengeStore) Close() error {
	return p.db.Close()
}
