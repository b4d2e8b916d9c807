package apiserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/coldbell/escrow/backend/internal/config"
	"github.com/coldbell/escrow/backend/internal/escrow"
	"github.com/coldbell/escrow/backend/internal/ledger"
	"github.com/coldbell/escrow/backend/internal/metrics"
	"github.com/coldbell/escrow/backend/internal/tokenprog"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Service struct {
	cfg              config.APIServerConfig
	logger           *slog.Logger
	store            ledger.Store
	tokens           *tokenprog.Program
	program          *escrow.Program
	hub              *eventHub
	challenges       challengeStore
	metrics          *metrics.EscrowMetrics
	now              func() time.Time
	allowAllOrigins  bool
	allowedOriginSet map[string]struct{}
}

func New(cfg config.APIServerConfig, logger *slog.Logger) (*Service, error) {
	ctx := context.Background()
	store, err := ledger.Open(ctx, cfg.Ledger)
	if err != nil {
		return nil, fmt.Errorf("init ledger: %w", err)
	}

	var challenges challengeStore = newMemoryChallengeStore()
	if cfg.Ledger.Driver == config.LedgerDriverPostgres {
		if challenges, err = newPostgresChallengeStore(ctx, cfg.Ledger.DBDSN); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("init challenge store: %w", err)
		}
	}

	svc, err := newService(cfg, logger, store, challenges)
	if err != nil {
		_ = challenges.Close()
		_ = store.Close()
		return nil, err
	}
	return svc, nil
}

func newService(cfg config.APIServerConfig, logger *slog.Logger, store ledger.Store, challenges challengeStore) (*Service, error) {
	rent := ledger.Rent{LamportsPerByteYear: cfg.Ledger.LamportsPerByteYear}
	tokens := tokenprog.New(cfg.Escrow.TokenProgramID, rent)
	program, err := escrow.New(cfg.Escrow, store, tokens)
	if err != nil {
		return nil, fmt.Errorf("init escrow program: %w", err)
	}

	m := metrics.Escrow()
	hub := newEventHub(m)
	program.SetRent(rent)
	program.SetLogger(logger)
	program.SetEmitter(escrow.MultiEmitter{m, hub})

	allowAllOrigins := false
	allowedOriginSet := make(map[string]struct{}, len(cfg.AllowedOrigins))
	for _, origin := range cfg.AllowedOrigins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		if trimmed == "*" {
			allowAllOrigins = true
			continue
		}
		allowedOriginSet[trimmed] = struct{}{}
	}
	if len(allowedOriginSet) == 0 && !allowAllOrigins {
		allowAllOrigins = true
	}

	return &Service{
		cfg:              cfg,
		logger:           logger,
		store:            store,
		tokens:           tokens,
		program:          program,
		hub:              hub,
		challenges:       challenges,
		metrics:          m,
		now:              time.Now,
		allowAllOrigins:  allowAllOrigins,
		allowedOriginSet: allowedOriginSet,
	}, nil
}

// Handler is the full HTTP surface of the service, CORS included.
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/api/v1/challenges", s.handleChallenge)
	mux.HandleFunc("/api/v1/offers", s.handleOffers)
	mux.HandleFunc("/api/v1/offers/settle", s.handleSettle)
	mux.HandleFunc("/api/v1/offers/", s.handleOfferByAddress)
	if s.cfg.FaucetEnabled {
		mux.HandleFunc("/api/v1/faucet", s.handleFaucet)
	}
	mux.HandleFunc("/ws", s.handleWebsocket)
	return s.withCORS(mux)
}

func (s *Service) Run(ctx context.Context) error {
	defer func() {
		if err := s.challenges.Close(); err != nil {
			s.logger.Error("failed to close challenge store", "err", err)
		}
		if err := s.store.Close(); err != nil {
			s.logger.Error("failed to close ledger", "err", err)
		}
	}()

	server := &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		err := server.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			errCh <- nil
			return
		}
		errCh <- err
	}()

	s.logger.Info("api-server started",
		"listen_addr", s.cfg.ListenAddr,
		"ledger_driver", s.cfg.Ledger.Driver,
		"program_id", s.cfg.Escrow.ProgramID.String(),
		"token_program_id", s.cfg.Escrow.TokenProgramID.String(),
		"faucet", s.cfg.FaucetEnabled,
		"allowed_origins", strings.Join(s.cfg.AllowedOrigins, ","),
	)

	select {
	case <-ctx.Done():
		s.logger.Info("api-server stopping")
		s.hub.Close()
		if err := server.Shutdown(context.Background()); err != nil {
			return fmt.Errorf("shutdown api-server: %w", err)
		}
		return <-errCh
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen and serve: %w", err)
		}
		return nil
	}
}

type listResponse[T any] struct {
	Items []T `json:"items"`
}

type healthResponse struct {
	OK bool `json:"ok"`
}

type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondMethodNotAllowed(w)
		return
	}
	s.respondJSON(w, http.StatusOK, healthResponse{OK: true})
}

func (s *Service) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		if origin != "" {
			allowed := s.allowAllOrigins
			if !allowed {
				_, allowed = s.allowedOriginSet[origin]
			}

			if allowed {
				if s.allowAllOrigins {
					w.Header().Set("Access-Control-Allow-Origin", "*")
				} else {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Add("Vary", "Origin")
				}
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
				w.Header().Set("Access-Control-Max-Age", "300")
			}
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Service) isOriginAllowed(origin string) bool {
	if origin == "" {
		return true
	}
	if s.allowAllOrigins {
		return true
	}
	_, ok := s.allowedOriginSet[origin]
	return ok
}

func parseOptionalUint64(r *http.Request, key string) (*uint64, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return nil, nil
	}
	value, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %w", key, err)
	}
	return &value, nil
}

func decodeJSONBody(r *http.Request, destination any) error {
	if r.Body == nil {
		return fmt.Errorf("request body is required")
	}
	defer r.Body.Close()

	decoder := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(destination); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	var extra json.RawMessage
	if err := decoder.Decode(&extra); err != io.EOF {
		return fmt.Errorf("invalid request body: multiple JSON values")
	}
	return nil
}

// respondEscrowError maps an escrow failure to its HTTP status. Kinds that
// are not escrow rejections are logged and hidden behind a generic message.
func (s *Service) respondEscrowError(w http.ResponseWriter, action string, err error) {
	kind := escrow.KindOf(err)
	var code int
	switch kind {
	case escrow.KindAccountNotFound:
		code = http.StatusNotFound
	case escrow.KindAccountAlreadyExists, escrow.KindTransferFailure, escrow.KindCloseFailure:
		code = http.StatusConflict
	case escrow.KindDerivationMismatch, escrow.KindConstraintViolation:
		code = http.StatusUnprocessableEntity
	case escrow.KindInvalidInstruction:
		code = http.StatusBadRequest
	default:
		s.logger.Error(action+" failed", "err", err)
		s.respondError(w, http.StatusInternalServerError, "failed to "+action)
		return
	}
	s.respondJSON(w, code, errorResponse{Error: err.Error(), Kind: string(kind)})
}

func (s *Service) respondMethodNotAllowed(w http.ResponseWriter) {
	s.respondError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (s *Service) respondError(w http.ResponseWriter, code int, message string) {
	s.respondJSON(w, code, errorResponse{Error: message})
}

func (s *Service) respondJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("failed to write JSON response", "err", err)
	}
}
