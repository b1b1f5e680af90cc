package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"remitrails/internal/apperr"
	"remitrails/internal/auth"
	"remitrails/internal/config"
	"remitrails/internal/confirm"
	"remitrails/internal/disburse"
	"remitrails/internal/dlq"
	"remitrails/internal/escrow"
	"remitrails/internal/metrics"
	"remitrails/internal/records"
	"remitrails/internal/retry"
)

// Deps are the collaborators the HTTP surface drives.
type Deps struct {
	Client        escrow.Client
	Escrows       *records.Store
	Disbursements *records.Store
	Watcher       *disburse.Watcher
	DLQ           *dlq.Queue
	Metrics       *metrics.Registry
	Logger        *slog.Logger
	// Confirm is the template for every confirmation session.
	Confirm confirm.Options

	StoreHealth func(context.Context) error
	RPCHealth   func(context.Context) error
}

type Server struct {
	cfg        *config.AppConfig
	deps       Deps
	log        *slog.Logger
	intake     *auth.Verifier
	httpServer *http.Server

	// baseCtx outlives individual requests; sessions run under it.
	baseCtx context.Context

	mu       sync.Mutex
	sessions map[string]*session
	retries  retry.Debouncer[confirm.State]
}

// session is one confirmation run. settledAt is set when its goroutines are
// first seen finished and cleared again if a retry restarts it.
type session struct {
	o         *confirm.Orchestrator
	settledAt time.Time
}

func NewServer(ctx context.Context, cfg *config.AppConfig, deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Confirm.Logger == nil {
		deps.Confirm.Logger = deps.Logger
	}
	if deps.Confirm.Metrics == nil {
		deps.Confirm.Metrics = deps.Metrics
	}

	s := &Server{
		cfg:  cfg,
		deps: deps,
		log:  deps.Logger,
		intake: &auth.Verifier{
			Secret:  cfg.Service.IntakeSecret,
			MaxSkew: cfg.Service.HMACClockSkew,
		},
		baseCtx:  ctx,
		sessions: make(map[string]*session),
	}
	if !s.intake.Enabled() {
		s.log.Warn("payment status intake disabled; set INTAKE_HMAC_SECRET to enable it")
	}
	go s.reapSessions(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/confirmations", s.handleStartConfirmation)
	mux.HandleFunc("GET /api/v1/confirmations/{id}", s.handleGetConfirmation)
	mux.HandleFunc("POST /api/v1/confirmations/{id}/retry", s.handleRetryConfirmation)
	mux.HandleFunc("POST /api/v1/confirmations/{id}/stop", s.handleStopConfirmation)
	mux.Handle("POST /api/v1/payment-status", s.intake.Middleware(http.HandlerFunc(s.handlePaymentStatus)))
	mux.HandleFunc("GET /api/v1/payment-status/{id}", s.handleGetTrigger)
	mux.HandleFunc("GET /api/v1/escrows", s.handleList(deps.Escrows))
	mux.HandleFunc("GET /api/v1/disbursements", s.handleList(deps.Disbursements))
	mux.HandleFunc("GET /api/v1/dlq", s.handleDLQ)
	mux.Handle("GET /api/v1/metrics", deps.Metrics.Handler())
	mux.HandleFunc("GET /api/v1/health", s.handleHealth)

	s.httpServer = &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Service.HTTPPort),
		Handler:           requestIDMiddleware(mux),
		ReadHeaderTimeout: 15 * time.Second,
	}
	return s
}

func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

func (s *Server) Start() error {
	s.log.Info("API listening", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown stops accepting requests and stops every confirmation session.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	s.mu.Lock()
	for _, sess := range s.sessions {
		sess.o.Stop()
	}
	s.mu.Unlock()
	return err
}

func (s *Server) reapSessions(ctx context.Context) {
	interval := s.sessionTTL() / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.reap(now)
		}
	}
}

// reap drops sessions that have been finished for longer than the TTL.
func (s *Server) reap(now time.Time) int {
	ttl := s.sessionTTL()
	s.mu.Lock()
	defer s.mu.Unlock()
	evicted := 0
	for id, sess := range s.sessions {
		select {
		case <-sess.o.Done():
		default:
			sess.settledAt = time.Time{}
			continue
		}
		if sess.settledAt.IsZero() {
			sess.settledAt = now
			continue
		}
		if now.Sub(sess.settledAt) >= ttl {
			delete(s.sessions, id)
			evicted++
		}
	}
	if evicted > 0 {
		s.log.Debug("evicted finished confirmation sessions", "count", evicted, "remaining", len(s.sessions))
	}
	return evicted
}

func (s *Server) sessionTTL() time.Duration {
	if s.cfg.Service.SessionTTL > 0 {
		return s.cfg.Service.SessionTTL
	}
	return 15 * time.Minute
}

type fundingRequest struct {
	SenderPhone    string `json:"senderPhone"`
	RecipientPhone string `json:"recipientPhone"`
	RecipientName  string `json:"recipientName"`
	Category       string `json:"category"`
	AmountKes      string `json:"amountKes"`
	Memo           string `json:"memo"`
}

type confirmationResponse struct {
	ID    string        `json:"id"`
	State confirm.State `json:"state"`
}

func (s *Server) handleStartConfirmation(w http.ResponseWriter, r *http.Request) {
	var payload fundingRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid json payload", http.StatusBadRequest)
		return
	}
	req, err := validateFundingRequest(payload)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	id := uuid.NewString()
	o := confirm.New(s.deps.Client, s.deps.Escrows, s.deps.Confirm)
	if err := o.Start(s.baseCtx, req); err != nil {
		http.Error(w, "service is shutting down", http.StatusServiceUnavailable)
		return
	}
	s.mu.Lock()
	s.sessions[id] = &session{o: o}
	s.mu.Unlock()

	s.log.Info("confirmation started", "session_id", id, "category", req.Category)
	writeJSON(w, http.StatusAccepted, confirmationResponse{ID: id, State: o.State()})
}

func validateFundingRequest(p fundingRequest) (escrow.FundingIntentRequest, error) {
	if strings.TrimSpace(p.SenderPhone) == "" {
		return escrow.FundingIntentRequest{}, errors.New("senderPhone is required")
	}
	if strings.TrimSpace(p.RecipientPhone) == "" {
		return escrow.FundingIntentRequest{}, errors.New("recipientPhone is required")
	}
	if strings.TrimSpace(p.Category) == "" {
		return escrow.FundingIntentRequest{}, errors.New("category is required")
	}
	amount, err := decimal.NewFromString(p.AmountKes)
	if err != nil || !amount.IsPositive() {
		return escrow.FundingIntentRequest{}, errors.New("amountKes must be a positive decimal")
	}
	return escrow.FundingIntentRequest{
		SenderPhone:    p.SenderPhone,
		RecipientPhone: p.RecipientPhone,
		RecipientName:  p.RecipientName,
		Category:       p.Category,
		AmountKes:      amount,
		Memo:           p.Memo,
	}, nil
}

func (s *Server) session(w http.ResponseWriter, r *http.Request) (string, *confirm.Orchestrator, bool) {
	id := r.PathValue("id")
	s.mu.Lock()
	sess, ok := s.sessions[id]
	s.mu.Unlock()
	if !ok {
		http.Error(w, "confirmation not found", http.StatusNotFound)
		return id, nil, false
	}
	return id, sess.o, true
}

func (s *Server) handleGetConfirmation(w http.ResponseWriter, r *http.Request) {
	id, o, ok := s.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, confirmationResponse{ID: id, State: o.State()})
}

// handleRetryConfirmation collapses concurrent retry clicks for one session
// into a single retry.
func (s *Server) handleRetryConfirmation(w http.ResponseWriter, r *http.Request) {
	id, o, ok := s.session(w, r)
	if !ok {
		return
	}
	st, err := s.retries.Do(r.Context(), id, func(context.Context) (confirm.State, error) {
		if err := o.Retry(s.baseCtx); err != nil {
			return confirm.State{}, err
		}
		return o.State(), nil
	}, retry.Once())
	if errors.Is(err, confirm.ErrRetryNotAllowed) {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusAccepted, confirmationResponse{ID: id, State: st})
}

func (s *Server) handleStopConfirmation(w http.ResponseWriter, r *http.Request) {
	id, o, ok := s.session(w, r)
	if !ok {
		return
	}
	o.Stop()
	writeJSON(w, http.StatusOK, confirmationResponse{ID: id, State: o.State()})
}

type triggerResponse struct {
	PaymentID       string `json:"paymentId"`
	Fired           bool   `json:"fired"`
	IsTriggering    bool   `json:"isTriggering"`
	Error           string `json:"error,omitempty"`
	UserMessage     string `json:"userMessage,omitempty"`
	TransactionCode string `json:"transactionCode,omitempty"`
}

func newTriggerResponse(id string, fired bool, st disburse.State) triggerResponse {
	resp := triggerResponse{
		PaymentID:       id,
		Fired:           fired,
		IsTriggering:    st.IsTriggering,
		TransactionCode: st.TransactionCode,
	}
	if st.Err != nil {
		resp.Error = st.Err.Error()
		resp.UserMessage = apperr.Classify(st.Err).UserMessage
	}
	return resp
}

type statusNotification struct {
	PaymentID string `json:"paymentId"`
}

// handlePaymentStatus takes a signed notification that a payment changed and
// re-reads the payment from the backend. Only the payment ID is taken from
// the request body.
func (s *Server) handlePaymentStatus(w http.ResponseWriter, r *http.Request) {
	var note statusNotification
	if err := json.NewDecoder(r.Body).Decode(&note); err != nil {
		http.Error(w, "invalid json payload", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(note.PaymentID) == "" {
		http.Error(w, "paymentId is required", http.StatusBadRequest)
		return
	}

	payment, err := s.deps.Client.PaymentRequest(r.Context(), note.PaymentID)
	if err != nil {
		info := apperr.Classify(err)
		s.log.Warn("payment status lookup failed", "payment_id", note.PaymentID, "category", info.Category, "error", err)
		status := http.StatusBadGateway
		if info.Category == apperr.CategoryNotFound {
			status = http.StatusNotFound
		}
		http.Error(w, info.UserMessage, status)
		return
	}
	snap := disburse.SnapshotFrom(payment)
	snap.PaymentID = note.PaymentID

	fired, err := s.deps.Watcher.Observe(r.Context(), snap)
	resp := newTriggerResponse(snap.PaymentID, fired, s.deps.Watcher.State(snap.PaymentID))
	if errors.Is(err, disburse.ErrMissingRecipientPhone) {
		writeJSON(w, http.StatusUnprocessableEntity, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetTrigger(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	writeJSON(w, http.StatusOK, newTriggerResponse(id, false, s.deps.Watcher.State(id)))
}

func (s *Server) handleList(store *records.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if store == nil {
			writeJSON(w, http.StatusOK, []records.Record{})
			return
		}
		list, err := store.List(r.Context())
		if err != nil {
			s.log.Error("list records failed", "error", err)
			http.Error(w, "failed to read records", http.StatusInternalServerError)
			return
		}
		if list == nil {
			list = []records.Record{}
		}
		writeJSON(w, http.StatusOK, list)
	}
}

func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	entries, err := s.deps.DLQ.List()
	if err != nil {
		http.Error(w, "failed to read dlq", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []dlq.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	overallHealthy := true

	rpcInfo := struct {
		Configured bool    `json:"configured"`
		Connected  bool    `json:"connected"`
		LatencyMs  float64 `json:"latency_ms"`
		Error      string  `json:"error,omitempty"`
	}{}

	if s.deps.RPCHealth != nil {
		rpcInfo.Configured = true
		start := time.Now()
		rpcCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := s.deps.RPCHealth(rpcCtx); err != nil {
			rpcInfo.Error = err.Error()
			overallHealthy = false
		} else {
			rpcInfo.Connected = true
			rpcInfo.LatencyMs = float64(time.Since(start).Microseconds()) / 1000.0
		}
	}

	storeInfo := struct {
		Connected bool   `json:"connected"`
		Error     string `json:"error,omitempty"`
	}{Connected: true}

	if s.deps.StoreHealth != nil {
		dbCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := s.deps.StoreHealth(dbCtx); err != nil {
			storeInfo.Connected = false
			storeInfo.Error = err.Error()
			overallHealthy = false
		}
	}

	queueDepth := s.deps.DLQ.UpdateDepth()

	s.mu.Lock()
	sessions := len(s.sessions)
	s.mu.Unlock()

	status := "healthy"
	if !overallHealthy {
		status = "degraded"
	}

	resp := struct {
		Status     string `json:"status"`
		RPC        any    `json:"rpc"`
		Store      any    `json:"store"`
		QueueDepth int    `json:"queue_depth"`
		Sessions   int    `json:"sessions"`
	}{
		Status:     status,
		RPC:        rpcInfo,
		Store:      storeInfo,
		QueueDepth: queueDepth,
		Sessions:   sessions,
	}

	code := http.StatusOK
	if !overallHealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
			r.Header.Set("X-Request-Id", id)
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r)
	})
}
