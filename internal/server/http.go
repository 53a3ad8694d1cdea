package server

import (
	"DualLedger/internal/ingestion"
	"DualLedger/internal/observability"
	"DualLedger/internal/persistence"
	"DualLedger/internal/projection"
	"DualLedger/internal/query"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// maxCommandBytes caps the POST /api/v1/commands request body. Command
// payloads are small JSON objects; anything near this limit is abuse.
const maxCommandBytes = 1 << 20

// HTTPServer serves the read API, the HTTP command gateway, admin
// endpoints, health probes, Prometheus metrics and the WebSocket event
// stream. Bulk ingestion stays on NATS; the command endpoint here is
// for operator tooling and low-volume integrations.
type HTTPServer struct {
	httpServer *http.Server
	addr       string
}

// ServerDeps holds all dependencies needed by the HTTP API.
type ServerDeps struct {
	DB            *sql.DB
	QueryService  *query.QueryService
	SnapshotMgr   *persistence.SnapshotManager
	Gateway       *ingestion.CommandGateway
	Hub           *Hub
	HealthChecker *observability.HealthChecker
	Metrics       *observability.Metrics
	Logger        zerolog.Logger
	APIToken      string
	StartTime     time.Time
}

// NewHTTPServer creates the API server with all routes registered.
// Mutating routes sit behind requireToken; with an empty APIToken the
// gate is open, which is the expected local dev setup.
func NewHTTPServer(addr string, deps *ServerDeps) *HTTPServer {
	a := &api{deps: deps}
	mux := http.NewServeMux()
	protect := requireToken(deps.APIToken)

	mux.HandleFunc("GET /api/v1/duals", a.instrument("list_duals", a.listDuals))
	mux.HandleFunc("GET /api/v1/duals/{id}", a.instrument("get_dual", a.getDual))
	mux.HandleFunc("GET /api/v1/duals/{id}/chain", a.instrument("get_chain", a.getChain))

	mux.HandleFunc("GET /api/v1/balances", a.instrument("balances", a.listBalances))
	mux.HandleFunc("GET /api/v1/users/{address}/journal", a.instrument("user_journal", a.userJournal))
	mux.HandleFunc("GET /api/v1/settlements", a.instrument("settlements", a.listSettlements))
	mux.HandleFunc("GET /api/v1/authority", a.instrument("authority", a.authority))
	mux.HandleFunc("GET /api/v1/overview", a.instrument("overview", a.overview))

	mux.Handle("POST /api/v1/commands", protect(a.instrument("submit_command", a.submitCommand)))

	mux.HandleFunc("GET /api/v1/admin/integrity", a.instrument("integrity", a.verifyIntegrity))
	mux.HandleFunc("GET /api/v1/admin/eventlog", a.instrument("eventlog", a.eventLogInfo))
	mux.Handle("POST /api/v1/admin/rebuild-balances", protect(a.instrument("rebuild_balances", a.rebuildBalances)))

	if deps.Hub != nil {
		mux.HandleFunc("GET /api/v1/events/ws", deps.Hub.HandleWS)
	}

	if deps.HealthChecker != nil {
		mux.HandleFunc("GET /healthz", deps.HealthChecker.LivenessHandler)
		mux.HandleFunc("GET /readyz", deps.HealthChecker.ReadinessHandler)
	}
	mux.Handle("GET /metrics", promhttp.Handler())

	var handler http.Handler = mux
	handler = recoverPanics(deps.Logger)(handler)
	handler = requestLogging(deps.Logger)(handler)

	return &HTTPServer{
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      handler,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		addr: addr,
	}
}

// Handler exposes the full middleware-wrapped handler, for callers
// that mount the API inside their own server and for tests.
func (s *HTTPServer) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start runs the server until ctx is cancelled (blocking).
func (s *HTTPServer) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		log.Println("INFO: HTTP server shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	log.Printf("INFO: HTTP server listening on %s", s.addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http listen: %w", err)
	}
	return nil
}

// ============================================================================
// Handlers
// ============================================================================

type api struct {
	deps *ServerDeps
}

func (a *api) getDual(w http.ResponseWriter, r *http.Request) {
	dualID, ok := parseHash(w, r.PathValue("id"), "id")
	if !ok {
		return
	}

	dual, err := a.deps.QueryService.GetDual(r.Context(), dualID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("get dual: %v", err))
		return
	}
	if dual == nil {
		writeError(w, http.StatusNotFound, "dual not found")
		return
	}

	writeJSON(w, http.StatusOK, dual)
}

func (a *api) listDuals(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var user *string
	if v := q.Get("user"); v != "" {
		if !common.IsHexAddress(v) {
			writeError(w, http.StatusBadRequest, "user is not a hex address")
			return
		}
		normalized := common.HexToAddress(v).Hex()
		user = &normalized
	}

	var chainID *uint64
	if v := q.Get("chain_id"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "chain_id is not a number")
			return
		}
		chainID = &n
	}

	var status *string
	if v := q.Get("status"); v != "" {
		switch v {
		case "live", "claimed", "replayed":
			status = &v
		default:
			writeError(w, http.StatusBadRequest, "status must be live, claimed or replayed")
			return
		}
	}

	limit := parseLimit(q.Get("limit"), 50, 500)
	after := parseCursor(q.Get("after"))

	duals, err := a.deps.QueryService.ListDuals(r.Context(), user, chainID, status, limit, after)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("list duals: %v", err))
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"duals": duals,
		"count": len(duals),
	})
}

func (a *api) getChain(w http.ResponseWriter, r *http.Request) {
	dualID, ok := parseHash(w, r.PathValue("id"), "id")
	if !ok {
		return
	}

	chain, err := a.deps.QueryService.GetChain(r.Context(), dualID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("get chain: %v", err))
		return
	}
	if len(chain) == 0 {
		writeError(w, http.StatusNotFound, "dual not found")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"chain": chain,
		"depth": len(chain),
	})
}

// listBalances serves balance rows filtered by account scope: a user
// address, the vault, or everything when no filter is given.
func (a *api) listBalances(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := parseLimit(q.Get("limit"), 100, 1000)

	prefix := ""
	switch {
	case q.Get("user") != "":
		v := q.Get("user")
		if !common.IsHexAddress(v) {
			writeError(w, http.StatusBadRequest, "user is not a hex address")
			return
		}
		prefix = fmt.Sprintf("user:%s:", common.HexToAddress(v).Hex())
	case q.Get("scope") == "vault":
		prefix = "vault:"
	case q.Get("scope") != "":
		writeError(w, http.StatusBadRequest, "scope must be vault")
		return
	}

	balances, err := a.deps.QueryService.ListBalances(r.Context(), prefix, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("list balances: %v", err))
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"balances": balances,
		"count":    len(balances),
	})
}

func (a *api) userJournal(w http.ResponseWriter, r *http.Request) {
	addr, ok := parseAddress(w, r.PathValue("address"))
	if !ok {
		return
	}

	q := r.URL.Query()
	limit := parseLimit(q.Get("limit"), 100, 500)
	after := parseCursor(q.Get("after"))

	entries, err := a.deps.QueryService.GetJournalHistory(r.Context(), addr, limit, after)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("get journal: %v", err))
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"user":     addr,
		"journals": entries,
	})
}

func (a *api) listSettlements(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var user *string
	if v := q.Get("user"); v != "" {
		if !common.IsHexAddress(v) {
			writeError(w, http.StatusBadRequest, "user is not a hex address")
			return
		}
		normalized := common.HexToAddress(v).Hex()
		user = &normalized
	}

	limit := parseLimit(q.Get("limit"), 50, 500)
	after := parseCursor(q.Get("after"))

	settlements, err := a.deps.QueryService.ListSettlements(r.Context(), user, limit, after)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("list settlements: %v", err))
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"settlements": settlements,
		"count":       len(settlements),
	})
}

func (a *api) authority(w http.ResponseWriter, r *http.Request) {
	resp, err := a.deps.QueryService.GetGovernance(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("get authority: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *api) overview(w http.ResponseWriter, r *http.Request) {
	resp, err := a.deps.QueryService.Overview(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("overview: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// submitCommandRequest is the POST /api/v1/commands body. It is the
// same signed envelope the NATS subjects carry, plus a command_type
// field standing in for the subject.
type submitCommandRequest struct {
	CommandType string          `json:"command_type"`
	Payload     json.RawMessage `json:"payload"`
	Signature   string          `json:"signature"`
}

func (a *api) submitCommand(w http.ResponseWriter, r *http.Request) {
	if a.deps.Gateway == nil {
		writeError(w, http.StatusServiceUnavailable, "command ingestion is not available")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxCommandBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "request body unreadable or too large")
		return
	}

	var req submitCommandRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	if req.CommandType == "" {
		writeError(w, http.StatusBadRequest, "command_type is required")
		return
	}
	if len(req.Payload) == 0 {
		writeError(w, http.StatusBadRequest, "payload is required")
		return
	}

	// The whole body goes through the verifier: the envelope ignores
	// command_type, and the signature covers exactly the payload bytes.
	cmd, err := a.deps.Gateway.Submit(r.Context(), req.CommandType, body)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			writeError(w, http.StatusServiceUnavailable, "command queue is not accepting commands")
			return
		}
		writeError(w, http.StatusBadRequest, fmt.Sprintf("command rejected: %v", err))
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"accepted":     true,
		"command_id":   cmd.CommandID(),
		"command_type": cmd.CommandType().String(),
	})
}

func (a *api) verifyIntegrity(w http.ResponseWriter, r *http.Request) {
	report, err := a.deps.QueryService.VerifyIntegrity(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("verify integrity: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (a *api) eventLogInfo(w http.ResponseWriter, r *http.Request) {
	latestSeq, err := a.deps.SnapshotMgr.GetLatestSequence(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("get latest sequence: %v", err))
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"last_sequence":  latestSeq,
		"uptime_seconds": int64(time.Since(a.deps.StartTime).Seconds()),
	})
}

func (a *api) rebuildBalances(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if err := projection.RebuildBalances(r.Context(), a.deps.DB); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("rebuild failed: %v", err))
		return
	}

	log.Printf("INFO: balance projection rebuilt in %s", time.Since(start))
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"rebuilt":     true,
		"duration_ms": time.Since(start).Milliseconds(),
	})
}

// ============================================================================
// Helpers
// ============================================================================

// instrument wraps a handler with request count and latency metrics.
func (a *api) instrument(endpoint string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		h(rec, r)

		if a.deps.Metrics != nil {
			a.deps.Metrics.QueryRequests.WithLabelValues(endpoint, strconv.Itoa(rec.statusCode)).Inc()
			a.deps.Metrics.QueryDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// parseHash validates a 0x-prefixed 32-byte hex id and returns it in
// canonical form. HexToHash maps garbage to the zero hash, so the raw
// string is decoded strictly first.
func parseHash(w http.ResponseWriter, raw, name string) (string, bool) {
	b, err := hexutil.Decode(raw)
	if err != nil || len(b) != common.HashLength {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("%s must be a 0x-prefixed 32-byte hash", name))
		return "", false
	}
	return common.BytesToHash(b).Hex(), true
}

// parseAddress validates a hex address path parameter and returns it
// checksummed, matching the form stored in account paths.
func parseAddress(w http.ResponseWriter, raw string) (string, bool) {
	if !common.IsHexAddress(raw) {
		writeError(w, http.StatusBadRequest, "address is not a hex address")
		return "", false
	}
	return common.HexToAddress(raw).Hex(), true
}

func parseLimit(raw string, def, max int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}

func parseCursor(raw string) *int64 {
	if raw == "" {
		return nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n <= 0 {
		return nil
	}
	return &n
}
