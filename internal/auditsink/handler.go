package auditsink

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/park285/coin-bridge/internal/metrics"
	"github.com/park285/coin-bridge/internal/obslog"
	"github.com/park285/coin-bridge/internal/wallet"
	"github.com/park285/coin-bridge/pkg/walletdto"
)

const (
	defaultQueryLimit = 20
	maxQueryLimit     = 100
)

// Handler serves the audit ingestion and query API.
type Handler struct {
	store  Store
	secret []byte
	feed   *Feed
	mux    *http.ServeMux
	now    func() time.Time
}

// New wires all routes and returns the root handler.
func New(store Store, secret []byte, feed *Feed) http.Handler {
	h := &Handler{store: store, secret: secret, feed: feed, mux: http.NewServeMux(), now: time.Now}

	h.mux.HandleFunc("POST /log/transactions", h.ingest)
	h.mux.HandleFunc("GET /log/transactions", h.query)
	h.mux.HandleFunc("GET /health", h.health)
	h.mux.Handle("GET /metrics", promhttp.Handler())
	if feed != nil {
		h.mux.HandleFunc("GET /ws/feed", feed.Serve)
	}

	return loggingMiddleware(h.mux)
}

// ingest verifies, dedupes and persists one webhook delivery.
func (h *Handler) ingest(w http.ResponseWriter, r *http.Request) {
	var req walletdto.IngestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		metrics.SinkIngested.WithLabelValues("malformed").Inc()
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Payload == nil {
		metrics.SinkIngested.WithLabelValues("malformed").Inc()
		writeError(w, http.StatusBadRequest, "payload is required")
		return
	}

	key := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if key == "" {
		key = strings.TrimSpace(req.IdempotencyKey)
	}
	if key == "" {
		metrics.SinkIngested.WithLabelValues("missing_key").Inc()
		writeError(w, http.StatusBadRequest, "Idempotency-Key is required")
		return
	}

	sig := strings.TrimSpace(r.Header.Get("X-Signature"))
	if sig == "" {
		sig = strings.TrimSpace(req.Signature)
	}
	if sig == "" {
		metrics.SinkIngested.WithLabelValues("unsigned").Inc()
		writeError(w, http.StatusUnauthorized, "X-Signature is required")
		return
	}

	ok, err := wallet.VerifySignature(req.Payload, h.secret, sig)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "signature check failed")
		return
	}
	if !ok {
		metrics.SinkIngested.WithLabelValues("bad_signature").Inc()
		obslog.L().Warn("ingest_bad_signature", zap.String("txn_id", req.Payload.TxnID))
		writeError(w, http.StatusUnauthorized, "signature mismatch")
		return
	}

	payloadHash, err := wallet.PayloadHash(req.Payload)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "payload hash failed")
		return
	}

	row := Row{
		TxnID:     req.Payload.TxnID,
		UserID:    req.Payload.UserID,
		Delta:     req.Payload.Delta,
		Actor:     req.Payload.Actor,
		Source:    string(req.Payload.Source),
		Reason:    req.Payload.Reason,
		CreatedAt: h.now().UTC(),
	}

	deduped, err := h.store.Ingest(r.Context(), key, payloadHash, row)
	if err == ErrKeyConflict {
		metrics.SinkIngested.WithLabelValues("key_conflict").Inc()
		writeError(w, http.StatusConflict, "Idempotency key conflict")
		return
	}
	if err != nil {
		metrics.SinkIngested.WithLabelValues("store_error").Inc()
		obslog.L().Error("ingest_store_failed", zap.String("txn_id", row.TxnID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "persist failed")
		return
	}

	if deduped {
		metrics.SinkIngested.WithLabelValues("deduped").Inc()
	} else {
		metrics.SinkIngested.WithLabelValues("accepted").Inc()
		obslog.L().Info("ingest_accepted",
			zap.String("txn_id", row.TxnID),
			zap.String("user_id", row.UserID),
			zap.Int64("delta", row.Delta))
		if h.feed != nil {
			h.feed.Broadcast(row.toDTO())
		}
	}
	writeJSON(w, http.StatusOK, walletdto.IngestResponse{Accepted: true, Deduped: deduped})
}

// query returns the latest rows, newest first, optionally per user.
func (h *Handler) query(w http.ResponseWriter, r *http.Request) {
	limit := defaultQueryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	if limit > maxQueryLimit {
		limit = maxQueryLimit
	}

	rows, err := h.store.Recent(r.Context(), r.URL.Query().Get("userId"), limit)
	if err != nil {
		obslog.L().Error("query_failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	out := make([]walletdto.AuditRow, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toDTO())
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, walletdto.HealthResponse{
		Status:    "ok",
		Timestamp: h.now().UTC().Format(time.RFC3339),
	})
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		obslog.L().Debug("http_request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("took", time.Since(start)))
	})
}
