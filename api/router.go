package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/hxuchen/snarkOS/observability/logging"
	"github.com/hxuchen/snarkOS/p2p"
)

const (
	maxBodyBytes   = 1 << 16
	connectTimeout = 10 * time.Second
)

// Node is the subset of *p2p.Node the API drives.
type Node interface {
	Status() p2p.NetworkStatus
	Peers() []p2p.PeerRecord
	Connect(ctx context.Context, addr string) error
	SetPeerLimits(minPeers, maxPeers uint16) error
}

// Config wires the router.
type Config struct {
	Node          Node
	Logger        *slog.Logger
	Gatherer      prometheus.Gatherer
	Observability *Observability
}

type handlers struct {
	node   Node
	logger *slog.Logger
}

// ConnectRequest is the body of POST /v1/peers.
type ConnectRequest struct {
	Address string `json:"address"`
}

// LimitsRequest is the body of PUT /v1/limits.
type LimitsRequest struct {
	MinPeers *uint16 `json:"minPeers"`
	MaxPeers *uint16 `json:"maxPeers"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// NewRouter builds the operator API.
func NewRouter(cfg Config) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	h := &handlers{node: cfg.Node, logger: logger.With(slog.String("component", "api"))}
	obs := cfg.Observability
	route := func(name string) func(http.Handler) http.Handler {
		if obs == nil {
			return func(next http.Handler) http.Handler { return next }
		}
		return obs.Middleware(name)
	}

	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Route("/v1", func(v1 chi.Router) {
		v1.With(route("net")).Get("/net", h.status)
		v1.With(route("peers")).Get("/peers", h.peers)
		v1.With(route("connect")).Post("/peers", h.connect)
		v1.With(route("limits")).Get("/limits", h.limits)
		v1.With(route("limits")).Put("/limits", h.setLimits)
	})
	return otelhttp.NewHandler(r, "snarkos-api")
}

func (h *handlers) status(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.node.Status())
}

// peers lists the peer book, optionally filtered with ?status=active.
func (h *handlers) peers(w http.ResponseWriter, r *http.Request) {
	records := h.node.Peers()
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		var want p2p.ConnectionStatus
		if err := want.UnmarshalText([]byte(raw)); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		filtered := records[:0]
		for _, rec := range records {
			if rec.Status == want {
				filtered = append(filtered, rec)
			}
		}
		records = filtered
	}
	writeJSON(w, http.StatusOK, records)
}

func (h *handlers) connect(w http.ResponseWriter, r *http.Request) {
	var req ConnectRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), connectTimeout)
	defer cancel()
	if err := h.node.Connect(ctx, req.Address); err != nil {
		h.logger.Debug("connect request failed",
			logging.MaskField("peer_address", req.Address),
			slog.Any("error", err))
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) limits(w http.ResponseWriter, _ *http.Request) {
	status := h.node.Status()
	writeJSON(w, http.StatusOK, LimitsRequest{MinPeers: &status.MinPeers, MaxPeers: &status.MaxPeers})
}

func (h *handlers) setLimits(w http.ResponseWriter, r *http.Request) {
	var req LimitsRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.MinPeers == nil || req.MaxPeers == nil {
		writeError(w, http.StatusBadRequest, errors.New("minPeers and maxPeers are required"))
		return
	}
	if err := h.node.SetPeerLimits(*req.MinPeers, *req.MaxPeers); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	h.limits(w, r)
}

func decodeBody(r *http.Request, out any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(out)
}

// statusFor maps node errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, p2p.ErrInvalidConfig), errors.Is(err, p2p.ErrInvalidPayload),
		errors.Is(err, p2p.ErrSelfConnection):
		return http.StatusBadRequest
	case errors.Is(err, p2p.ErrCapacityExceeded), errors.Is(err, p2p.ErrDuplicatePeer):
		return http.StatusConflict
	case errors.Is(err, p2p.ErrNodeClosed), errors.Is(err, p2p.ErrNotListening):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, p2p.ErrConnect):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}
