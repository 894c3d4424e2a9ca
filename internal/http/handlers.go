package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"microclaw/host/internal/logging"
)

// ReadinessProvider exposes gateway state required for readiness checks.
type ReadinessProvider interface {
	SnapshotDeviceCounts() (connected, pending int)
	StartupError() error
	Uptime() time.Duration
}

// StatsFunc returns cumulative message throughput counters.
type StatsFunc func() (published, replayed uint64)

// QueueStats reports the execution queue's current load.
type QueueStats func() (inflight, groups int)

// BusStats reports the message bus's persisted state.
type BusStats func() (lastSeq uint64, rows int)

// OTATrigger starts an over-the-air update push to a device.
type OTATrigger interface {
	StartOTA(ctx context.Context, deviceID, version string) error
}

// OTATriggerFunc adapts a function into an OTATrigger.
type OTATriggerFunc func(ctx context.Context, deviceID, version string) error

// StartOTA implements OTATrigger.
func (f OTATriggerFunc) StartOTA(ctx context.Context, deviceID, version string) error {
	return f(ctx, deviceID, version)
}

// RateLimiter gates how frequently sensitive operations may be invoked.
type RateLimiter interface {
	Allow() bool
}

// Options configures the HandlerSet.
type Options struct {
	Logger      *logging.Logger
	Readiness   ReadinessProvider
	Stats       StatsFunc
	Queue       QueueStats
	Bus         BusStats
	OTA         OTATrigger
	AdminToken  string
	RateLimiter RateLimiter
	TimeSource  func() time.Time
}

// HandlerSet bundles the gateway's operational HTTP handlers: liveness,
// readiness, metrics, and admin-gated device operations.
type HandlerSet struct {
	logger      *logging.Logger
	readiness   ReadinessProvider
	stats       StatsFunc
	queue       QueueStats
	bus         BusStats
	ota         OTATrigger
	adminToken  string
	rateLimiter RateLimiter
	now         func() time.Time
}

// NewHandlerSet constructs a HandlerSet using the provided options.
func NewHandlerSet(opts Options) *HandlerSet {
	logger := opts.Logger
	if logger == nil {
		logger = logging.L()
	}
	now := opts.TimeSource
	if now == nil {
		now = time.Now
	}
	return &HandlerSet{
		logger:      logger,
		readiness:   opts.Readiness,
		stats:       opts.Stats,
		queue:       opts.Queue,
		bus:         opts.Bus,
		ota:         opts.OTA,
		adminToken:  strings.TrimSpace(opts.AdminToken),
		rateLimiter: opts.RateLimiter,
		now:         now,
	}
}

// Register attaches all handlers to the provided mux.
func (h *HandlerSet) Register(mux *http.ServeMux) {
	if mux == nil {
		return
	}
	mux.HandleFunc("/livez", h.LivenessHandler())
	mux.HandleFunc("/readyz", h.ReadinessHandler())
	mux.HandleFunc("/metrics", h.MetricsHandler())
	if h.ota != nil {
		mux.HandleFunc("/admin/ota/start", h.OTAStartHandler())
	}
}

// LivenessHandler reports that the HTTP server is reachable.
func (h *HandlerSet) LivenessHandler() http.HandlerFunc {
	type response struct {
		Status    string `json:"status"`
		Timestamp string `json:"timestamp"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, response{
			Status:    "alive",
			Timestamp: h.now().UTC().Format(time.RFC3339Nano),
		})
	}
}

// ReadinessHandler reports gateway readiness, including device counts and startup status.
func (h *HandlerSet) ReadinessHandler() http.HandlerFunc {
	type response struct {
		Status         string  `json:"status"`
		Message        string  `json:"message,omitempty"`
		UptimeSeconds  float64 `json:"uptime_seconds"`
		Connected      int     `json:"connected_devices"`
		PendingDevices int     `json:"pending_devices"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		resp := response{Status: "ok"}
		if h.readiness != nil {
			connected, pending := h.readiness.SnapshotDeviceCounts()
			resp.Connected = connected
			resp.PendingDevices = pending
			resp.UptimeSeconds = h.readiness.Uptime().Seconds()
			if err := h.readiness.StartupError(); err != nil {
				status = http.StatusServiceUnavailable
				resp.Status = "error"
				resp.Message = err.Error()
			}
		}
		writeJSON(w, status, resp)
	}
}

// MetricsHandler emits Prometheus compatible text metrics.
func (h *HandlerSet) MetricsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")

		uptime := 0.0
		connected, pending := 0, 0
		if h.readiness != nil {
			connected, pending = h.readiness.SnapshotDeviceCounts()
			uptime = h.readiness.Uptime().Seconds()
		}
		fmt.Fprintf(w, "# HELP microclaw_gateway_uptime_seconds Gateway uptime in seconds.\n")
		fmt.Fprintf(w, "# TYPE microclaw_gateway_uptime_seconds gauge\n")
		fmt.Fprintf(w, "microclaw_gateway_uptime_seconds %.0f\n", uptime)

		fmt.Fprintf(w, "# HELP microclaw_gateway_connected_devices Current connected device transports.\n")
		fmt.Fprintf(w, "# TYPE microclaw_gateway_connected_devices gauge\n")
		fmt.Fprintf(w, "microclaw_gateway_connected_devices %d\n", connected)

		fmt.Fprintf(w, "# HELP microclaw_gateway_pending_devices Pending device handshakes awaiting upgrade.\n")
		fmt.Fprintf(w, "# TYPE microclaw_gateway_pending_devices gauge\n")
		fmt.Fprintf(w, "microclaw_gateway_pending_devices %d\n", pending)

		if h.stats != nil {
			published, replayed := h.stats()
			fmt.Fprintf(w, "# HELP microclaw_bus_messages_published_total Transport messages published to the bus.\n")
			fmt.Fprintf(w, "# TYPE microclaw_bus_messages_published_total counter\n")
			fmt.Fprintf(w, "microclaw_bus_messages_published_total %d\n", published)
			fmt.Fprintf(w, "# HELP microclaw_bus_messages_replayed_total Transport messages served from replay.\n")
			fmt.Fprintf(w, "# TYPE microclaw_bus_messages_replayed_total counter\n")
			fmt.Fprintf(w, "microclaw_bus_messages_replayed_total %d\n", replayed)
		}
		if h.bus != nil {
			lastSeq, rows := h.bus()
			fmt.Fprintf(w, "# HELP microclaw_bus_last_seq Highest sequence number assigned by the bus.\n")
			fmt.Fprintf(w, "# TYPE microclaw_bus_last_seq counter\n")
			fmt.Fprintf(w, "microclaw_bus_last_seq %d\n", lastSeq)
			fmt.Fprintf(w, "# HELP microclaw_bus_rows Rows currently retained by the bus store.\n")
			fmt.Fprintf(w, "# TYPE microclaw_bus_rows gauge\n")
			fmt.Fprintf(w, "microclaw_bus_rows %d\n", rows)
		}
		if h.queue != nil {
			inflight, groups := h.queue()
			fmt.Fprintf(w, "# HELP microclaw_queue_inflight Items currently executing.\n")
			fmt.Fprintf(w, "# TYPE microclaw_queue_inflight gauge\n")
			fmt.Fprintf(w, "microclaw_queue_inflight %d\n", inflight)
			fmt.Fprintf(w, "# HELP microclaw_queue_groups Distinct groups with queued work.\n")
			fmt.Fprintf(w, "# TYPE microclaw_queue_groups gauge\n")
			fmt.Fprintf(w, "microclaw_queue_groups %d\n", groups)
		}
	}
}

// OTAStartHandler authorises and triggers an over-the-air update push.
func (h *HandlerSet) OTAStartHandler() http.HandlerFunc {
	type request struct {
		DeviceID string `json:"device_id"`
		Version  string `json:"version"`
	}
	type response struct {
		Status string `json:"status"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		reqLogger := h.logger.With(
			logging.String("handler", "ota_start"),
			logging.String("remote_addr", r.RemoteAddr),
		)
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if h.adminToken == "" {
			reqLogger.Warn("ota start denied: admin auth disabled")
			http.Error(w, "admin authentication not configured", http.StatusForbidden)
			return
		}
		if !h.authorise(r) {
			reqLogger.Warn("ota start denied: unauthorized request")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		if h.rateLimiter != nil && !h.rateLimiter.Allow() {
			reqLogger.Warn("ota start denied: rate limit exceeded")
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}
		var req request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DeviceID == "" || req.Version == "" {
			reqLogger.Warn("ota start denied: invalid payload")
			http.Error(w, "invalid request payload", http.StatusBadRequest)
			return
		}
		if err := h.ota.StartOTA(r.Context(), req.DeviceID, req.Version); err != nil {
			reqLogger.Error("ota start failed", logging.Error(err))
			http.Error(w, "failed to start ota update", http.StatusInternalServerError)
			return
		}
		reqLogger.Info("ota update started",
			logging.String("device_id", req.DeviceID),
			logging.String("version", req.Version))
		writeJSON(w, http.StatusAccepted, response{Status: "accepted"})
	}
}

func (h *HandlerSet) authorise(r *http.Request) bool {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	var token string
	if len(header) > 7 && strings.EqualFold(header[:7], "Bearer ") {
		token = strings.TrimSpace(header[7:])
	} else if header != "" {
		token = header
	}
	if token == "" {
		token = strings.TrimSpace(r.Header.Get("X-Admin-Token"))
	}
	if token == "" {
		token = strings.TrimSpace(r.URL.Query().Get("token"))
	}
	if token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(h.adminToken)) == 1
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if status != http.StatusOK {
		w.WriteHeader(status)
	}
	_ = json.NewEncoder(w).Encode(payload)
}
