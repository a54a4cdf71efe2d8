// Package api exposes the PIN cache and the telemetry caches over a small
// JSON HTTP interface.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/developingchet/fwconsole/internal/device"
	"github.com/developingchet/fwconsole/internal/logcache"
	"github.com/developingchet/fwconsole/internal/metrics"
	"github.com/developingchet/fwconsole/internal/pincache"
	"github.com/developingchet/fwconsole/internal/poller"
	"github.com/developingchet/fwconsole/internal/trafficcache"
	"github.com/rs/zerolog"
)

// Device is the subset of the device client the API calls directly.
type Device interface {
	Ping(ctx context.Context) error
	InterfaceNames(ctx context.Context) ([]string, error)
}

// Config carries the defaults applied when a request leaves them out.
type Config struct {
	LogPollInterval     time.Duration
	TrafficPollInterval time.Duration
	ProbeTimeout        time.Duration // bound on /readyz and /v1/interfaces device calls
}

// Server routes HTTP requests to the caches. It holds no state of its own.
type Server struct {
	cfg     Config
	pin     *pincache.Cache
	logs    *logcache.Cache
	traffic *trafficcache.Cache
	dev     Device
	log     zerolog.Logger
	mux     *http.ServeMux
}

// New builds a Server and registers its routes.
func New(cfg Config, pin *pincache.Cache, logs *logcache.Cache, traffic *trafficcache.Cache,
	dev Device, log zerolog.Logger) *Server {
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 10 * time.Second
	}
	s := &Server{
		cfg:     cfg,
		pin:     pin,
		logs:    logs,
		traffic: traffic,
		dev:     dev,
		log:     log,
		mux:     http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.handle("GET /healthz", "healthz", s.handleHealthz)
	s.handle("GET /readyz", "readyz", s.handleReadyz)

	s.handle("GET /v1/pin", "pin_status", s.handlePinStatus)
	s.handle("PUT /v1/pin", "pin_set", s.handlePinSet)
	s.handle("DELETE /v1/pin", "pin_clear", s.handlePinClear)
	s.handle("POST /v1/pin/verify", "pin_verify", s.handlePinVerify)

	s.handle("GET /v1/logs", "logs_get", s.handleLogsGet)
	s.handle("DELETE /v1/logs", "logs_clear", s.handleLogsClear)
	s.handle("GET /v1/logs/filters", "logs_filters_get", s.handleLogsFiltersGet)
	s.handle("PUT /v1/logs/filters", "logs_filters_put", s.handleLogsFiltersPut)
	s.handle("POST /v1/logs/polling", "logs_poll_start", s.handleLogsPollStart)
	s.handle("DELETE /v1/logs/polling", "logs_poll_stop", s.handleLogsPollStop)
	s.handle("POST /v1/logs/refresh", "logs_refresh", s.handleLogsRefresh)
	s.handle("GET /v1/logs/status", "logs_status", s.handleLogsStatus)
	s.handle("GET /v1/logs/interfaces", "logs_interfaces", s.handleLogsInterfaces)

	s.handle("GET /v1/traffic/top", "traffic_top", s.handleTrafficTop)
	s.handle("GET /v1/traffic/interfaces", "traffic_interfaces", s.handleTrafficInterfaces)
	s.handle("GET /v1/traffic/status", "traffic_status", s.handleTrafficStatus)
	s.handle("GET /v1/traffic/iface/{iface}", "traffic_current", s.handleTrafficCurrent)
	s.handle("GET /v1/traffic/iface/{iface}/series", "traffic_series", s.handleTrafficSeries)
	s.handle("DELETE /v1/traffic", "traffic_clear", s.handleTrafficClear)
	s.handle("POST /v1/traffic/polling", "traffic_poll_start", s.handleTrafficPollStart)
	s.handle("DELETE /v1/traffic/polling", "traffic_poll_stop", s.handleTrafficPollStop)
	s.handle("POST /v1/traffic/refresh", "traffic_refresh", s.handleTrafficRefresh)

	s.handle("GET /v1/interfaces", "interfaces", s.handleInterfaces)
	s.handle("POST /v1/logout", "logout", s.handleLogout)
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// statusRecorder captures the status code for metrics and logging.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) handle(pattern, name string, h http.HandlerFunc) {
	s.mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		h(rec, r)
		elapsed := time.Since(start)
		metrics.HTTPRequests.WithLabelValues(name, statusClass(rec.status)).Inc()
		s.log.Debug().Str("method", r.Method).Str("path", r.URL.Path).
			Int("status", rec.status).Dur("elapsed", elapsed).Msg("api request")
	})
}

func statusClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}

// errorBody is the JSON shape of every non-2xx response.
type errorBody struct {
	Error       string     `json:"error"`
	Kind        string     `json:"kind,omitempty"`
	Attempts    uint       `json:"attempts,omitempty"`
	Remaining   *uint      `json:"remaining,omitempty"`
	LockedUntil *time.Time `json:"locked_until,omitempty"`
}

// errBadRequest marks client input errors.
type errBadRequest struct{ msg string }

func (e *errBadRequest) Error() string { return e.msg }

func badRequest(msg string) error { return &errBadRequest{msg: msg} }

// writeError maps domain errors to status codes.
func writeError(w http.ResponseWriter, err error) {
	var (
		locked   *pincache.ErrLocked
		mismatch *pincache.ErrMismatch
		fetch    *device.FetchError
		bad      *errBadRequest
	)
	body := errorBody{Error: err.Error()}
	status := http.StatusInternalServerError

	switch {
	case errors.As(err, &bad),
		errors.Is(err, pincache.ErrInvalidSecret),
		errors.Is(err, poller.ErrInvalidInterval):
		status = http.StatusBadRequest
	case errors.Is(err, pincache.ErrNotSet):
		status = http.StatusConflict
	case errors.As(err, &locked):
		status = http.StatusLocked
		until := locked.Until
		body.LockedUntil = &until
		w.Header().Set("Retry-After", retryAfter(until))
	case errors.As(err, &mismatch):
		status = http.StatusUnauthorized
		body.Attempts = mismatch.Attempts
		remaining := mismatch.Remaining
		body.Remaining = &remaining
	case errors.Is(err, trafficcache.ErrNoData):
		status = http.StatusNotFound
	case errors.As(err, &fetch):
		status = http.StatusBadGateway
		body.Kind = string(fetch.Kind)
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}
	writeJSON(w, status, body)
}

func retryAfter(until time.Time) string {
	secs := int(time.Until(until).Seconds() + 0.999)
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

const maxRequestBody = 1 << 20

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := decodeBody(r.Body, v); err != nil {
		return badRequest("invalid JSON body: " + err.Error())
	}
	return nil
}

func decodeBody(body io.Reader, v interface{}) error {
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
