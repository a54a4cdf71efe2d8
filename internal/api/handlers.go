package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/developingchet/fwconsole/internal/logcache"
	"github.com/developingchet/fwconsole/internal/telemetry"
	"github.com/developingchet/fwconsole/internal/trafficcache"
)

const defaultTopN = 5

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.ProbeTimeout)
	defer cancel()
	if err := s.dev.Ping(ctx); err != nil {
		http.Error(w, "not ready: "+err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

// PIN

type pinRequest struct {
	PIN string `json:"pin"`
}

func (s *Server) handlePinStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.pin.Status())
}

func (s *Server) handlePinSet(w http.ResponseWriter, r *http.Request) {
	var req pinRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.pin.Set(req.PIN); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePinClear(w http.ResponseWriter, _ *http.Request) {
	s.pin.Clear()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePinVerify(w http.ResponseWriter, r *http.Request) {
	var req pinRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.pin.Verify(req.PIN); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Logs

func (s *Server) handleLogsGet(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filters, err := parseLogFilters(q)
	if err != nil {
		writeError(w, err)
		return
	}
	page := logcache.PageRequest{}
	if page.Number, err = intParam(q, "page", 1); err != nil {
		writeError(w, err)
		return
	}
	if page.Size, err = intParam(q, "page_size", logcache.DefaultPageSize); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.logs.GetLogs(filters, page))
}

func (s *Server) handleLogsClear(w http.ResponseWriter, _ *http.Request) {
	s.logs.ClearCache()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleLogsFiltersGet(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.logs.Filters())
}

func (s *Server) handleLogsFiltersPut(w http.ResponseWriter, r *http.Request) {
	var f telemetry.LogFilters
	if err := decodeJSON(w, r, &f); err != nil {
		writeError(w, err)
		return
	}
	if !f.Since.IsZero() && !f.Until.IsZero() && f.Until.Before(f.Since) {
		writeError(w, badRequest("until must not be before since"))
		return
	}
	s.logs.UpdateFilters(f)
	writeJSON(w, http.StatusOK, s.logs.Filters())
}

func (s *Server) handleLogsPollStart(w http.ResponseWriter, r *http.Request) {
	interval, err := s.pollInterval(w, r, s.cfg.LogPollInterval)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.logs.StartPolling(interval); err != nil {
		writeError(w, err)
		return
	}
	s.log.Info().Dur("interval", interval).Msg("log polling started")
	writeJSON(w, http.StatusOK, s.logs.Status())
}

func (s *Server) handleLogsPollStop(w http.ResponseWriter, _ *http.Request) {
	s.logs.StopPolling()
	s.log.Info().Msg("log polling stopped")
	writeJSON(w, http.StatusOK, s.logs.Status())
}

func (s *Server) handleLogsRefresh(w http.ResponseWriter, r *http.Request) {
	res, err := s.logs.Refresh(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleLogsStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.logs.Status())
}

func (s *Server) handleLogsInterfaces(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.logs.Interfaces())
}

// Traffic

type seriesResponse struct {
	Interface string                    `json:"interface"`
	Samples   []telemetry.TrafficSample `json:"samples"`
	Rates     []trafficcache.Rate       `json:"rates,omitempty"`
}

func (s *Server) handleTrafficTop(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	n, err := intParam(q, "n", defaultTopN)
	if err != nil {
		writeError(w, err)
		return
	}
	m, err := trafficcache.ParseMetric(q.Get("by"))
	if err != nil {
		writeError(w, badRequest(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, s.traffic.GetTop(n, m))
}

func (s *Server) handleTrafficInterfaces(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.traffic.Interfaces())
}

func (s *Server) handleTrafficStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.traffic.Status())
}

func (s *Server) handleTrafficCurrent(w http.ResponseWriter, r *http.Request) {
	sample, err := s.traffic.GetCurrent(r.PathValue("iface"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sample)
}

func (s *Server) handleTrafficSeries(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var (
		win trafficcache.Window
		err error
	)
	if win.From, err = timeParam(q, "from"); err != nil {
		writeError(w, err)
		return
	}
	if win.To, err = timeParam(q, "to"); err != nil {
		writeError(w, err)
		return
	}
	iface := r.PathValue("iface")
	resp := seriesResponse{Interface: iface, Samples: s.traffic.GetSeries(iface, win)}
	if withRates, _ := strconv.ParseBool(q.Get("rates")); withRates {
		resp.Rates = trafficcache.Rates(resp.Samples)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTrafficClear(w http.ResponseWriter, _ *http.Request) {
	s.traffic.ClearCache()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTrafficPollStart(w http.ResponseWriter, r *http.Request) {
	interval, err := s.pollInterval(w, r, s.cfg.TrafficPollInterval)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.traffic.StartPolling(interval); err != nil {
		writeError(w, err)
		return
	}
	s.log.Info().Dur("interval", interval).Msg("traffic polling started")
	writeJSON(w, http.StatusOK, s.traffic.Status())
}

func (s *Server) handleTrafficPollStop(w http.ResponseWriter, _ *http.Request) {
	s.traffic.StopPolling()
	s.log.Info().Msg("traffic polling stopped")
	writeJSON(w, http.StatusOK, s.traffic.Status())
}

func (s *Server) handleTrafficRefresh(w http.ResponseWriter, r *http.Request) {
	n, err := s.traffic.Refresh(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"updated": n})
}

// Device

func (s *Server) handleInterfaces(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.ProbeTimeout)
	defer cancel()
	names, err := s.dev.InterfaceNames(ctx)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, names)
}

// handleLogout drops session state: traffic history, the log poller and the PIN.
func (s *Server) handleLogout(w http.ResponseWriter, _ *http.Request) {
	s.traffic.ClearCache()
	s.logs.StopPolling()
	s.pin.Clear()
	s.log.Info().Msg("session state cleared on logout")
	w.WriteHeader(http.StatusNoContent)
}

// Request parsing

type pollRequest struct {
	Interval string `json:"interval"`
}

// pollInterval reads an optional {"interval": "5s"} body. An empty body or
// interval selects def.
func (s *Server) pollInterval(w http.ResponseWriter, r *http.Request, def time.Duration) (time.Duration, error) {
	var req pollRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := decodeBody(r.Body, &req); err != nil && !errors.Is(err, io.EOF) {
		return 0, badRequest("invalid JSON body: " + err.Error())
	}
	if req.Interval == "" {
		return def, nil
	}
	d, err := time.ParseDuration(req.Interval)
	if err != nil {
		return 0, badRequest("invalid interval: " + err.Error())
	}
	return d, nil
}

func parseLogFilters(q url.Values) (telemetry.LogFilters, error) {
	f := telemetry.LogFilters{
		Interfaces: csvParam(q, "interface"),
		Actions:    csvParam(q, "action"),
		Protocols:  csvParam(q, "protocol"),
		Search:     q.Get("search"),
	}
	var err error
	if f.Since, err = timeParam(q, "since"); err != nil {
		return f, err
	}
	if f.Until, err = timeParam(q, "until"); err != nil {
		return f, err
	}
	return f, nil
}

// csvParam accepts both repeated keys and comma-separated values.
func csvParam(q url.Values, key string) []string {
	var out []string
	for _, v := range q[key] {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func intParam(q url.Values, key string, def int) (int, error) {
	v := q.Get(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, badRequest(key + ": not an integer")
	}
	return n, nil
}

func timeParam(q url.Values, key string) (time.Time, error) {
	v := q.Get(key)
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, badRequest(key + ": expected RFC3339 timestamp")
	}
	return t, nil
}
