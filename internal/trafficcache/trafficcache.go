// Package trafficcache keeps a bounded window of interface counter samples
// per interface and answers current, series and top-N queries from it.
package trafficcache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/developingchet/fwconsole/internal/metrics"
	"github.com/developingchet/fwconsole/internal/poller"
	"github.com/developingchet/fwconsole/internal/ring"
	"github.com/developingchet/fwconsole/internal/telemetry"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

const pollerName = "traffic"

// ErrNoData is returned when an interface has no samples yet.
var ErrNoData = errors.New("no traffic data")

// Metric selects the counter used for ranking.
type Metric string

const (
	MetricBytes      Metric = "bytes"
	MetricBytesIn    Metric = "bytes_in"
	MetricBytesOut   Metric = "bytes_out"
	MetricPackets    Metric = "packets"
	MetricPacketsIn  Metric = "packets_in"
	MetricPacketsOut Metric = "packets_out"
)

// ParseMetric validates a metric name. An empty name means bytes.
func ParseMetric(s string) (Metric, error) {
	switch m := Metric(s); m {
	case "":
		return MetricBytes, nil
	case MetricBytes, MetricBytesIn, MetricBytesOut, MetricPackets, MetricPacketsIn, MetricPacketsOut:
		return m, nil
	}
	return "", fmt.Errorf("unknown traffic metric %q", s)
}

func (m Metric) value(s telemetry.TrafficSample) uint64 {
	switch m {
	case MetricBytesIn:
		return s.BytesIn
	case MetricBytesOut:
		return s.BytesOut
	case MetricPackets:
		return s.PacketsIn + s.PacketsOut
	case MetricPacketsIn:
		return s.PacketsIn
	case MetricPacketsOut:
		return s.PacketsOut
	default:
		return s.BytesIn + s.BytesOut
	}
}

// Window bounds a series query. Both ends are inclusive; a zero bound is open.
type Window struct {
	From time.Time
	To   time.Time
}

func (w Window) contains(t time.Time) bool {
	if !w.From.IsZero() && t.Before(w.From) {
		return false
	}
	if !w.To.IsZero() && t.After(w.To) {
		return false
	}
	return true
}

// Ranked is one row of a top-N result.
type Ranked struct {
	Interface string                  `json:"interface"`
	Value     uint64                  `json:"value"`
	Sample    telemetry.TrafficSample `json:"sample"`
}

// Rate is the per-second change between two consecutive samples.
type Rate struct {
	Interface      string    `json:"interface"`
	Timestamp      time.Time `json:"timestamp"`
	BytesInPerS    float64   `json:"bytes_in_per_sec"`
	BytesOutPerS   float64   `json:"bytes_out_per_sec"`
	PacketsInPerS  float64   `json:"packets_in_per_sec"`
	PacketsOutPerS float64   `json:"packets_out_per_sec"`
}

// Status summarises the cache for the command surface.
type Status struct {
	Polling    bool          `json:"polling"`
	Interval   time.Duration `json:"interval"`
	Interfaces int           `json:"interfaces"`
	Window     int           `json:"window"`
	LastPoll   time.Time     `json:"last_poll,omitempty"`
	LastError  string        `json:"last_error,omitempty"`
}

// Cache maps interface name to a ring of at most window samples.
type Cache struct {
	fetcher telemetry.Fetcher
	sched   *poller.Scheduler
	flight  singleflight.Group
	log     zerolog.Logger
	window  int

	mu       sync.Mutex
	series   map[string]*ring.Ring[telemetry.TrafficSample]
	lastErr  error
	lastPoll time.Time
}

// New returns an empty Cache retaining window samples per interface.
func New(window int, fetcher telemetry.Fetcher, log zerolog.Logger) *Cache {
	if window < 1 {
		window = 1
	}
	c := &Cache{
		fetcher: fetcher,
		log:     log.With().Str("cache", pollerName).Logger(),
		window:  window,
		series:  make(map[string]*ring.Ring[telemetry.TrafficSample]),
	}
	c.sched = poller.New(pollerName, c.recordError, log)
	return c
}

// Update appends sample to iface's window. Samples not newer than the
// interface's latest sample are ignored so each series stays time ordered.
// It reports whether the sample was stored.
func (c *Cache) Update(iface string, sample telemetry.TrafficSample) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.updateLocked(iface, sample)
}

// UpdateAll applies one poll result atomically and returns the number of
// samples stored.
func (c *Cache) UpdateAll(samples map[string]telemetry.TrafficSample) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.updateAllLocked(samples)
}

func (c *Cache) updateAllLocked(samples map[string]telemetry.TrafficSample) int {
	n := 0
	for iface, s := range samples {
		if c.updateLocked(iface, s) {
			n++
		}
	}
	return n
}

func (c *Cache) updateLocked(iface string, sample telemetry.TrafficSample) bool {
	if iface == "" {
		iface = sample.Interface
	}
	if iface == "" {
		return false
	}
	sample.Interface = iface

	r, ok := c.series[iface]
	if !ok {
		r = ring.New[telemetry.TrafficSample](c.window)
		c.series[iface] = r
	}
	if last, ok := r.Newest(); ok && !sample.Timestamp.After(last.Timestamp) {
		return false
	}
	r.Push(sample)
	metrics.TrafficSamplesCached.WithLabelValues(iface).Set(float64(r.Len()))
	return true
}

// GetCurrent returns the latest sample for iface.
func (c *Cache) GetCurrent(iface string) (telemetry.TrafficSample, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok := c.series[iface]; ok {
		if s, ok := r.Newest(); ok {
			return s, nil
		}
	}
	return telemetry.TrafficSample{}, ErrNoData
}

// GetSeries returns iface's samples inside w, oldest first. Missing history
// yields fewer points, never an error.
func (c *Cache) GetSeries(iface string, w Window) []telemetry.TrafficSample {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := []telemetry.TrafficSample{}
	r, ok := c.series[iface]
	if !ok {
		return out
	}
	for i := 0; i < r.Len(); i++ {
		if s := r.At(i); w.contains(s.Timestamp) {
			out = append(out, s)
		}
	}
	return out
}

// GetTop ranks interfaces by m over their latest sample, highest first.
// Ties are broken by interface name ascending.
func (c *Cache) GetTop(n int, m Metric) []Ranked {
	if n <= 0 {
		return []Ranked{}
	}
	c.mu.Lock()
	rows := make([]Ranked, 0, len(c.series))
	for iface, r := range c.series {
		if s, ok := r.Newest(); ok {
			rows = append(rows, Ranked{Interface: iface, Value: m.value(s), Sample: s})
		}
	}
	c.mu.Unlock()

	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Value != rows[j].Value {
			return rows[i].Value > rows[j].Value
		}
		return rows[i].Interface < rows[j].Interface
	})
	if len(rows) > n {
		rows = rows[:n]
	}
	return rows
}

// Rates converts a time-ordered series into per-second rates. A counter that
// goes backwards (device reboot or wrap) contributes a zero delta.
func Rates(series []telemetry.TrafficSample) []Rate {
	if len(series) < 2 {
		return []Rate{}
	}
	out := make([]Rate, 0, len(series)-1)
	for i := 1; i < len(series); i++ {
		prev, cur := series[i-1], series[i]
		secs := cur.Timestamp.Sub(prev.Timestamp).Seconds()
		if secs <= 0 {
			continue
		}
		out = append(out, Rate{
			Interface:      cur.Interface,
			Timestamp:      cur.Timestamp,
			BytesInPerS:    delta(prev.BytesIn, cur.BytesIn) / secs,
			BytesOutPerS:   delta(prev.BytesOut, cur.BytesOut) / secs,
			PacketsInPerS:  delta(prev.PacketsIn, cur.PacketsIn) / secs,
			PacketsOutPerS: delta(prev.PacketsOut, cur.PacketsOut) / secs,
		})
	}
	return out
}

func delta(prev, cur uint64) float64 {
	if cur < prev {
		return 0
	}
	return float64(cur - prev)
}

// Interfaces returns the names of interfaces with at least one sample.
func (c *Cache) Interfaces() []string {
	c.mu.Lock()
	names := make([]string, 0, len(c.series))
	for iface, r := range c.series {
		if r.Len() > 0 {
			names = append(names, iface)
		}
	}
	c.mu.Unlock()
	sort.Strings(names)
	return names
}

// StartPolling starts (or restarts with a new interval) the background poller.
func (c *Cache) StartPolling(interval time.Duration) error {
	return c.sched.Start(interval, c.poll)
}

// StopPolling stops the poller. When it returns no tick can touch the cache.
func (c *Cache) StopPolling() {
	c.sched.Stop()
}

// Polling reports whether the poller is running.
func (c *Cache) Polling() bool {
	return c.sched.Running()
}

// Refresh performs one synchronous fetch-and-update. Concurrent callers share
// a single device request.
func (c *Cache) Refresh(ctx context.Context) (int, error) {
	v, err, _ := c.flight.Do("refresh", func() (interface{}, error) {
		n, err := c.fetchAndUpdate(ctx)
		if err != nil && ctx.Err() == nil {
			c.recordError(err)
		}
		return n, err
	})
	if err != nil {
		return 0, err
	}
	return v.(int), nil
}

func (c *Cache) poll(ctx context.Context) error {
	_, err := c.fetchAndUpdate(ctx)
	return err
}

func (c *Cache) fetchAndUpdate(ctx context.Context) (int, error) {
	samples, err := c.fetcher.FetchTraffic(ctx)
	if err != nil {
		return 0, fmt.Errorf("fetch traffic: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	c.mu.Lock()
	n := c.updateAllLocked(samples)
	c.lastErr = nil
	c.lastPoll = time.Now()
	c.mu.Unlock()
	c.log.Debug().Int("interfaces", len(samples)).Int("stored", n).Msg("traffic samples updated")
	return n, nil
}

// ClearCache drops every series and the last poll error. A running poller
// keeps running.
func (c *Cache) ClearCache() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for iface := range c.series {
		metrics.TrafficSamplesCached.DeleteLabelValues(iface)
	}
	c.series = make(map[string]*ring.Ring[telemetry.TrafficSample])
	c.lastErr = nil
	c.log.Info().Msg("traffic cache cleared")
}

// LastError returns the error from the most recent failed tick, or nil.
func (c *Cache) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Window returns the per-interface sample limit.
func (c *Cache) Window() int {
	return c.window
}

// Status returns a snapshot of cache and poller state.
func (c *Cache) Status() Status {
	polling, interval := c.sched.Running(), c.sched.Interval()
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Status{
		Polling:    polling,
		Interval:   interval,
		Interfaces: len(c.series),
		Window:     c.window,
		LastPoll:   c.lastPoll,
	}
	if c.lastErr != nil {
		st.LastError = c.lastErr.Error()
	}
	return st
}

func (c *Cache) recordError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastErr = err
}
