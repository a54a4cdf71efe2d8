// Package logcache buffers firewall log entries fetched from the device and
// serves filtered, paged views of them.
package logcache

import (
	"context"
	"fmt"
	"math"
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

const (
	pollerName = "logs"

	DefaultPageSize = 50
	MaxPageSize     = 1000
)

// PageRequest selects a 1-based page of results.
type PageRequest struct {
	Number int
	Size   int
}

// Page is one page of matching entries, newest first.
type Page struct {
	Entries []telemetry.LogEntry `json:"entries"`
	Total   int                  `json:"total"`
	Number  int                  `json:"page"`
	Size    int                  `json:"page_size"`
}

// MergeResult counts what a merge did with its input.
type MergeResult struct {
	Added      int `json:"added"`
	Duplicates int `json:"duplicates"`
	Evicted    int `json:"evicted"`
}

// Status summarises the cache for the command surface.
type Status struct {
	Polling   bool          `json:"polling"`
	Interval  time.Duration `json:"interval"`
	Entries   int           `json:"entries"`
	Capacity  int           `json:"capacity"`
	LastPoll  time.Time     `json:"last_poll,omitempty"`
	LastError string        `json:"last_error,omitempty"`
}

// Cache is a capacity-bounded, duplicate-free log buffer. Entries are kept
// in timestamp order, oldest first; when full, the oldest entry is evicted. A single mutex
// covers entries, index, filters and error state.
type Cache struct {
	fetcher telemetry.Fetcher
	sched   *poller.Scheduler
	flight  singleflight.Group
	log     zerolog.Logger

	mu       sync.Mutex
	entries  *ring.Ring[telemetry.LogEntry]
	index    map[telemetry.EntryKey]struct{}
	filters  telemetry.LogFilters
	lastErr  error
	lastPoll time.Time
}

// New returns an empty Cache holding at most capacity entries.
func New(capacity int, fetcher telemetry.Fetcher, log zerolog.Logger) *Cache {
	if capacity < 1 {
		capacity = 1
	}
	c := &Cache{
		fetcher: fetcher,
		log:     log.With().Str("cache", pollerName).Logger(),
		entries: ring.New[telemetry.LogEntry](capacity),
		index:   make(map[telemetry.EntryKey]struct{}, capacity),
	}
	c.sched = poller.New(pollerName, c.recordError, log)
	return c
}

// UpdateFilters replaces the filters used by subsequent poll ticks. It does
// not fetch.
func (c *Cache) UpdateFilters(f telemetry.LogFilters) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.filters = f.Clone()
	c.log.Debug().Strs("interfaces", f.Interfaces).Strs("actions", f.Actions).
		Str("search", f.Search).Msg("log filters updated")
}

// Filters returns a copy of the stored filters.
func (c *Cache) Filters() telemetry.LogFilters {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.filters.Clone()
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

// Refresh performs one synchronous fetch-and-merge with the stored filters.
// Concurrent callers share a single device request. The fetch error, if any,
// is both returned and recorded.
func (c *Cache) Refresh(ctx context.Context) (MergeResult, error) {
	v, err, _ := c.flight.Do("refresh", func() (interface{}, error) {
		res, err := c.fetchAndMerge(ctx)
		if err != nil && ctx.Err() == nil {
			c.recordError(err)
		}
		return res, err
	})
	if err != nil {
		return MergeResult{}, err
	}
	return v.(MergeResult), nil
}

func (c *Cache) poll(ctx context.Context) error {
	_, err := c.fetchAndMerge(ctx)
	return err
}

func (c *Cache) fetchAndMerge(ctx context.Context) (MergeResult, error) {
	entries, err := c.fetcher.FetchLogs(ctx, c.Filters())
	if err != nil {
		return MergeResult{}, fmt.Errorf("fetch logs: %w", err)
	}
	// A stop that raced the fetch wins: drop the result.
	if err := ctx.Err(); err != nil {
		return MergeResult{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	res := c.mergeLocked(entries)
	c.lastErr = nil
	c.lastPoll = time.Now()
	return res, nil
}

// Merge inserts entries at their timestamp position, skipping any already
// present in the retained window and evicting the oldest entries past
// capacity. In a full cache an entry older than everything retained is
// counted as evicted and not stored.
func (c *Cache) Merge(entries []telemetry.LogEntry) MergeResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mergeLocked(entries)
}

func (c *Cache) mergeLocked(entries []telemetry.LogEntry) MergeResult {
	batch := make([]telemetry.LogEntry, len(entries))
	copy(batch, entries)
	sort.SliceStable(batch, func(i, j int) bool {
		return batch[i].Timestamp.Before(batch[j].Timestamp)
	})

	var res MergeResult
	for _, e := range batch {
		key := e.Key()
		if _, dup := c.index[key]; dup {
			res.Duplicates++
			continue
		}
		// Equal timestamps keep arrival order.
		pos := sort.Search(c.entries.Len(), func(i int) bool {
			return c.entries.At(i).Timestamp.After(e.Timestamp)
		})
		if pos == 0 && c.entries.Len() == c.entries.Cap() {
			res.Evicted++
			continue
		}
		if old, evicted := c.entries.Insert(pos, e); evicted {
			delete(c.index, old.Key())
			res.Evicted++
		}
		c.index[key] = struct{}{}
		res.Added++
	}

	metrics.LogEntriesCached.Set(float64(c.entries.Len()))
	metrics.LogEntriesMerged.WithLabelValues("added").Add(float64(res.Added))
	metrics.LogEntriesMerged.WithLabelValues("duplicate").Add(float64(res.Duplicates))
	metrics.LogEntriesMerged.WithLabelValues("evicted").Add(float64(res.Evicted))
	if res.Added > 0 || res.Evicted > 0 {
		c.log.Debug().Int("added", res.Added).Int("duplicates", res.Duplicates).
			Int("evicted", res.Evicted).Int("size", c.entries.Len()).Msg("log entries merged")
	}
	return res
}

// GetLogs returns the page of cached entries matching filters, newest first,
// together with the total match count. It never touches the network.
func (c *Cache) GetLogs(filters telemetry.LogFilters, page PageRequest) Page {
	if page.Size <= 0 {
		page.Size = DefaultPageSize
	}
	if page.Size > MaxPageSize {
		page.Size = MaxPageSize
	}
	if page.Number < 1 {
		page.Number = 1
	}

	out := Page{Entries: []telemetry.LogEntry{}, Number: page.Number, Size: page.Size}
	skip := math.MaxInt
	if page.Number-1 <= math.MaxInt/page.Size {
		skip = (page.Number - 1) * page.Size
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for i := c.entries.Len() - 1; i >= 0; i-- {
		e := c.entries.At(i)
		if !filters.Match(e) {
			continue
		}
		if out.Total >= skip && len(out.Entries) < page.Size {
			out.Entries = append(out.Entries, e)
		}
		out.Total++
	}
	return out
}

// Interfaces returns the distinct interface names present in the cache.
func (c *Cache) Interfaces() []string {
	c.mu.Lock()
	seen := make(map[string]struct{})
	for i := 0; i < c.entries.Len(); i++ {
		seen[c.entries.At(i).Interface] = struct{}{}
	}
	c.mu.Unlock()

	names := make([]string, 0, len(seen))
	for n := range seen {
		if n != "" {
			names = append(names, n)
		}
	}
	sort.Strings(names)
	return names
}

// ClearCache drops all entries and the last poll error. A running poller
// keeps running.
func (c *Cache) ClearCache() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries.Reset()
	c.index = make(map[telemetry.EntryKey]struct{}, c.entries.Cap())
	c.lastErr = nil
	metrics.LogEntriesCached.Set(0)
	c.log.Info().Msg("log cache cleared")
}

// LastError returns the error from the most recent failed tick, or nil.
func (c *Cache) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Len()
}

// Capacity returns the configured maximum number of entries.
func (c *Cache) Capacity() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Cap()
}

// Status returns a snapshot of cache and poller state.
func (c *Cache) Status() Status {
	polling, interval := c.sched.Running(), c.sched.Interval()
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Status{
		Polling:  polling,
		Interval: interval,
		Entries:  c.entries.Len(),
		Capacity: c.entries.Cap(),
		LastPoll: c.lastPoll,
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
