package logcache

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/developingchet/fwconsole/internal/telemetry"
	"github.com/developingchet/fwconsole/internal/testutil"
	"github.com/rs/zerolog"
)

var base = time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC)

func entry(sec int, iface, action, raw string) telemetry.LogEntry {
	return telemetry.LogEntry{
		Timestamp: base.Add(time.Duration(sec) * time.Second),
		Source:    "10.0.0.1",
		Interface: iface,
		Action:    action,
		Protocol:  "tcp",
		Raw:       raw,
	}
}

func raws(entries []telemetry.LogEntry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Raw
	}
	return out
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within 2s")
}

func TestMerge_EvictsOldestAtCapacity(t *testing.T) {
	c := New(2, testutil.NewMockFetcher(), zerolog.Nop())
	a, b, cc := entry(1, "lan", "pass", "A"), entry(2, "lan", "pass", "B"), entry(3, "lan", "pass", "C")

	c.Merge([]telemetry.LogEntry{a, b})
	res := c.Merge([]telemetry.LogEntry{cc})

	if res.Added != 1 || res.Evicted != 1 {
		t.Fatalf("unexpected merge result %+v", res)
	}
	page := c.GetLogs(telemetry.LogFilters{}, PageRequest{})
	if got := raws(page.Entries); len(got) != 2 || got[0] != "C" || got[1] != "B" {
		t.Fatalf("expected [C B] newest first, got %v", got)
	}
}

func TestMerge_NeverExceedsCapacity(t *testing.T) {
	c := New(5, testutil.NewMockFetcher(), zerolog.Nop())
	for round := 0; round < 10; round++ {
		batch := make([]telemetry.LogEntry, 0, 3)
		for i := 0; i < 3; i++ {
			batch = append(batch, entry(round*3+i, "lan", "pass", string(rune('a'+round*3+i))))
		}
		c.Merge(batch)
		if c.Len() > c.Capacity() {
			t.Fatalf("round %d: len %d exceeds capacity %d", round, c.Len(), c.Capacity())
		}
	}
	if c.Len() != 5 {
		t.Fatalf("expected full cache, got %d", c.Len())
	}
}

func TestMerge_SortsBatchByTimestamp(t *testing.T) {
	c := New(10, testutil.NewMockFetcher(), zerolog.Nop())
	c.Merge([]telemetry.LogEntry{entry(3, "lan", "pass", "3"), entry(1, "lan", "pass", "1"), entry(2, "lan", "pass", "2")})

	page := c.GetLogs(telemetry.LogFilters{}, PageRequest{})
	if got := raws(page.Entries); got[0] != "3" || got[1] != "2" || got[2] != "1" {
		t.Fatalf("expected newest first, got %v", got)
	}
}

func TestMerge_OlderEntryKeepsTimeOrder(t *testing.T) {
	c := New(10, testutil.NewMockFetcher(), zerolog.Nop())
	c.Merge([]telemetry.LogEntry{entry(10, "lan", "pass", "new")})
	c.Merge([]telemetry.LogEntry{entry(5, "wan", "block", "old")})
	c.Merge([]telemetry.LogEntry{entry(7, "wan", "block", "mid")})

	page := c.GetLogs(telemetry.LogFilters{}, PageRequest{})
	if got := raws(page.Entries); len(got) != 3 || got[0] != "new" || got[1] != "mid" || got[2] != "old" {
		t.Fatalf("expected [new mid old], got %v", got)
	}
	for i := 1; i < len(page.Entries); i++ {
		if page.Entries[i].Timestamp.After(page.Entries[i-1].Timestamp) {
			t.Fatalf("entry %d (%s) is newer than entry %d (%s)", i, page.Entries[i].Timestamp, i-1, page.Entries[i-1].Timestamp)
		}
	}
}

func TestMerge_OutOfOrderEvictsOldest(t *testing.T) {
	c := New(3, testutil.NewMockFetcher(), zerolog.Nop())
	c.Merge([]telemetry.LogEntry{entry(10, "lan", "pass", "10"), entry(20, "lan", "pass", "20"), entry(30, "lan", "pass", "30")})

	// Older than the newest but newer than the oldest: the oldest goes.
	res := c.Merge([]telemetry.LogEntry{entry(15, "wan", "block", "15")})
	if res.Added != 1 || res.Evicted != 1 {
		t.Fatalf("unexpected merge result %+v", res)
	}
	if got := raws(c.GetLogs(telemetry.LogFilters{}, PageRequest{}).Entries); got[0] != "30" || got[1] != "20" || got[2] != "15" {
		t.Fatalf("expected [30 20 15], got %v", got)
	}

	// Older than everything retained in a full cache: not stored.
	res = c.Merge([]telemetry.LogEntry{entry(1, "wan", "block", "1")})
	if res.Added != 0 || res.Evicted != 1 {
		t.Fatalf("unexpected merge result %+v", res)
	}
	if got := raws(c.GetLogs(telemetry.LogFilters{}, PageRequest{}).Entries); got[0] != "30" || got[2] != "15" || c.Len() != 3 {
		t.Fatalf("newer entries must survive, got %v", got)
	}

	// The dropped entry was never indexed, so it is not a duplicate later.
	c.ClearCache()
	if res := c.Merge([]telemetry.LogEntry{entry(1, "wan", "block", "1")}); res.Added != 1 {
		t.Fatalf("expected re-add after clear, got %+v", res)
	}
}

func TestMerge_Idempotent(t *testing.T) {
	c := New(10, testutil.NewMockFetcher(), zerolog.Nop())
	batch := []telemetry.LogEntry{entry(1, "lan", "pass", "a"), entry(2, "wan", "block", "b")}

	c.Merge(batch)
	before := c.GetLogs(telemetry.LogFilters{}, PageRequest{})
	res := c.Merge(batch)
	after := c.GetLogs(telemetry.LogFilters{}, PageRequest{})

	if res.Added != 0 || res.Duplicates != 2 {
		t.Fatalf("second merge should add nothing, got %+v", res)
	}
	if before.Total != after.Total {
		t.Fatalf("total changed from %d to %d", before.Total, after.Total)
	}
}

func TestMerge_DuplicateWithinBatch(t *testing.T) {
	c := New(10, testutil.NewMockFetcher(), zerolog.Nop())
	e := entry(1, "lan", "pass", "a")
	res := c.Merge([]telemetry.LogEntry{e, e})
	if res.Added != 1 || res.Duplicates != 1 || c.Len() != 1 {
		t.Fatalf("unexpected result %+v len=%d", res, c.Len())
	}
}

func TestMerge_EvictedEntryCanReturn(t *testing.T) {
	c := New(1, testutil.NewMockFetcher(), zerolog.Nop())
	a, b := entry(1, "lan", "pass", "a"), entry(2, "lan", "pass", "b")
	c.Merge([]telemetry.LogEntry{a})
	c.Merge([]telemetry.LogEntry{b})
	res := c.Merge([]telemetry.LogEntry{a})
	if res.Added != 1 {
		t.Fatalf("evicted entry should be accepted again, got %+v", res)
	}
}

func TestGetLogs_FilterAndPage(t *testing.T) {
	c := New(100, testutil.NewMockFetcher(), zerolog.Nop())
	var batch []telemetry.LogEntry
	for i := 0; i < 30; i++ {
		action := "pass"
		if i%3 == 0 {
			action = "block"
		}
		batch = append(batch, entry(i, "lan", action, string(rune('A'+i))))
	}
	c.Merge(batch)

	f := telemetry.LogFilters{Actions: []string{"block"}}
	p1 := c.GetLogs(f, PageRequest{Number: 1, Size: 4})
	p3 := c.GetLogs(f, PageRequest{Number: 3, Size: 4})

	if p1.Total != 10 || p3.Total != 10 {
		t.Fatalf("expected total 10, got %d/%d", p1.Total, p3.Total)
	}
	if len(p1.Entries) != 4 || p1.Entries[0].Timestamp != base.Add(27*time.Second) {
		t.Fatalf("unexpected first page %v", raws(p1.Entries))
	}
	if len(p3.Entries) != 2 {
		t.Fatalf("expected 2 entries on last page, got %d", len(p3.Entries))
	}
	for _, e := range append(p1.Entries, p3.Entries...) {
		if e.Action != "block" {
			t.Fatalf("filter leaked %+v", e)
		}
	}

	beyond := c.GetLogs(f, PageRequest{Number: 9, Size: 4})
	if len(beyond.Entries) != 0 || beyond.Total != 10 {
		t.Fatalf("page past end: %+v", beyond)
	}
}

func TestGetLogs_PageDefaults(t *testing.T) {
	c := New(10, testutil.NewMockFetcher(), zerolog.Nop())
	p := c.GetLogs(telemetry.LogFilters{}, PageRequest{Number: -1, Size: MaxPageSize + 1})
	if p.Number != 1 || p.Size != MaxPageSize {
		t.Fatalf("unexpected normalisation %+v", p)
	}
	if p.Entries == nil {
		t.Fatal("entries should be an empty slice, not nil")
	}
	if p := c.GetLogs(telemetry.LogFilters{}, PageRequest{}); p.Size != DefaultPageSize {
		t.Fatalf("default size = %d", p.Size)
	}
}

func TestGetLogs_HugePageNumber(t *testing.T) {
	c := New(10, testutil.NewMockFetcher(), zerolog.Nop())
	c.Merge([]telemetry.LogEntry{entry(1, "lan", "pass", "a"), entry(2, "lan", "pass", "b")})

	p := c.GetLogs(telemetry.LogFilters{}, PageRequest{Number: math.MaxInt, Size: 50})
	if len(p.Entries) != 0 {
		t.Fatalf("a page far past the end must be empty, got %v", raws(p.Entries))
	}
	if p.Total != 2 || p.Number != math.MaxInt {
		t.Fatalf("unexpected page %+v", p)
	}
}

func TestUpdateFilters_DoesNotFetch(t *testing.T) {
	m := testutil.NewMockFetcher()
	c := New(10, m, zerolog.Nop())
	c.UpdateFilters(telemetry.LogFilters{Interfaces: []string{"wan"}})
	if m.Calls("FetchLogs") != 0 {
		t.Fatal("UpdateFilters must not fetch")
	}
	if f := c.Filters(); len(f.Interfaces) != 1 || f.Interfaces[0] != "wan" {
		t.Fatalf("Filters = %+v", f)
	}
}

func TestPolling_UsesStoredFilters(t *testing.T) {
	m := testutil.NewMockFetcher()
	m.SetLogs([]telemetry.LogEntry{entry(1, "lan", "pass", "a"), entry(2, "wan", "block", "b")})
	c := New(10, m, zerolog.Nop())
	c.UpdateFilters(telemetry.LogFilters{Interfaces: []string{"wan"}})

	if err := c.StartPolling(time.Hour); err != nil {
		t.Fatalf("StartPolling: %v", err)
	}
	defer c.StopPolling()

	eventually(t, func() bool { return c.Len() == 1 })
	if f := m.LastFilters(); len(f.Interfaces) != 1 || f.Interfaces[0] != "wan" {
		t.Fatalf("poller fetched with %+v", f)
	}
	if got := c.Interfaces(); len(got) != 1 || got[0] != "wan" {
		t.Fatalf("Interfaces = %v", got)
	}
}

func TestPolling_ErrorRecordedAndPollingContinues(t *testing.T) {
	m := testutil.NewMockFetcher()
	boom := errors.New("device unreachable")
	m.SetError("FetchLogs", boom)
	m.SetLogs([]telemetry.LogEntry{entry(1, "lan", "pass", "a")})
	c := New(10, m, zerolog.Nop())

	if err := c.StartPolling(20 * time.Millisecond); err != nil {
		t.Fatalf("StartPolling: %v", err)
	}
	defer c.StopPolling()

	eventually(t, func() bool { return m.Calls("FetchLogs") >= 1 })
	eventually(t, func() bool { return c.Len() == 1 })
	if !c.Polling() {
		t.Fatal("poller stopped after an error")
	}
	if c.LastError() != nil {
		t.Fatalf("successful tick should clear the error, got %v", c.LastError())
	}
}

func TestPolling_ErrorVisible(t *testing.T) {
	m := testutil.NewMockFetcher()
	boom := errors.New("device unreachable")
	m.SetError("FetchLogs", boom)
	c := New(10, m, zerolog.Nop())

	if err := c.StartPolling(time.Hour); err != nil {
		t.Fatalf("StartPolling: %v", err)
	}
	defer c.StopPolling()

	eventually(t, func() bool { return c.LastError() != nil })
	if !errors.Is(c.LastError(), boom) {
		t.Fatalf("LastError = %v", c.LastError())
	}
	if st := c.Status(); st.LastError == "" || !st.Polling || st.Interval != time.Hour {
		t.Fatalf("unexpected status %+v", st)
	}
}

func TestClearCache_KeepsPolling(t *testing.T) {
	m := testutil.NewMockFetcher()
	m.SetLogs([]telemetry.LogEntry{entry(1, "lan", "pass", "a")})
	c := New(10, m, zerolog.Nop())
	if err := c.StartPolling(time.Hour); err != nil {
		t.Fatalf("StartPolling: %v", err)
	}
	defer c.StopPolling()
	eventually(t, func() bool { return c.Len() == 1 })

	c.ClearCache()
	if c.Len() != 0 {
		t.Fatalf("expected empty cache, got %d", c.Len())
	}
	if !c.Polling() {
		t.Fatal("ClearCache must not stop the poller")
	}
}

func TestStopPolling_NoMergeAfterReturn(t *testing.T) {
	m := testutil.NewMockFetcher()
	m.SetLogs([]telemetry.LogEntry{entry(1, "lan", "pass", "a")})

	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	m.SetHook(func(ctx context.Context, method string) {
		select {
		case entered <- struct{}{}:
		default:
		}
		// Simulates a device call that ignores cancellation.
		<-release
	})

	c := New(10, m, zerolog.Nop())
	if err := c.StartPolling(time.Hour); err != nil {
		t.Fatalf("StartPolling: %v", err)
	}
	<-entered

	stopped := make(chan struct{})
	go func() {
		c.StopPolling()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("StopPolling returned while a fetch was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	<-stopped

	if c.Len() != 0 {
		t.Fatalf("a fetch finishing after stop must not merge, got %d entries", c.Len())
	}
	if c.LastError() != nil {
		t.Fatalf("a stopped tick is not an error, got %v", c.LastError())
	}
	if c.Polling() {
		t.Fatal("expected polling to be stopped")
	}
}

func TestStartPolling_InvalidInterval(t *testing.T) {
	c := New(10, testutil.NewMockFetcher(), zerolog.Nop())
	if err := c.StartPolling(0); err == nil {
		t.Fatal("expected error for zero interval")
	}
	if c.Polling() {
		t.Fatal("poller must not run after invalid start")
	}
}

func TestRefresh(t *testing.T) {
	m := testutil.NewMockFetcher()
	m.SetLogs([]telemetry.LogEntry{entry(1, "lan", "pass", "a"), entry(2, "lan", "pass", "b")})
	c := New(10, m, zerolog.Nop())

	res, err := c.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if res.Added != 2 || c.Len() != 2 {
		t.Fatalf("unexpected result %+v len=%d", res, c.Len())
	}

	boom := errors.New("boom")
	m.SetError("FetchLogs", boom)
	if _, err := c.Refresh(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if !errors.Is(c.LastError(), boom) {
		t.Fatalf("refresh error should be recorded, got %v", c.LastError())
	}
}

func TestRefresh_Coalesces(t *testing.T) {
	m := testutil.NewMockFetcher()
	m.SetLogs([]telemetry.LogEntry{entry(1, "lan", "pass", "a")})

	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	m.SetHook(func(ctx context.Context, method string) {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-release
	})
	c := New(10, m, zerolog.Nop())

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = c.Refresh(context.Background())
	}()
	<-entered

	const followers = 5
	for i := 0; i < followers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = c.Refresh(context.Background())
		}()
	}
	time.Sleep(30 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := m.Calls("FetchLogs"); got != 1 {
		t.Fatalf("expected one shared fetch, got %d", got)
	}
	if c.Len() != 1 {
		t.Fatalf("expected 1 entry, got %d", c.Len())
	}
}

func TestStatus_DoesNotWaitForStopPolling(t *testing.T) {
	m := testutil.NewMockFetcher()
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	m.SetHook(func(ctx context.Context, method string) {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-release
	})

	c := New(10, m, zerolog.Nop())
	if err := c.StartPolling(time.Hour); err != nil {
		t.Fatalf("StartPolling: %v", err)
	}
	<-entered

	stopped := make(chan struct{})
	go func() {
		c.StopPolling()
		close(stopped)
	}()

	got := make(chan Status, 1)
	go func() { got <- c.Status() }()
	select {
	case st := <-got:
		if st.Capacity != 10 {
			t.Errorf("unexpected status %+v", st)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("Status blocked behind StopPolling waiting on the in-flight fetch")
	}

	close(release)
	<-stopped
	if c.Status().Polling {
		t.Fatal("expected polling to be stopped")
	}
}

func TestRefresh_EntriesAndErrorClearedTogether(t *testing.T) {
	m := testutil.NewMockFetcher()
	m.SetLogs([]telemetry.LogEntry{entry(1, "lan", "pass", "a")})
	c := New(10, m, zerolog.Nop())
	c.recordError(errors.New("previous tick failed"))

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			default:
			}
			if st := c.Status(); st.Entries > 0 && st.LastError != "" {
				t.Errorf("new entries visible next to a stale error: %+v", st)
				return
			}
		}
	}()

	if _, err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	close(done)
	wg.Wait()

	if st := c.Status(); st.Entries != 1 || st.LastError != "" || st.LastPoll.IsZero() {
		t.Fatalf("unexpected status %+v", st)
	}
}
