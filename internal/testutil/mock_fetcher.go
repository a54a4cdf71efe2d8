package testutil

import (
	"context"
	"sync"

	"github.com/developingchet/fwconsole/internal/telemetry"
)

// MockFetcher implements telemetry.Fetcher, plus the Ping and InterfaceNames
// probes of the device client, for testing.
// All methods are safe for concurrent use.
type MockFetcher struct {
	mu sync.Mutex

	// Preset responses
	logs       []telemetry.LogEntry
	traffic    map[string]telemetry.TrafficSample
	ifaceNames []string

	// Error injection: method -> next error (consumed on first call)
	errors map[string]error

	// Call counts per method
	calls map[string]int

	// hook runs before each fetch returns, outside the lock
	hook func(ctx context.Context, method string)

	// Filters seen by the most recent FetchLogs call
	lastFilters telemetry.LogFilters
}

// NewMockFetcher returns a zero-state MockFetcher ready for use.
func NewMockFetcher() *MockFetcher {
	return &MockFetcher{
		traffic: make(map[string]telemetry.TrafficSample),
		errors:  make(map[string]error),
		calls:   make(map[string]int),
	}
}

// SetLogs presets the entries returned by FetchLogs. The mock applies the
// requested filters like the real client does.
func (m *MockFetcher) SetLogs(entries []telemetry.LogEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs = append([]telemetry.LogEntry(nil), entries...)
}

// SetTraffic presets the samples returned by FetchTraffic.
func (m *MockFetcher) SetTraffic(samples map[string]telemetry.TrafficSample) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.traffic = make(map[string]telemetry.TrafficSample, len(samples))
	for k, v := range samples {
		m.traffic[k] = v
	}
}

// SetInterfaceNames presets the names returned by InterfaceNames.
func (m *MockFetcher) SetInterfaceNames(names []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ifaceNames = append([]string(nil), names...)
}

// SetError injects an error to be returned on the next call to the named method.
func (m *MockFetcher) SetError(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors[method] = err
}

// SetHook installs fn to run at the start of every fetch. Tests use it to
// block a fetch or to observe its context.
func (m *MockFetcher) SetHook(fn func(ctx context.Context, method string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hook = fn
}

// Calls returns the number of times the named method has been called.
func (m *MockFetcher) Calls(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[method]
}

// LastFilters returns the filters passed to the most recent FetchLogs call.
func (m *MockFetcher) LastFilters() telemetry.LogFilters {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastFilters.Clone()
}

func (m *MockFetcher) popError(method string) error {
	err := m.errors[method]
	delete(m.errors, method)
	return err
}

func (m *MockFetcher) enter(ctx context.Context, method string) {
	m.mu.Lock()
	m.calls[method]++
	hook := m.hook
	m.mu.Unlock()
	if hook != nil {
		hook(ctx, method)
	}
}

func (m *MockFetcher) FetchLogs(ctx context.Context, filters telemetry.LogFilters) ([]telemetry.LogEntry, error) {
	m.enter(ctx, "FetchLogs")

	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastFilters = filters.Clone()
	if err := m.popError("FetchLogs"); err != nil {
		return nil, err
	}
	out := make([]telemetry.LogEntry, 0, len(m.logs))
	for _, e := range m.logs {
		if filters.Match(e) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *MockFetcher) FetchTraffic(ctx context.Context) (map[string]telemetry.TrafficSample, error) {
	m.enter(ctx, "FetchTraffic")

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("FetchTraffic"); err != nil {
		return nil, err
	}
	out := make(map[string]telemetry.TrafficSample, len(m.traffic))
	for k, v := range m.traffic {
		out[k] = v
	}
	return out, nil
}

func (m *MockFetcher) Ping(ctx context.Context) error {
	m.enter(ctx, "Ping")

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.popError("Ping")
}

func (m *MockFetcher) InterfaceNames(ctx context.Context) ([]string, error) {
	m.enter(ctx, "InterfaceNames")

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.popError("InterfaceNames"); err != nil {
		return nil, err
	}
	return append([]string{}, m.ifaceNames...), nil
}

var _ telemetry.Fetcher = (*MockFetcher)(nil)
