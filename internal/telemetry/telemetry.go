// Package telemetry holds the data model shared by the device client and the
// log and traffic caches.
package telemetry

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/zeebo/blake3"
)

// LogEntry is a single firewall log line as reported by the device.
type LogEntry struct {
	Timestamp       time.Time `json:"timestamp"`
	Source          string    `json:"source"`
	SourcePort      string    `json:"source_port,omitempty"`
	Destination     string    `json:"destination"`
	DestinationPort string    `json:"destination_port,omitempty"`
	Interface       string    `json:"interface"`
	Action          string    `json:"action"` // "pass", "block", "rdr", ...
	Protocol        string    `json:"protocol"`
	Label           string    `json:"label,omitempty"`
	Raw             string    `json:"raw"`
}

// EntryKey identifies a LogEntry for duplicate suppression.
type EntryKey [32]byte

// Key returns the identity of e: a BLAKE3 digest over the timestamp,
// both endpoints with ports, interface, action, protocol and raw message.
// Two polls that return the same device line produce the same key.
func (e LogEntry) Key() EntryKey {
	h := blake3.New()
	for _, field := range []string{
		strconv.FormatInt(e.Timestamp.UnixNano(), 10),
		e.Source, e.SourcePort,
		e.Destination, e.DestinationPort,
		e.Interface, e.Action, e.Protocol,
		e.Raw,
	} {
		_, _ = h.Write([]byte(field))
		_, _ = h.Write([]byte{0})
	}
	var k EntryKey
	copy(k[:], h.Sum(nil))
	return k
}

// LogFilters selects log entries. Empty allow-lists accept everything and a
// zero time bound is open.
type LogFilters struct {
	Interfaces []string  `json:"interfaces,omitempty"`
	Actions    []string  `json:"actions,omitempty"`
	Protocols  []string  `json:"protocols,omitempty"`
	Search     string    `json:"search,omitempty"`
	Since      time.Time `json:"since,omitempty"`
	Until      time.Time `json:"until,omitempty"`
}

// Match reports whether e satisfies every criterion in f.
func (f LogFilters) Match(e LogEntry) bool {
	if !allowed(f.Interfaces, e.Interface) {
		return false
	}
	if !allowed(f.Actions, e.Action) {
		return false
	}
	if !allowed(f.Protocols, e.Protocol) {
		return false
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && e.Timestamp.After(f.Until) {
		return false
	}
	if f.Search != "" {
		needle := strings.ToLower(f.Search)
		hay := strings.ToLower(strings.Join([]string{
			e.Source, e.SourcePort, e.Destination, e.DestinationPort,
			e.Interface, e.Action, e.Protocol, e.Label, e.Raw,
		}, " "))
		if !strings.Contains(hay, needle) {
			return false
		}
	}
	return true
}

// Clone returns a deep copy so callers cannot mutate shared slices.
func (f LogFilters) Clone() LogFilters {
	out := f
	out.Interfaces = append([]string(nil), f.Interfaces...)
	out.Actions = append([]string(nil), f.Actions...)
	out.Protocols = append([]string(nil), f.Protocols...)
	return out
}

func allowed(list []string, v string) bool {
	if len(list) == 0 {
		return true
	}
	for _, s := range list {
		if strings.EqualFold(s, v) {
			return true
		}
	}
	return false
}

// TrafficSample is a point-in-time reading of an interface's counters.
// Counters are monotonic as reported by the device.
type TrafficSample struct {
	Interface  string    `json:"interface"`
	Timestamp  time.Time `json:"timestamp"`
	BytesIn    uint64    `json:"bytes_in"`
	BytesOut   uint64    `json:"bytes_out"`
	PacketsIn  uint64    `json:"packets_in"`
	PacketsOut uint64    `json:"packets_out"`
}

// Fetcher is the remote telemetry seam consumed by the caches.
type Fetcher interface {
	FetchLogs(ctx context.Context, filters LogFilters) ([]LogEntry, error)
	FetchTraffic(ctx context.Context) (map[string]TrafficSample, error)
}
