package device

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/developingchet/fwconsole/internal/telemetry"
)

const (
	pathFirewallLog    = "/api/diagnostics/firewall/log"
	pathTrafficIface   = "/api/diagnostics/traffic/interface"
	pathInterfaceNames = "/api/diagnostics/interface/getInterfaceNames"
	pathSystemTime     = "/api/diagnostics/system/systemTime"
)

// rawLogLine is one element of the firewall log response.
type rawLogLine struct {
	Timestamp string `json:"__timestamp__"`
	Source    string `json:"src"`
	SrcPort   string `json:"srcport"`
	Dest      string `json:"dst"`
	DstPort   string `json:"dstport"`
	Interface string `json:"interface"`
	Action    string `json:"action"`
	Proto     string `json:"protoname"`
	Label     string `json:"label"`
	Digest    string `json:"__digest__"`
}

// counter decodes a numeric field the device may send as a JSON number or a
// quoted string.
type counter uint64

func (c *counter) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*c = 0
		return nil
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		f, ferr := strconv.ParseFloat(s, 64)
		if ferr != nil || f < 0 {
			return fmt.Errorf("invalid counter %q", s)
		}
		v = uint64(f)
	}
	*c = counter(v)
	return nil
}

type rawIfaceTraffic struct {
	Name       string  `json:"name"`
	Device     string  `json:"device"`
	BytesIn    counter `json:"bytes received"`
	BytesOut   counter `json:"bytes transmitted"`
	PacketsIn  counter `json:"packets received"`
	PacketsOut counter `json:"packets transmitted"`
}

type rawTraffic struct {
	Interfaces map[string]rawIfaceTraffic `json:"interfaces"`
	Time       float64                    `json:"time"`
}

// FetchLogs pulls the most recent LogLimit firewall log lines and returns
// those matching filters, in device order.
func (c *Client) FetchLogs(ctx context.Context, filters telemetry.LogFilters) ([]telemetry.LogEntry, error) {
	path := pathFirewallLog + "?limit=" + strconv.Itoa(c.cfg.LogLimit)
	var lines []rawLogLine
	if err := c.getJSON(ctx, path, "firewall_log", &lines); err != nil {
		return nil, err
	}

	now := time.Now()
	out := make([]telemetry.LogEntry, 0, len(lines))
	for _, l := range lines {
		e, err := toLogEntry(l, now)
		if err != nil {
			c.log.Debug().Err(err).Str("digest", l.Digest).Msg("skipping malformed log line")
			continue
		}
		if filters.Match(e) {
			out = append(out, e)
		}
	}
	return out, nil
}

// FetchTraffic returns the current counters for every interface, keyed by
// the interface's display name.
func (c *Client) FetchTraffic(ctx context.Context) (map[string]telemetry.TrafficSample, error) {
	var raw rawTraffic
	if err := c.getJSON(ctx, pathTrafficIface, "traffic", &raw); err != nil {
		return nil, err
	}

	ts := time.Now().UTC()
	if raw.Time > 0 {
		sec := int64(raw.Time)
		ts = time.Unix(sec, int64((raw.Time-float64(sec))*1e9)).UTC()
	}

	out := make(map[string]telemetry.TrafficSample, len(raw.Interfaces))
	for key, r := range raw.Interfaces {
		name := r.Name
		if name == "" {
			name = key
		}
		out[name] = telemetry.TrafficSample{
			Interface:  name,
			Timestamp:  ts,
			BytesIn:    uint64(r.BytesIn),
			BytesOut:   uint64(r.BytesOut),
			PacketsIn:  uint64(r.PacketsIn),
			PacketsOut: uint64(r.PacketsOut),
		}
	}
	return out, nil
}

// InterfaceNames returns the device's interface descriptions, sorted.
func (c *Client) InterfaceNames(ctx context.Context) ([]string, error) {
	var m map[string]string
	if err := c.getJSON(ctx, pathInterfaceNames, "interface_names", &m); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(m))
	for _, v := range m {
		names = append(names, v)
	}
	sort.Strings(names)
	return names, nil
}

func (c *Client) getJSON(ctx context.Context, path, endpoint string, v interface{}) error {
	resp, err := c.apiGet(ctx, path, endpoint)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(v); err != nil {
		return &FetchError{Kind: KindParse, Endpoint: endpoint, Err: err}
	}
	return nil
}

const maxBodyBytes = 32 << 20

var logTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// parseLogTime accepts the device's timestamp formats. Syslog-style stamps
// carry no year; they take now's year, or the previous one when that would
// put them more than a day in the future (lines from late December read in
// early January).
func parseLogTime(v string, now time.Time) (time.Time, error) {
	var ts time.Time
	var err error
	for _, layout := range logTimeLayouts {
		if ts, err = time.Parse(layout, v); err == nil {
			return ts, nil
		}
	}
	if ts, err = time.Parse(time.Stamp, v); err != nil {
		return time.Time{}, err
	}
	now = now.UTC()
	withYear := func(y int) time.Time {
		return time.Date(y, ts.Month(), ts.Day(), ts.Hour(), ts.Minute(), ts.Second(), ts.Nanosecond(), time.UTC)
	}
	out := withYear(now.Year())
	if out.After(now.Add(24 * time.Hour)) {
		out = withYear(now.Year() - 1)
	}
	return out, nil
}

func toLogEntry(l rawLogLine, now time.Time) (telemetry.LogEntry, error) {
	ts, err := parseLogTime(l.Timestamp, now)
	if err != nil {
		return telemetry.LogEntry{}, fmt.Errorf("parse timestamp %q: %w", l.Timestamp, err)
	}

	raw := l.Digest
	if raw == "" {
		raw = strings.Join([]string{l.Timestamp, l.Interface, l.Action, l.Proto,
			l.Source, l.SrcPort, l.Dest, l.DstPort}, ",")
	}
	return telemetry.LogEntry{
		Timestamp:       ts.UTC(),
		Source:          l.Source,
		SourcePort:      l.SrcPort,
		Destination:     l.Dest,
		DestinationPort: l.DstPort,
		Interface:       l.Interface,
		Action:          l.Action,
		Protocol:        l.Proto,
		Label:           l.Label,
		Raw:             raw,
	}, nil
}
