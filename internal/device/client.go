package device

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/developingchet/fwconsole/internal/metrics"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// ClientConfig holds parameters for constructing a device HTTP client.
type ClientConfig struct {
	BaseURL    string
	APIKey     string
	APISecret  string
	VerifyTLS  bool
	CACertPath string
	Timeout    time.Duration
	Debug      bool
	LogLimit   int     // max log lines requested per fetch
	RateLimit  float64 // requests per second; 0 = unlimited
	RateBurst  int
	UserAgent  string
}

// Client talks to the firewall's HTTP management API. It implements
// telemetry.Fetcher.
type Client struct {
	cfg     ClientConfig
	http    *http.Client
	limiter *rate.Limiter
	log     zerolog.Logger
}

// NewClient builds a Client. No request is made until the first call.
func NewClient(cfg ClientConfig, log zerolog.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("device base URL is required")
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.LogLimit <= 0 {
		cfg.LogLimit = 500
	}

	tlsCfg := &tls.Config{
		InsecureSkipVerify: !cfg.VerifyTLS, //nolint:gosec // user-opted-in
	}
	if cfg.CACertPath != "" {
		pem, err := os.ReadFile(cfg.CACertPath)
		if err != nil {
			return nil, fmt.Errorf("read CA cert %s: %w", cfg.CACertPath, err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no valid certificates in %s", cfg.CACertPath)
		}
		tlsCfg.RootCAs = pool
	}

	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		TLSClientConfig:       tlsCfg,
		TLSHandshakeTimeout:   10 * time.Second,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	c := &Client{
		cfg: cfg,
		http: &http.Client{
			Transport: transport,
			Timeout:   cfg.Timeout,
		},
		log: log,
	}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return c, nil
}

// apiGet issues an authenticated GET and returns the response on 2xx. Any
// other outcome is a *FetchError.
func (c *Client) apiGet(ctx context.Context, path, endpoint string) (*http.Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, &FetchError{Kind: KindNetwork, Endpoint: endpoint, Err: err}
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+path, nil)
	if err != nil {
		return nil, &FetchError{Kind: KindNetwork, Endpoint: endpoint, Err: err}
	}
	req.SetBasicAuth(c.cfg.APIKey, c.cfg.APISecret)
	req.Header.Set("Accept", "application/json")
	if c.cfg.UserAgent != "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}

	if c.cfg.Debug {
		c.log.Debug().Str("method", req.Method).Str("url", req.URL.String()).Msg("device api request")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		if c.cfg.Debug {
			c.log.Debug().Str("url", req.URL.String()).Err(err).Dur("elapsed", elapsed).Msg("device api request failed")
		}
		metrics.APICalls.WithLabelValues(endpoint, "error").Inc()
		return nil, &FetchError{Kind: KindNetwork, Endpoint: endpoint, Err: err}
	}

	metrics.APICalls.WithLabelValues(endpoint, fmt.Sprintf("%dxx", resp.StatusCode/100)).Inc()
	metrics.APIDuration.WithLabelValues(endpoint).Observe(elapsed.Seconds())
	if c.cfg.Debug {
		c.log.Debug().Str("url", req.URL.String()).Int("status", resp.StatusCode).
			Dur("elapsed", elapsed).Msg("device api response")
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		_ = resp.Body.Close()
		return nil, &FetchError{Kind: KindAuth, Endpoint: endpoint, Status: resp.StatusCode}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		_ = resp.Body.Close()
		return nil, &FetchError{Kind: KindStatus, Endpoint: endpoint, Status: resp.StatusCode}
	}
	return resp, nil
}

// Ping verifies the device is reachable and the credentials are accepted.
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.apiGet(ctx, pathSystemTime, "ping")
	if err != nil {
		return err
	}
	_ = resp.Body.Close()
	return nil
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.http.CloseIdleConnections()
	return nil
}
