package connector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// CommKeyHeader carries the device passcode to HTTP relays.
const CommKeyHeader = "X-Comm-Key"

// maxPollBody bounds one poll response.
const maxPollBody = 16 << 20

// HTTPPoller polls an HTTP relay in front of a terminal:
//
//	GET {base}/ping                  liveness, 2xx when reachable
//	GET {base}/events?since=RFC3339  {"records": [...]}
type HTTPPoller struct {
	name    string
	base    string
	commKey string
	client  *http.Client
	dec     decoder
	log     *slog.Logger

	mu        sync.Mutex
	connected bool
}

// HTTPPollerConfig configures an HTTPPoller.
type HTTPPollerConfig struct {
	Name    string
	BaseURL string
	CommKey string
	Client  *http.Client
	Log     *slog.Logger
}

func newHTTPPoller(cfg HTTPPollerConfig, dec decoder) *HTTPPoller {
	if cfg.Client == nil {
		cfg.Client = http.DefaultClient
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	return &HTTPPoller{
		name:    cfg.Name,
		base:    strings.TrimRight(cfg.BaseURL, "/"),
		commKey: cfg.CommKey,
		client:  cfg.Client,
		dec:     dec,
		log:     cfg.Log,
	}
}

func (p *HTTPPoller) Name() string { return p.name }

// Connect checks that the relay answers its ping endpoint.
func (p *HTTPPoller) Connect(ctx context.Context) error {
	resp, err := p.get(ctx, "/ping")
	if err != nil {
		return err
	}
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	resp.Body.Close()

	p.mu.Lock()
	p.connected = true
	p.mu.Unlock()
	return nil
}

// FetchSince returns the records the relay holds after cursor. Records that
// fail to decode are logged and skipped so one corrupt entry cannot wedge
// the device's cursor.
func (p *HTTPPoller) FetchSince(ctx context.Context, cursor time.Time) ([]Record, error) {
	p.mu.Lock()
	connected := p.connected
	p.mu.Unlock()
	if !connected {
		return nil, fmt.Errorf("%s: not connected", p.name)
	}

	resp, err := p.get(ctx, "/events?since="+url.QueryEscape(cursor.UTC().Format(time.RFC3339)))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var body struct {
		Records []json.RawMessage `json:"records"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxPollBody)).Decode(&body); err != nil {
		return nil, fmt.Errorf("%s: decode events: %w", p.name, err)
	}

	records := make([]Record, 0, len(body.Records))
	for i, raw := range body.Records {
		rec, err := p.dec.decode(raw)
		if err != nil {
			p.log.Warn("skipping undecodable record", "transport", p.name, "index", i, "err", err)
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

func (p *HTTPPoller) Disconnect() error {
	p.mu.Lock()
	p.connected = false
	p.mu.Unlock()
	p.client.CloseIdleConnections()
	return nil
}

func (p *HTTPPoller) get(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.base+path, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", p.name, err)
	}
	if p.commKey != "" {
		req.Header.Set(CommKeyHeader, p.commKey)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", p.name, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, fmt.Errorf("%s: %w", p.name, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))})
	}
	return resp, nil
}

// StatusError is a non-2xx relay response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("relay returned %d", e.Code)
	}
	return fmt.Sprintf("relay returned %d: %s", e.Code, e.Body)
}

// IsAuthError reports whether err is a relay rejecting the comm key.
func IsAuthError(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && (se.Code == http.StatusUnauthorized || se.Code == http.StatusForbidden)
}
