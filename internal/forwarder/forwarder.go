package forwarder

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mindgoner/propagator/internal/logger"
	"github.com/mindgoner/propagator/pkg/record"
)

// Forwarder sends recorded requests to other HTTP endpoints: replays into
// the local application and fan-out to configured upstreams.
type Forwarder struct {
	client      *http.Client
	logger      logger.Logger
	retries     int
	workerPool  chan struct{}
	skipHeaders map[string]bool
	mu          sync.Mutex
	cond        *sync.Cond
	closed      bool
	activeCalls int
}

// Options configures the transport and retry policy.
type Options struct {
	Timeout               time.Duration
	Retries               int
	MaxConcurrent         int
	MaxIdleConns          int
	MaxIdleConnsPerHost   int
	MaxConnsPerHost       int
	IdleConnTimeout       time.Duration
	ResponseHeaderTimeout time.Duration
	TLSHandshakeTimeout   time.Duration
	TLSInsecureSkipVerify bool
	// HeaderBlacklist lists lower-case header names never copied to the
	// outbound request. Empty means the hop-by-hop defaults.
	HeaderBlacklist []string
}

// Result describes a completed replay.
type Result struct {
	StatusCode int
	Duration   time.Duration
	Attempts   int
}

// ErrForwarderClosed indicates the forwarder has been shut down.
var ErrForwarderClosed = errors.New("forwarder is closed")

var defaultSkipHeaders = []string{
	"host",
	"connection",
	"keep-alive",
	"proxy-authenticate",
	"proxy-authorization",
	"te",
	"trailers",
	"transfer-encoding",
	"upgrade",
	"content-length",
}

// NewForwarder creates new forwarder
func NewForwarder(logger logger.Logger, opts Options) *Forwarder {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 10
	}

	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          positiveOrDefault(opts.MaxIdleConns, 200),
		MaxIdleConnsPerHost:   positiveOrDefault(opts.MaxIdleConnsPerHost, opts.MaxConcurrent),
		MaxConnsPerHost:       positiveOrDefault(opts.MaxConnsPerHost, opts.MaxConcurrent*2),
		IdleConnTimeout:       durationOrDefault(opts.IdleConnTimeout, 90*time.Second),
		ResponseHeaderTimeout: durationOrDefault(opts.ResponseHeaderTimeout, 15*time.Second),
		TLSHandshakeTimeout:   durationOrDefault(opts.TLSHandshakeTimeout, 10*time.Second),
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: opts.TLSInsecureSkipVerify,
		},
	}

	blacklist := opts.HeaderBlacklist
	if len(blacklist) == 0 {
		blacklist = defaultSkipHeaders
	}
	skip := make(map[string]bool, len(blacklist)+3)
	for _, h := range blacklist {
		skip[strings.ToLower(strings.TrimSpace(h))] = true
	}
	// Control headers are set explicitly, never copied.
	skip[strings.ToLower(record.HeaderOrigin)] = true
	skip[strings.ToLower(record.HeaderID)] = true
	skip[strings.ToLower(record.HeaderReceivedAt)] = true

	f := &Forwarder{
		client: &http.Client{
			Timeout:   opts.Timeout,
			Transport: transport,
		},
		logger:      logger,
		retries:     opts.Retries,
		workerPool:  make(chan struct{}, opts.MaxConcurrent),
		skipHeaders: skip,
	}
	f.cond = sync.NewCond(&f.mu)
	return f
}

// Replay re-issues rec against baseURL joined with the record's path and
// query. The outbound request carries the remote origin marker along with
// the record id and receive time so the local capture recognises it.
// A 5xx response or a transport error is retried; anything else is returned
// as the result.
func (f *Forwarder) Replay(ctx context.Context, rec *record.Record, baseURL string) (Result, error) {
	if !f.acquire() {
		return Result{}, ErrForwarderClosed
	}
	defer f.release()

	target := buildTarget(baseURL, rec)
	header := f.copyHeaders(rec.Headers)
	header.Set(record.HeaderOrigin, record.OriginRemote)
	header.Set(record.HeaderID, rec.ID)
	header.Set(record.HeaderReceivedAt, record.FormatTime(rec.ReceivedAt))

	start := time.Now()
	status, attempts, err := f.withRetry(ctx, func(attempt int) (int, error) {
		return f.send(ctx, rec.Method, target, header, rec.Body)
	})
	res := Result{StatusCode: status, Duration: time.Since(start), Attempts: attempts}
	if err != nil {
		return res, fmt.Errorf("replay %s to %s: %w", rec.ID, target, err)
	}
	f.logger.Debug("Record replayed",
		"id", rec.ID,
		"url", target,
		"status", status,
		"attempts", attempts,
		"duration", res.Duration)
	return res, nil
}

// Forward sends a locally captured record to every url concurrently.
// Failures are logged; Forward only returns an error when closed.
func (f *Forwarder) Forward(ctx context.Context, rec *record.Record, urls []string) error {
	if len(urls) == 0 {
		return nil
	}
	if !f.acquire() {
		return ErrForwarderClosed
	}
	defer f.release()

	var wg sync.WaitGroup
	for _, url := range urls {
		wg.Add(1)
		go func(baseURL string) {
			defer wg.Done()

			f.workerPool <- struct{}{}
			defer func() { <-f.workerPool }()

			f.forwardToURL(ctx, rec, baseURL)
		}(url)
	}

	wg.Wait()
	return nil
}

func (f *Forwarder) forwardToURL(ctx context.Context, rec *record.Record, baseURL string) {
	target := buildTarget(baseURL, rec)
	status, attempts, err := f.withRetry(ctx, func(attempt int) (int, error) {
		header := f.copyHeaders(rec.Headers)
		if rec.IP != "" {
			header.Set("X-Forwarded-For", rec.IP)
		}
		if host := rec.Headers.Get("Host"); host != "" {
			header.Set("X-Forwarded-Host", host)
		}
		header.Set("X-Propagator-Forward-Attempt", strconv.Itoa(attempt+1))
		status, err := f.send(ctx, rec.Method, target, header, rec.Body)
		if err == nil && status >= 400 {
			err = fmt.Errorf("target returned status %d", status)
		}
		return status, err
	})
	if err != nil {
		f.logger.Error("All forward attempts failed",
			"url", target,
			"final_error", err.Error(),
			"total_attempts", attempts,
		)
		return
	}
	f.logger.Info("Request forwarded successfully",
		"url", target,
		"method", rec.Method,
		"status", status,
		"attempt", attempts,
	)
}

// withRetry runs fn up to retries+1 times with exponential backoff.
func (f *Forwarder) withRetry(ctx context.Context, fn func(attempt int) (int, error)) (int, int, error) {
	var (
		status  int
		lastErr error
	)
	for attempt := 0; attempt <= f.retries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(math.Pow(2, float64(attempt-1))) * time.Second
			if backoff > 30*time.Second {
				backoff = 30 * time.Second
			}
			select {
			case <-ctx.Done():
				return status, attempt, ctx.Err()
			case <-time.After(backoff):
			}
		}

		status, lastErr = fn(attempt)
		if lastErr == nil {
			return status, attempt + 1, nil
		}
		f.logger.Warn("Outbound attempt failed",
			"error", lastErr.Error(),
			"attempt", attempt+1,
		)
	}
	return status, f.retries + 1, lastErr
}

func (f *Forwarder) send(ctx context.Context, method, target string, header http.Header, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("create request failed: %w", err)
	}
	req.Header = header.Clone()

	resp, err := f.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("request failed: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			f.logger.Warn("Failed to close response body", "error", cerr)
		}
	}()

	// Drain so the connection returns to the pool.
	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		f.logger.Warn("Failed to read response body", "error", err)
	}

	if resp.StatusCode >= 500 {
		return resp.StatusCode, fmt.Errorf("target returned status %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}

func (f *Forwarder) copyHeaders(src http.Header) http.Header {
	dst := make(http.Header, len(src))
	for key, values := range src {
		if f.skipHeaders[strings.ToLower(key)] {
			continue
		}
		for _, value := range values {
			dst.Add(key, value)
		}
	}
	return dst
}

func (f *Forwarder) acquire() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false
	}
	f.activeCalls++
	return true
}

func (f *Forwarder) release() {
	f.mu.Lock()
	f.activeCalls--
	if f.activeCalls == 0 {
		f.cond.Broadcast()
	}
	f.mu.Unlock()
}

// Close waits for in-flight calls and releases idle connections.
func (f *Forwarder) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	for f.activeCalls > 0 {
		f.cond.Wait()
	}
	f.mu.Unlock()

	if transport, ok := f.client.Transport.(*http.Transport); ok {
		transport.CloseIdleConnections()
	}
}

// buildTarget joins base, the record path and its encoded query.
func buildTarget(baseURL string, rec *record.Record) string {
	path := rec.Path
	if path == "" {
		path = "/"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	target := strings.TrimSuffix(baseURL, "/") + path
	if len(rec.QueryParams) > 0 {
		target += "?" + rec.QueryParams.Encode()
	}
	return target
}

func positiveOrDefault(value, def int) int {
	if value > 0 {
		return value
	}
	return def
}

func durationOrDefault(value, def time.Duration) time.Duration {
	if value > 0 {
		return value
	}
	return def
}
