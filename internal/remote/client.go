package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"time"
	"unicode/utf8"

	"github.com/tidwall/gjson"
)

const (
	// maxRedirects is the maximum number of HTTP redirects to follow
	// before giving up, matching the default net/http limit.
	maxRedirects = 10

	// httpClientTimeout is the timeout for the default HTTP client used
	// when no custom client is provided.
	httpClientTimeout = 30 * time.Second

	// maxResponseBytes caps response body reads to prevent a misbehaving
	// server from consuming unbounded memory.
	maxResponseBytes = 4 * 1024 * 1024

	// maxErrorBodyBytes caps how much of an error body is read for
	// inclusion in error messages.
	maxErrorBodyBytes = 64 * 1024
)

// TransientError wraps an error that is likely temporary and safe to retry.
// The offline write queue keeps entries whose dispatch failed with one.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// RequestError is a response from a server that was reached and rejected
// the request. Status distinguishes transient (retryable) rejections
// from permanent ones.
type RequestError struct {
	Status  int
	Table   string
	Message string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("remote %s (%d): %s", e.Table, e.Status, e.Message)
}

// Store talks to a PostgREST-style relational backend over HTTPS.
// Operations address a table plus a match predicate of column equality
// filters, mirroring the verbs the write queue records.
type Store struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
}

// sameHostRedirectPolicy follows redirects only when the target host
// matches the original request host. This prevents the API key from
// leaking to third-party domains.
func sameHostRedirectPolicy(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return errors.New("stopped after 10 redirects")
	}

	if len(via) > 0 {
		origHost := via[0].URL.Host
		if req.URL.Host != origHost {
			return fmt.Errorf("redirect to different host blocked: %s -> %s", origHost, req.URL.Host)
		}
	}

	return nil
}

// NewStore creates a remote store client. If httpClient is nil, a client
// with a 30-second timeout and same-host redirect policy is created.
func NewStore(baseURL, apiKey string, httpClient *http.Client) *Store {
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout:       httpClientTimeout,
			CheckRedirect: sameHostRedirectPolicy,
		}
	}

	return &Store{
		httpClient: httpClient,
		baseURL:    baseURL,
		apiKey:     apiKey,
	}
}

// Insert creates a new row in table.
func (s *Store) Insert(ctx context.Context, table string, payload map[string]any) error {
	return s.write(ctx, http.MethodPost, table, payload, nil, "return=minimal")
}

// Update patches rows in table matching the predicate.
func (s *Store) Update(ctx context.Context, table string, payload, match map[string]any) error {
	return s.write(ctx, http.MethodPatch, table, payload, match, "return=minimal")
}

// Upsert inserts or overwrites a row in table, last writer wins.
func (s *Store) Upsert(ctx context.Context, table string, payload map[string]any) error {
	return s.write(ctx, http.MethodPost, table, payload, nil, "resolution=merge-duplicates,return=minimal")
}

// Delete removes rows in table matching the predicate. Deleting rows
// that no longer exist is a success, not an error: replays of queued
// deletes must tolerate the row being already gone.
func (s *Store) Delete(ctx context.Context, table string, match map[string]any) error {
	return s.write(ctx, http.MethodDelete, table, nil, match, "return=minimal")
}

// Select fetches all rows in table matching the predicate into result,
// which must be a pointer to a slice.
func (s *Store) Select(ctx context.Context, table string, match map[string]any, result any) error {
	req, err := s.newRequest(ctx, http.MethodGet, table, nil, match, "")
	if err != nil {
		return err
	}

	body, err := s.do(req, table)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(body, result); err != nil {
		return fmt.Errorf("decoding rows from %s: %w", table, err)
	}

	return nil
}

// Probe checks reachability of the backend with a cheap request. Any
// response, including an error status, proves the server is reachable;
// only transport failures count as unreachable.
func (s *Store) Probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, s.baseURL+"/", nil)
	if err != nil {
		return fmt.Errorf("creating probe request: %w", err)
	}

	req.Header.Set("apikey", s.apiKey)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return &TransientError{Err: fmt.Errorf("probing %s: %w", s.baseURL, err)}
	}

	resp.Body.Close()

	return nil
}

func (s *Store) write(ctx context.Context, method, table string, payload, match map[string]any, prefer string) error {
	req, err := s.newRequest(ctx, method, table, payload, match, prefer)
	if err != nil {
		return err
	}

	_, err = s.do(req, table)

	return err
}

// newRequest builds a request for table. The match predicate becomes
// PostgREST equality filters (?col=eq.value); the payload is the JSON body.
func (s *Store) newRequest(ctx context.Context, method, table string, payload, match map[string]any, prefer string) (*http.Request, error) {
	var body io.Reader

	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshalling payload for %s: %w", table, err)
		}

		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+"/"+url.PathEscape(table), body)
	if err != nil {
		return nil, fmt.Errorf("creating request for %s: %w", table, err)
	}

	if match != nil {
		q := req.URL.Query()

		// Sorted for deterministic URLs (and testable requests).
		cols := make([]string, 0, len(match))
		for col := range match {
			cols = append(cols, col)
		}

		sort.Strings(cols)

		for _, col := range cols {
			q.Set(col, fmt.Sprintf("eq.%v", match[col]))
		}

		req.URL.RawQuery = q.Encode()
	}

	req.Header.Set("apikey", s.apiKey)
	req.Header.Set("Authorization", "Bearer "+s.apiKey)

	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if prefer != "" {
		req.Header.Set("Prefer", prefer)
	}

	return req, nil
}

// do sends the request and classifies the outcome. Transport failures
// come back wrapped in TransientError; error statuses come back as
// RequestError, additionally wrapped in TransientError when the status
// suggests a temporary server-side problem.
func (s *Store) do(req *http.Request, table string) ([]byte, error) {
	resp, err := s.httpClient.Do(req)
	if err != nil {
		// Network errors (timeouts, connection refused, DNS failures)
		// are transient by nature.
		return nil, &TransientError{Err: fmt.Errorf("sending request to %s: %w", table, err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &TransientError{Err: fmt.Errorf("reading response from %s: %w", table, err)}
	}

	if resp.StatusCode >= http.StatusBadRequest {
		reqErr := &RequestError{
			Status:  resp.StatusCode,
			Table:   table,
			Message: errorMessage(body),
		}

		if isTransientStatus(resp.StatusCode) {
			return nil, &TransientError{Err: reqErr}
		}

		return nil, reqErr
	}

	return body, nil
}

// errorMessage extracts a human-readable message from a PostgREST error
// body without committing to its full schema.
func errorMessage(body []byte) string {
	if len(body) > maxErrorBodyBytes {
		body = body[:maxErrorBodyBytes]
	}

	for _, field := range []string{"message", "hint", "error", "code"} {
		if v := gjson.GetBytes(body, field); v.Exists() && v.String() != "" {
			return v.String()
		}
	}

	return sanitizeBody(body)
}

// sanitizeBody truncates and sanitizes a response body for inclusion in
// error messages. Limits to 256 bytes and replaces non-printable
// characters to prevent log injection.
func sanitizeBody(body []byte) string {
	const maxLen = 256
	if len(body) > maxLen {
		body = body[:maxLen]
	}

	var clean []byte

	for len(body) > 0 {
		r, size := utf8.DecodeRune(body)
		if r == utf8.RuneError && size <= 1 {
			clean = append(clean, '?')
			body = body[1:]

			continue
		}

		if r < 0x20 && r != '\n' && r != '\r' && r != '\t' {
			clean = append(clean, '?')
		} else {
			clean = append(clean, body[:size]...)
		}

		body = body[size:]
	}

	return string(clean)
}
