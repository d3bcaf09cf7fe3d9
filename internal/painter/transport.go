package painter

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"time"

	"github.com/vectorbench/chunkcache/internal/cerrors"
)

// transport is the single choke point for outbound HTTP requests,
// mirroring the teacher's doRequest in internal/github/client.go: one
// function builds the request, sets headers, executes it, and the
// caller classifies the response. Retry/backoff policy is layered on
// top in fetchRange so it lives in exactly one place.
type transport struct {
	client *http.Client
	token  string
}

// doRequest issues one ranged GET for [start, end) and returns the raw
// response for the caller to classify. The caller owns resp.Body, and ctx
// must stay live until the body has been read.
func (t *transport) doRequest(ctx context.Context, method, remoteURL string, start, end int64) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, remoteURL, nil)
	if err != nil {
		return nil, cerrors.New("painter.doRequest", cerrors.Io, err)
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, end-1))
	if t.token != "" {
		req.Header.Set("Authorization", "Bearer "+t.token)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, retryableErr{err}
	}
	return resp, nil
}

// retryableErr marks transport-level conditions fetchRange treats as
// transient rather than fatal.
type retryableErr struct{ err error }

func (r retryableErr) Error() string { return r.err.Error() }
func (r retryableErr) Unwrap() error { return r.err }

func isRetryable(err error) bool {
	_, ok := err.(retryableErr)
	return ok
}

// fetchRange performs one chunk fetch with retry/backoff: transport
// errors, partial ranged reads, and any status other than 206 or 200
// count as retryable on every attempt, and each retry repeats the same
// ranged GET. A 200 response (the server ignored the Range header) is
// not retried: the leaf's window is read out of that full body, bounded
// by the leaf length via io.LimitReader. No separate full-body GET is
// ever issued, and a 206 response's Content-Range is not checked.
func fetchRange(ctx context.Context, t *transport, remoteURL string, start, end int64, opts Options) ([]byte, error) {
	deadline := time.Now().Add(opts.PerChunkDeadline)
	var lastErr error

	for attempt := 0; attempt <= opts.MaxRetries; attempt++ {
		if time.Now().After(deadline) {
			break
		}
		if attempt > 0 {
			backoff := time.Duration(1<<uint(attempt-1)) * 100 * time.Millisecond
			jitter := time.Duration(rand.Int63n(int64(backoff) + 1))
			select {
			case <-time.After(backoff + jitter):
			case <-ctx.Done():
				return nil, cerrors.New("painter.fetchRange", cerrors.Cancelled, ctx.Err())
			}
		}

		data, err := fetchRangeOnce(ctx, t, remoteURL, start, end, opts.RequestTimeout)
		if err == nil {
			return data, nil
		}
		lastErr = err
		if !isRetryable(err) {
			return nil, err
		}
	}
	return nil, cerrors.New("painter.fetchRange", cerrors.Io, lastErr)
}

func fetchRangeOnce(ctx context.Context, t *transport, remoteURL string, start, end int64, timeout time.Duration) ([]byte, error) {
	want := end - start

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := t.doRequest(ctx, http.MethodGet, remoteURL, start, end)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusPartialContent:
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, retryableErr{err}
		}
		if int64(len(data)) != want {
			return nil, retryableErr{fmt.Errorf("partial ranged read: got %d bytes, want %d", len(data), want)}
		}
		return data, nil

	case http.StatusOK:
		// Server ignored the Range header; fall back to reading the
		// covering window out of the full body, bounded by chunk size.
		if _, err := io.CopyN(io.Discard, resp.Body, start); err != nil {
			return nil, retryableErr{fmt.Errorf("skipping to range start: %w", err)}
		}
		data, err := io.ReadAll(io.LimitReader(resp.Body, want))
		if err != nil {
			return nil, retryableErr{err}
		}
		if int64(len(data)) != want {
			return nil, retryableErr{fmt.Errorf("fallback full-body read: got %d bytes, want %d", len(data), want)}
		}
		return data, nil

	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, retryableErr{fmt.Errorf("unexpected status %d: %s", resp.StatusCode, body)}
	}
}
