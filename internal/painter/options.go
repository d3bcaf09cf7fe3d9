// Package painter implements the on-demand fetcher: given a byte range
// of a remote artifact, it ensures every covering chunk is fetched,
// hash-verified against the artifact's MerkleRef, persisted into a local
// sparse data file, and its MerkleState bit flipped — deduplicating
// concurrent requests for the same chunk.
package painter

import (
	"net/http"
	"time"

	"github.com/vectorbench/chunkcache/internal/chunkpool"
)

// Options configures a Painter. The zero value is usable: Open fills in
// MaxInFlight, HTTPClient, RequestTimeout and PerChunkDeadline when they
// are unset, and a zero MaxRetries means no retries. This follows the
// teacher's plain options-struct convention rather than a
// functional-options API.
type Options struct {
	// Token is an explicit bearer token for the remote host. If empty,
	// resolveToken falls back to CHUNKCACHE_TOKEN then .netrc.
	Token string

	// MaxInFlight bounds concurrent HTTP fetches per Painter.
	MaxInFlight int

	// HTTPClient is the transport to use; a default is constructed if nil.
	HTTPClient *http.Client

	// RequestTimeout bounds a single HTTP round trip.
	RequestTimeout time.Duration

	// PerChunkDeadline bounds the total time (across retries) spent
	// fetching one chunk.
	PerChunkDeadline time.Duration

	// MaxRetries is the number of retry attempts after the first try.
	MaxRetries int

	// ChunkPool, if set, is checked before every network fetch and
	// populated with every verified chunk (see SPEC_FULL.md §4.5). Leave
	// nil to disable pooling entirely.
	ChunkPool chunkpool.Pool

	// Progress, if set, is invoked after each chunk is verified (from
	// the pool or the network), with the number of leaves now valid and
	// the total leaf count.
	Progress func(validLeaves, leafCount int64)
}

// DefaultOptions returns sensible defaults for a standalone Painter.
func DefaultOptions() Options {
	return Options{
		MaxInFlight:      8,
		RequestTimeout:   30 * time.Second,
		PerChunkDeadline: 2 * time.Minute,
		MaxRetries:       3,
	}
}

func (o *Options) fillDefaults() {
	if o.MaxInFlight <= 0 {
		o.MaxInFlight = 8
	}
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{Timeout: 0} // per-request timeout applied via context
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 30 * time.Second
	}
	if o.PerChunkDeadline <= 0 {
		o.PerChunkDeadline = 2 * time.Minute
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
}
