package painter

import (
	"context"
	"crypto/sha256"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/vectorbench/chunkcache/internal/cerrors"
	"github.com/vectorbench/chunkcache/internal/chunkpool"
	"github.com/vectorbench/chunkcache/internal/merkleref"
	"github.com/vectorbench/chunkcache/internal/merklestate"
	"github.com/vectorbench/chunkcache/internal/openregistry"
	"github.com/vectorbench/chunkcache/internal/shape"
)

// Painter bridges a remote content URL and a local (data file,
// MerkleState) pair, fetching only the chunks a caller actually asks
// for and verifying every byte that crosses the network boundary.
type Painter struct {
	ref           *merkleref.MerkleRef
	state         *merklestate.MerkleState
	dataFile      *os.File
	localDataPath string
	remoteURL     string
	opts          Options
	t             *transport
	registry      *openregistry.Handle

	sem chan struct{} // bounds concurrent HTTP fetches to opts.MaxInFlight

	inflightMu sync.Mutex
	inflight   map[int64]*inflightFetch
}

// inflightFetch tracks a single leaf's coalesced fetch. The fetch itself
// runs under ctx, a context derived from context.Background() rather than
// any one caller's context: cancel is only invoked once waiters drops to
// zero, so one caller leaving (or even the leader, which is just the
// first waiter) never aborts the fetch for callers still waiting on it.
type inflightFetch struct {
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	err     error
	waiters int // guarded by Painter.inflightMu
}

// Open prepares a Painter for (localDataPath, remoteUrl): it loads or
// fetches the .mref, loads or creates the .mrkl, sizes the local sparse
// data file, and claims the pair via openregistry so a second Painter
// for the same pair in this or another process fails with AlreadyOpen.
func Open(ctx context.Context, localDataPath, remoteURL string, opts Options) (*Painter, error) {
	const op = "painter.Open"
	opts.fillDefaults()

	registry, err := openregistry.Open(localDataPath, remoteURL)
	if err != nil {
		return nil, err
	}

	tr := &transport{client: opts.HTTPClient, token: resolveToken(opts.Token, remoteURL)}

	refPath := localDataPath + ".mref"
	ref, err := loadOrFetchRef(ctx, tr, refPath, remoteURL+".mref", opts.RequestTimeout)
	if err != nil {
		registry.Close()
		return nil, err
	}

	statePath := localDataPath + ".mrkl"
	state, err := loadOrCreateState(ref, statePath)
	if err != nil {
		registry.Close()
		return nil, err
	}
	if err := state.VerifyMatchesRef(ref); err != nil {
		state.Close()
		registry.Close()
		return nil, err
	}

	dataFile, err := openSizedDataFile(localDataPath, ref.Shape().ContentLength)
	if err != nil {
		state.Close()
		registry.Close()
		return nil, cerrors.New(op, cerrors.Io, err)
	}

	return &Painter{
		ref:           ref,
		state:         state,
		dataFile:      dataFile,
		localDataPath: localDataPath,
		remoteURL:     remoteURL,
		opts:          opts,
		t:             tr,
		registry:      registry,
		sem:           make(chan struct{}, opts.MaxInFlight),
		inflight:      make(map[int64]*inflightFetch),
	}, nil
}

// loadOrFetchRef loads the local .mref if present; otherwise it fetches
// <remoteUrl>.mref in full and saves it locally before loading, per
// spec.md §4.4 step 1.
func loadOrFetchRef(ctx context.Context, tr *transport, refPath, refURL string, timeout time.Duration) (*merkleref.MerkleRef, error) {
	if _, err := os.Stat(refPath); err == nil {
		return merkleref.Load(refPath)
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, refURL, nil)
	if err != nil {
		return nil, cerrors.New("painter.loadOrFetchRef", cerrors.Io, err)
	}
	if tr.token != "" {
		req.Header.Set("Authorization", "Bearer "+tr.token)
	}
	resp, err := tr.client.Do(req)
	if err != nil {
		return nil, cerrors.New("painter.loadOrFetchRef", cerrors.Io, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, cerrors.New("painter.loadOrFetchRef", cerrors.Io, errStatus(resp.StatusCode))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, cerrors.New("painter.loadOrFetchRef", cerrors.Io, err)
	}

	tmpPath := refPath + ".tmp"
	if err := os.WriteFile(tmpPath, body, 0o644); err != nil {
		return nil, cerrors.New("painter.loadOrFetchRef", cerrors.Io, err)
	}
	if err := os.Rename(tmpPath, refPath); err != nil {
		os.Remove(tmpPath)
		return nil, cerrors.New("painter.loadOrFetchRef", cerrors.Io, err)
	}

	return merkleref.Load(refPath)
}

type statusError int

func (e statusError) Error() string { return http.StatusText(int(e)) }
func errStatus(code int) error      { return statusError(code) }

// loadOrCreateState loads the local .mrkl if present, else creates a
// fresh all-invalid state from ref, per spec.md §4.4 step 2.
func loadOrCreateState(ref *merkleref.MerkleRef, statePath string) (*merklestate.MerkleState, error) {
	if _, err := os.Stat(statePath); err == nil {
		return merklestate.Load(statePath)
	}
	return merklestate.FromRef(ref, statePath)
}

// openSizedDataFile opens (creating if needed) the local sparse data
// file and extends it to size via Truncate if it is absent or shorter,
// per spec.md §4.4 step 3.
func openSizedDataFile(path string, size int64) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if info.Size() < size {
		if err := f.Truncate(size); err != nil {
			f.Close()
			return nil, err
		}
	}
	return f, nil
}

// EnsureChunk fetches and verifies leaf i if it is not already valid,
// coalescing concurrent callers for the same leaf into a single fetch.
// Every caller, including the one that starts the fetch, is just a
// waiter on it: cancelling ctx only abandons that caller's own wait and
// never aborts the underlying fetch while other waiters remain (see
// inflightFetch and leaveWaiter).
func (p *Painter) EnsureChunk(ctx context.Context, i int64) error {
	if p.state.IsValid(i) {
		return nil
	}

	p.inflightMu.Lock()
	f, ok := p.inflight[i]
	if !ok || f.ctx.Err() != nil {
		// Start a fresh fetch rather than joining one whose last waiter
		// already left and cancelled it.
		fctx, cancel := context.WithCancel(context.Background())
		f = &inflightFetch{ctx: fctx, cancel: cancel, done: make(chan struct{})}
		p.inflight[i] = f
		go p.runFetch(f, i)
	}
	f.waiters++
	p.inflightMu.Unlock()

	select {
	case <-f.done:
		p.leaveWaiter(f)
		return f.err
	case <-ctx.Done():
		p.leaveWaiter(f)
		return cerrors.New("painter.EnsureChunk", cerrors.Cancelled, ctx.Err())
	}
}

// runFetch performs the coalesced fetch for leaf i under f's own
// context, independent of any waiter's lifetime, and signals completion.
func (p *Painter) runFetch(f *inflightFetch, i int64) {
	f.err = p.fetchAndVerify(f.ctx, i)
	close(f.done)

	p.inflightMu.Lock()
	if p.inflight[i] == f {
		delete(p.inflight, i)
	}
	p.inflightMu.Unlock()

	f.cancel()
}

// leaveWaiter records that a caller stopped waiting on f (its own wait
// finished or its ctx was cancelled) and cancels f's fetch once the last
// waiter has left, so an abandoned fetch doesn't run forever.
func (p *Painter) leaveWaiter(f *inflightFetch) {
	p.inflightMu.Lock()
	f.waiters--
	if f.waiters == 0 {
		f.cancel()
	}
	p.inflightMu.Unlock()
}

// fetchAndVerify does the coalesced work for leaf i: a pool lookup,
// then (on miss) a network fetch, then MerkleState.SaveIfValid with an
// acceptance callback that writes bytes into the sparse data file at
// the leaf's offset before the bit is flipped.
func (p *Painter) fetchAndVerify(ctx context.Context, i int64) error {
	const op = "painter.fetchAndVerify"
	start, end, err := p.ref.Shape().RangeForLeaf(i)
	if err != nil {
		return err
	}

	onAccepted := func(data []byte) error {
		if _, err := p.dataFile.WriteAt(data, start); err != nil {
			return err
		}
		return nil
	}

	if p.opts.ChunkPool != nil {
		leafHash, err := p.ref.LeafHash(i)
		if err == nil {
			if data, poolErr := p.opts.ChunkPool.Get(chunkpool.Hash(leafHash)); poolErr == nil && int64(len(data)) == end-start {
				ok, err := p.state.SaveIfValid(i, data, onAccepted)
				if err != nil {
					return err
				}
				if ok {
					p.reportProgress()
					return nil
				}
				// Pool held stale/corrupt bytes for this hash; fall through
				// to the network path rather than trusting it.
			}
		}
	}

	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return cerrors.New(op, cerrors.Cancelled, ctx.Err())
	}
	defer func() { <-p.sem }()

	data, err := fetchRange(ctx, p.t, p.remoteURL, start, end, p.opts)
	if err != nil {
		return err
	}

	ok, err := p.state.SaveIfValid(i, data, onAccepted)
	if err != nil {
		return err
	}
	if !ok {
		leafHash, _ := p.ref.LeafHash(i)
		return cerrors.Checksum(op, int(i), leafHash, sha256.Sum256(data))
	}

	if p.opts.ChunkPool != nil {
		leafHash, _ := p.ref.LeafHash(i)
		p.opts.ChunkPool.Put(chunkpool.Hash(leafHash), data)
	}

	p.reportProgress()
	return nil
}

func (p *Painter) reportProgress() {
	if p.opts.Progress != nil {
		p.opts.Progress(p.state.ValidLeafCount(), p.ref.Shape().LeafCount)
	}
}

// EnsureRange expands [offset, offset+length) to its covering leaves and
// ensures all of them concurrently, bounded by Options.MaxInFlight.
func (p *Painter) EnsureRange(ctx context.Context, offset, length int64) error {
	leaves, err := p.ref.Shape().LeavesForRange(offset, length)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	errs := make([]error, len(leaves))
	for idx, leaf := range leaves {
		wg.Add(1)
		go func(idx int, leaf int64) {
			defer wg.Done()
			errs[idx] = p.EnsureChunk(ctx, leaf)
		}(idx, leaf)
	}
	wg.Wait()

	for _, e := range errs {
		if e != nil {
			return e
		}
	}
	return nil
}

// Shape returns the artifact's tree geometry.
func (p *Painter) Shape() shape.Shape { return p.ref.Shape() }

// DataFile exposes the sparse local data file for ChunkedReader's
// positional reads.
func (p *Painter) DataFile() *os.File { return p.dataFile }

// State exposes the verification state for callers that need
// IsValid/ValidLeafCount without going through a read.
func (p *Painter) State() *merklestate.MerkleState { return p.state }

// Close cancels nothing itself (callers are expected to cancel their own
// contexts); it waits for in-flight fetches this Painter knows about to
// finish naturally, flushes state, and releases the data file and the
// openregistry claim.
func (p *Painter) Close() error {
	p.inflightMu.Lock()
	waiters := make([]chan struct{}, 0, len(p.inflight))
	for _, f := range p.inflight {
		waiters = append(waiters, f.done)
	}
	p.inflightMu.Unlock()
	for _, done := range waiters {
		<-done
	}

	stateErr := p.state.Close()
	dataErr := p.dataFile.Close()
	regErr := p.registry.Close()

	if stateErr != nil {
		return stateErr
	}
	if dataErr != nil {
		return cerrors.New("painter.Close", cerrors.Io, dataErr)
	}
	return regErr
}
