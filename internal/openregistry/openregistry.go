// Package openregistry enforces the one-Painter-per-(localDataPath,
// remoteUrl)-per-process rule (spec §5), adapted from the teacher's
// internal/store Manager singleton + refcount pattern and its bbolt-backed
// DB. Two layers cooperate:
//
//   - An in-process, mutex-guarded set of claimed keys rejects a second
//     Open for the same key before any filesystem call.
//   - A bbolt.DB opened at "<localDataPath>.lock" takes an OS flock on
//     Open; a second process (or a second, unrelated-in-process caller that
//     slipped past the first layer) gets bbolt's open-timeout error, which
//     is mapped to AlreadyOpen.
package openregistry

import (
	"sync"
	"time"

	"go.etcd.io/bbolt"

	"github.com/vectorbench/chunkcache/internal/cerrors"
)

var (
	inProcessMu sync.Mutex
	inProcess   = make(map[string]struct{})
)

// Handle represents one successful Open; Close releases both the
// in-process and cross-process claims.
type Handle struct {
	key string
	db  *bbolt.DB
}

func registryKey(localDataPath, remoteURL string) string {
	return localDataPath + "\x00" + remoteURL
}

// Open claims the (localDataPath, remoteUrl) pair for the calling
// Painter. It returns cerrors.AlreadyOpen if another Painter (in this
// process or another) already holds the pair open.
func Open(localDataPath, remoteURL string) (*Handle, error) {
	const op = "openregistry.Open"
	key := registryKey(localDataPath, remoteURL)

	inProcessMu.Lock()
	if _, exists := inProcess[key]; exists {
		inProcessMu.Unlock()
		return nil, cerrors.New(op, cerrors.AlreadyOpen, nil)
	}
	inProcess[key] = struct{}{}
	inProcessMu.Unlock()

	lockPath := localDataPath + ".lock"
	db, err := bbolt.Open(lockPath, 0o644, &bbolt.Options{Timeout: 200 * time.Millisecond})
	if err != nil {
		inProcessMu.Lock()
		delete(inProcess, key)
		inProcessMu.Unlock()
		return nil, cerrors.New(op, cerrors.AlreadyOpen, err)
	}

	return &Handle{key: key, db: db}, nil
}

// Close releases both the in-process claim and the bbolt flock.
func (h *Handle) Close() error {
	if h == nil {
		return nil
	}
	inProcessMu.Lock()
	delete(inProcess, h.key)
	inProcessMu.Unlock()

	if h.db == nil {
		return nil
	}
	if err := h.db.Close(); err != nil {
		return cerrors.New("openregistry.Close", cerrors.Io, err)
	}
	return nil
}
