package painter

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"time"
)

// mockRemote serves a single artifact plus its .mref sidecar over HTTP,
// the in-module stand-in for spec.md's out-of-scope test web-server
// fixture (see SPEC_FULL.md §4.8). http.ServeContent/http.ServeFile does
// all the Range-request heavy lifting, so this stays a thin wrapper that
// also counts requests per Range header for the coalescing assertions.
type mockRemote struct {
	srv   *httptest.Server
	delay time.Duration

	mu       sync.Mutex
	rangeHit map[string]int
}

func newMockRemote(dataPath, refPath string) *mockRemote {
	m := &mockRemote{rangeHit: make(map[string]int)}

	mux := http.NewServeMux()
	mux.HandleFunc("/artifact.bin", func(w http.ResponseWriter, r *http.Request) {
		m.recordRange(r.Header.Get("Range"))
		if m.delay > 0 {
			time.Sleep(m.delay)
		}
		http.ServeFile(w, r, dataPath)
	})
	mux.HandleFunc("/artifact.bin.mref", func(w http.ResponseWriter, r *http.Request) {
		http.ServeFile(w, r, refPath)
	})

	m.srv = httptest.NewServer(mux)
	return m
}

func (m *mockRemote) recordRange(rangeHeader string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rangeHit[rangeHeader]++
}

func (m *mockRemote) hitsFor(rangeHeader string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rangeHit[rangeHeader]
}

func (m *mockRemote) totalHits() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.rangeHit {
		n += c
	}
	return n
}

func (m *mockRemote) URL() string { return m.srv.URL + "/artifact.bin" }

func (m *mockRemote) Close() { m.srv.Close() }
