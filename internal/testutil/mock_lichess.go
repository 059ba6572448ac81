// Package testutil provides testing utilities for the Lichess fetcher.
package testutil

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"time"
)

// MockResponse defines a canned reply for one request.
type MockResponse struct {
	StatusCode int
	Body       string
	Delay      time.Duration
}

// MockLichess is a configurable mock of the Lichess game export API.
// Games registered with AddGame are served by both the single and bulk
// endpoints unless a scripted response overrides them.
type MockLichess struct {
	server *httptest.Server

	mu          sync.Mutex
	games       map[string]string
	hiddenBulk  map[string]bool
	singleQueue map[string][]MockResponse
	bulkQueue   []MockResponse

	singleRequests []string
	bulkRequests   [][]string
	lastHeader     http.Header
}

// NewMockLichess creates and starts a mock server.
func NewMockLichess() *MockLichess {
	m := &MockLichess{
		games:       make(map[string]string),
		hiddenBulk:  make(map[string]bool),
		singleQueue: make(map[string][]MockResponse),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/game/export/", m.handleSingle)
	mux.HandleFunc("/api/games/export/_ids", m.handleBulk)
	m.server = httptest.NewServer(mux)

	return m
}

// URL returns the mock server URL.
func (m *MockLichess) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockLichess) Close() {
	m.server.Close()
}

// AddGame registers a game whose PGN is returned for id.
func (m *MockLichess) AddGame(id, pgn string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.games[id] = pgn
}

// HideFromBulk makes the bulk endpoint omit id while the single endpoint still serves it.
func (m *MockLichess) HideFromBulk(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hiddenBulk[id] = true
}

// QueueSingle scripts the next responses for single fetches of id.
// Once the queue is drained the registered game (or 404) is served.
func (m *MockLichess) QueueSingle(id string, responses ...MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.singleQueue[id] = append(m.singleQueue[id], responses...)
}

// QueueBulk scripts the next responses of the bulk endpoint.
func (m *MockLichess) QueueBulk(responses ...MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bulkQueue = append(m.bulkQueue, responses...)
}

// SingleRequests returns the ids requested through the single endpoint, in order.
func (m *MockLichess) SingleRequests() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.singleRequests...)
}

// BulkRequests returns the id lists sent to the bulk endpoint, in order.
func (m *MockLichess) BulkRequests() [][]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]string, len(m.bulkRequests))
	for i, ids := range m.bulkRequests {
		out[i] = append([]string(nil), ids...)
	}
	return out
}

// RequestedIDs returns every id requested through either endpoint, sorted.
func (m *MockLichess) RequestedIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	ids = append(ids, m.singleRequests...)
	for _, batch := range m.bulkRequests {
		ids = append(ids, batch...)
	}
	sort.Strings(ids)
	return ids
}

// LastHeader returns the headers of the most recent request.
func (m *MockLichess) LastHeader() http.Header {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastHeader
}

func (m *MockLichess) handleSingle(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/game/export/")

	m.mu.Lock()
	m.singleRequests = append(m.singleRequests, id)
	m.lastHeader = r.Header.Clone()
	var scripted *MockResponse
	if q := m.singleQueue[id]; len(q) > 0 {
		scripted = &q[0]
		m.singleQueue[id] = q[1:]
	}
	game, ok := m.games[id]
	m.mu.Unlock()

	if scripted != nil {
		writeResponse(w, *scripted)
		return
	}
	if !ok {
		writeResponse(w, MockResponse{StatusCode: http.StatusNotFound, Body: "Not found"})
		return
	}
	w.Header().Set("Content-Type", "application/x-chess-pgn")
	writeResponse(w, MockResponse{StatusCode: http.StatusOK, Body: game})
}

func (m *MockLichess) handleBulk(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	var ids []string
	for _, id := range strings.Split(string(body), ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}

	m.mu.Lock()
	m.bulkRequests = append(m.bulkRequests, ids)
	m.lastHeader = r.Header.Clone()
	var scripted *MockResponse
	if len(m.bulkQueue) > 0 {
		scripted = &m.bulkQueue[0]
		m.bulkQueue = m.bulkQueue[1:]
	}
	var games []string
	for _, id := range ids {
		if game, ok := m.games[id]; ok && !m.hiddenBulk[id] {
			games = append(games, strings.TrimRight(game, "\n"))
		}
	}
	m.mu.Unlock()

	if scripted != nil {
		writeResponse(w, *scripted)
		return
	}
	w.Header().Set("Content-Type", "application/x-chess-pgn")
	writeResponse(w, MockResponse{StatusCode: http.StatusOK, Body: strings.Join(games, "\n\n\n")})
}

func writeResponse(w http.ResponseWriter, resp MockResponse) {
	if resp.Delay > 0 {
		time.Sleep(resp.Delay)
	}
	w.WriteHeader(resp.StatusCode)
	if resp.Body != "" {
		w.Write([]byte(resp.Body))
	}
}

// GamePGN builds a minimal Lichess-style PGN export for id with the given SAN movetext.
func GamePGN(id, movetext string) string {
	return fmt.Sprintf(`[Event "Rated Blitz game"]
[Site "https://lichess.org/%s"]
[White "white"]
[Black "black"]
[Result "*"]

%s *
`, id, movetext)
}

// NewRateLimitResponse creates a 429 Too Many Requests response.
func NewRateLimitResponse() MockResponse {
	return MockResponse{StatusCode: http.StatusTooManyRequests, Body: `{"error":"Too many requests"}`}
}

// NewServerErrorResponse creates a 500 Internal Server Error response.
func NewServerErrorResponse() MockResponse {
	return MockResponse{StatusCode: http.StatusInternalServerError, Body: `{"error":"Internal server error"}`}
}
