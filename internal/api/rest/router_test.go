package rest_test

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/iggydv12/mycelia/internal/api/rest"
	"github.com/iggydv12/mycelia/internal/compute"
	"github.com/iggydv12/mycelia/internal/config"
	"github.com/iggydv12/mycelia/internal/discovery"
	"github.com/iggydv12/mycelia/internal/router"
	"github.com/iggydv12/mycelia/internal/shard"
)

type fakeMesh struct {
	mu     sync.Mutex
	self   peer.ID
	peers  map[peer.ID]net.IP
	table  *shard.Table
	alive  bool
	active []peer.ID
}

func (m *fakeMesh) LocalID() peer.ID { return m.self }

func (m *fakeMesh) Peers() []peer.ID {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]peer.ID, 0, len(m.peers))
	for p := range m.peers {
		out = append(out, p)
	}
	return out
}

func (m *fakeMesh) Addresses() map[peer.ID]net.IP {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[peer.ID]net.IP)
	for p, ip := range m.peers {
		if ip != nil {
			out[p] = ip
		}
	}
	return out
}

func (m *fakeMesh) Shards() map[shard.ID]peer.ID           { return m.table.Snapshot() }
func (m *fakeMesh) AssignShard(id shard.ID, owner peer.ID) { m.table.InsertOrUpdate(id, owner) }
func (m *fakeMesh) Rebalance() shard.Result                { return m.table.Rebalance(m.active) }
func (m *fakeMesh) Alive() bool                            { return m.alive }

func newPeerID(t *testing.T) peer.ID {
	t.Helper()
	_, id, err := discovery.GenerateIdentity()
	require.NoError(t, err)
	return id
}

func newServer(t *testing.T) (*rest.Server, *fakeMesh) {
	t.Helper()
	m := &fakeMesh{
		self:  newPeerID(t),
		peers: map[peer.ID]net.IP{},
		table: shard.NewTable(),
		alive: true,
	}
	r := router.New(router.RoleWorker, m, compute.Placeholder{}, 11434, config.RouterConfig{}, zap.NewNop())
	return rest.New(m, r, zap.NewNop()), m
}

func do(s *rest.Server, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func TestGenerateStreamsNDJSON(t *testing.T) {
	s, _ := newServer(t)

	w := do(s, http.MethodPost, "/api/generate", `{"prompt":"2+2=?"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/x-ndjson", w.Header().Get("Content-Type"))
	assert.Equal(t, `{"response":"4","done":true}`+"\n", w.Body.String())
}

func TestEmbeddings(t *testing.T) {
	s, _ := newServer(t)

	w := do(s, http.MethodPost, "/api/embeddings", `{"prompt":"hello"}`)
	require.Equal(t, http.StatusOK, w.Code)

	var resp compute.EmbeddingsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, []float32{0}, resp.Embedding)
	assert.True(t, resp.Done)
}

func TestGenerateRejectsMalformedBody(t *testing.T) {
	s, _ := newServer(t)

	w := do(s, http.MethodPost, "/api/generate", `{"prompt":`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPeersView(t *testing.T) {
	s, m := newServer(t)
	routable, hidden := newPeerID(t), newPeerID(t)
	m.peers[routable] = net.ParseIP("10.0.0.2")
	m.peers[hidden] = nil

	w := do(s, http.MethodGet, "/api/mesh/peers", "")
	require.Equal(t, http.StatusOK, w.Code)

	var view struct {
		Self      string            `json:"self"`
		Peers     []string          `json:"peers"`
		Addresses map[string]string `json:"addresses"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &view))
	assert.Equal(t, m.self.String(), view.Self)
	assert.ElementsMatch(t, []string{routable.String(), hidden.String()}, view.Peers)
	assert.Equal(t, map[string]string{routable.String(): "10.0.0.2"}, view.Addresses)
}

func TestAssignShardAndList(t *testing.T) {
	s, m := newServer(t)
	owner := newPeerID(t)

	w := do(s, http.MethodPut, "/api/mesh/shards/7", `{"owner":"`+owner.String()+`"}`)
	require.Equal(t, http.StatusOK, w.Code)
	got, ok := m.table.Owner(7)
	require.True(t, ok)
	assert.Equal(t, owner, got)

	do(s, http.MethodPut, "/api/mesh/shards/3", `{"owner":"`+m.self.String()+`"}`)

	w = do(s, http.MethodGet, "/api/mesh/shards", "")
	require.Equal(t, http.StatusOK, w.Code)
	var list []struct {
		Shard uint64 `json:"shard"`
		Owner string `json:"owner"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list, 2)
	assert.Equal(t, uint64(3), list[0].Shard)
	assert.Equal(t, m.self.String(), list[0].Owner)
	assert.Equal(t, uint64(7), list[1].Shard)
}

func TestAssignShardValidation(t *testing.T) {
	s, _ := newServer(t)

	assert.Equal(t, http.StatusBadRequest, do(s, http.MethodPut, "/api/mesh/shards/x", `{"owner":"a"}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(s, http.MethodPut, "/api/mesh/shards/1", `{}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(s, http.MethodPut, "/api/mesh/shards/1", `{"owner":"not-a-peer"}`).Code)
}

func TestRebalanceEndpoint(t *testing.T) {
	s, m := newServer(t)
	gone := newPeerID(t)
	m.active = []peer.ID{m.self}
	m.table.InsertOrUpdate(1, gone)
	m.table.InsertOrUpdate(2, m.self)

	w := do(s, http.MethodPost, "/api/mesh/rebalance", "")
	require.Equal(t, http.StatusOK, w.Code)

	var res struct {
		Orphaned []uint64 `json:"orphaned"`
		Moves    []struct {
			Shard uint64 `json:"shard"`
			From  string `json:"from"`
			To    string `json:"to"`
		} `json:"moves"`
		Dropped bool `json:"dropped"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, []uint64{1}, res.Orphaned)
	require.Len(t, res.Moves, 1)
	assert.Equal(t, gone.String(), res.Moves[0].From)
	assert.Equal(t, m.self.String(), res.Moves[0].To)
	assert.False(t, res.Dropped)

	owner, _ := m.table.Owner(1)
	assert.Equal(t, m.self, owner)
}

func TestHealth(t *testing.T) {
	s, m := newServer(t)

	w := do(s, http.MethodGet, "/api/health", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)
	assert.Contains(t, w.Body.String(), `"role":"worker"`)

	m.alive = false
	w = do(s, http.MethodGet, "/api/health", "")
	assert.Contains(t, w.Body.String(), `"status":"degraded"`)
}

func TestMetricsExposed(t *testing.T) {
	s, _ := newServer(t)
	do(s, http.MethodPost, "/api/generate", `{"prompt":"2+2=?"}`)

	w := do(s, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "mycelia_dispatch_total")
}

// endlessDispatcher streams lines until the connection is dropped, either as
// a failed write or a cancelled request.
type endlessDispatcher struct {
	stopped chan struct{}
}

func (endlessDispatcher) Role() router.Role { return router.RoleWorker }

func (d endlessDispatcher) Handle(ctx context.Context, _ router.Operation, _ compute.Request, sink router.Sink) error {
	defer close(d.stopped)
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		if _, err := io.WriteString(sink, `{"response":"partial","done":false}`+"\n"); err != nil {
			return err
		}
		sink.Flush()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func TestCloseDropsInFlightStreams(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	m := &fakeMesh{self: newPeerID(t), peers: map[peer.ID]net.IP{}, table: shard.NewTable(), alive: true}
	d := endlessDispatcher{stopped: make(chan struct{})}
	s := rest.New(m, d, zap.NewNop())

	served := make(chan error, 1)
	go func() { served <- s.Start(addr) }()
	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/api/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	resp, err := http.Post("http://"+addr+"/api/generate", "application/json", strings.NewReader(`{"prompt":"x"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	line, err := bufio.NewReader(resp.Body).ReadString('\n')
	require.NoError(t, err)
	assert.Contains(t, line, "partial")

	require.NoError(t, s.Close())

	select {
	case <-d.stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("in-flight stream was not dropped")
	}
	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
