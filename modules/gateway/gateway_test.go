package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-kit/log"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yunqiu21/nabu-tracer/modules/nodepool"
)

func TestNewRequiresNodes(t *testing.T) {
	_, err := New(Config{}, log.NewNopLogger())
	require.Error(t, err)
}

func putServer(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPut, r.Method)
		require.Equal(t, blockPutRoute, r.URL.Path)
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestPutForwardsAndRecordsCID(t *testing.T) {
	node := putServer(t, http.StatusOK, `{"cid":"QmXYZ"}`)
	g, _ := newTestGateway(t, []string{node.URL}, nil)

	req := httptest.NewRequest(http.MethodPut, "/ipfs", strings.NewReader("block bytes"))
	rec := httptest.NewRecorder()
	g.PutContentHandler(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"content":"QmXYZ"}`, rec.Body.String())

	// the new CID joins the catalog and is served by the next GET
	cids, err := g.catalog.StreamCIDs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"QmXYZ"}, cids)
}

func TestPutPropagatesUpstreamStatus(t *testing.T) {
	node := putServer(t, http.StatusCreated, `{"cid":"QmABC"}`)
	g, _ := newTestGateway(t, []string{node.URL}, nil)

	rec := httptest.NewRecorder()
	g.PutContentHandler(rec, httptest.NewRequest(http.MethodPut, "/ipfs", strings.NewReader("x")))

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.JSONEq(t, `{"content":"QmABC"}`, rec.Body.String())
}

func TestPutNoHealthyNode(t *testing.T) {
	node := putServer(t, http.StatusOK, `{"cid":"QmXYZ"}`)
	g, _ := newTestGateway(t, []string{node.URL}, nil)
	g.nodes.SetHealth(0, nodepool.Unhealthy)

	rec := httptest.NewRecorder()
	g.PutContentHandler(rec, httptest.NewRequest(http.MethodPut, "/ipfs", strings.NewReader("x")))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"No healthy IPFS node found"}`, rec.Body.String())
}

func TestPutMissingCIDInResponse(t *testing.T) {
	node := putServer(t, http.StatusOK, `{"size":42}`)
	g, _ := newTestGateway(t, []string{node.URL}, nil)

	rec := httptest.NewRecorder()
	g.PutContentHandler(rec, httptest.NewRequest(http.MethodPut, "/ipfs", strings.NewReader("x")))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "failed to retrieve CID from response")

	cids, err := g.catalog.StreamCIDs(context.Background())
	require.NoError(t, err)
	assert.Empty(t, cids)
}

func TestPutUpstreamFailure(t *testing.T) {
	node := putServer(t, http.StatusInsufficientStorage, "full")
	g, _ := newTestGateway(t, []string{node.URL}, nil)

	rec := httptest.NewRecorder()
	g.PutContentHandler(rec, httptest.NewRequest(http.MethodPut, "/ipfs", strings.NewReader("x")))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "node returned status 507")
}

func TestHealthHandlerSnapshot(t *testing.T) {
	node0 := blockServer(t, "")
	node1 := blockServer(t, "")
	node2 := blockServer(t, "")

	g, _ := newTestGateway(t, []string{node0.URL, node1.URL, node2.URL}, nil)
	g.nodes.SetHealth(1, nodepool.Unhealthy)
	g.nodes.SetHealth(2, nodepool.Unknown)

	rec := httptest.NewRecorder()
	g.HealthHandler(rec, httptest.NewRequest(http.MethodGet, "/ipfs/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"0":"Healthy","1":"Unhealthy","2":"Unknown"}`, rec.Body.String())
}

func TestClearHandlerEmptiesCatalog(t *testing.T) {
	node := blockServer(t, "")
	g, _ := newTestGateway(t, []string{node.URL}, nil)

	for _, cid := range []string{"a", "b"} {
		require.NoError(t, g.catalog.AppendCID(context.Background(), cid))
	}

	rec := httptest.NewRecorder()
	g.ClearHandler(rec, httptest.NewRequest(http.MethodGet, "/clear", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	cids, err := g.catalog.StreamCIDs(context.Background())
	require.NoError(t, err)
	assert.Empty(t, cids)
}

func TestIndexHandler(t *testing.T) {
	node := blockServer(t, "")
	g, _ := newTestGateway(t, []string{node.URL}, nil)

	rec := httptest.NewRecorder()
	g.IndexHandler(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, rec.Body.String(), "nabu gateway")
}

func TestRegisterRoutes(t *testing.T) {
	node := blockServer(t, "")
	g, _ := newTestGateway(t, []string{node.URL}, nil)

	r := mux.NewRouter()
	g.RegisterRoutes(r)
	srv := httptest.NewServer(r)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/ipfs/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var snap map[string]string
	require.NoError(t, json.Unmarshal(body, &snap))
	assert.Len(t, snap, 1)
}
