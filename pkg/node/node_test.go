package node

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/ryandielhenn/zephyrquorum/pkg/kv"
	"github.com/ryandielhenn/zephyrquorum/pkg/replica"
	"github.com/ryandielhenn/zephyrquorum/pkg/ring"
)

type testCluster struct {
	nodes   map[string]*Node
	stores  map[string]*kv.Store
	servers map[string]*httptest.Server
	peers   map[string]string
}

// newCluster starts one node per id with rf = len(ids). wrap, when set,
// decorates a node's handler.
func newCluster(t *testing.T, wrap map[string]func(http.Handler) http.Handler, ids ...string) *testCluster {
	t.Helper()
	c := &testCluster{
		nodes:   map[string]*Node{},
		stores:  map[string]*kv.Store{},
		servers: map[string]*httptest.Server{},
		peers:   map[string]string{},
	}
	for _, id := range ids {
		store := kv.NewStore(1 << 20)
		repl := replica.New(replica.NewHTTPSender(nil), replica.WithTimeout(10*time.Second))
		n := NewNodeRF(store, ring.New(64, ring.FNV32a), id, len(ids),
			WithReplicator(repl), WithLogger(zaptest.NewLogger(t)))
		var h http.Handler = n.Handler()
		if w := wrap[id]; w != nil {
			h = w(h)
		}
		srv := httptest.NewServer(h)
		t.Cleanup(srv.Close)

		c.nodes[id] = n
		c.stores[id] = store
		c.servers[id] = srv
		c.peers[id] = srv.URL
	}
	for _, n := range c.nodes {
		n.SetPeers(c.peers)
	}
	return c
}

// keyOwnedBy returns a key whose owner is id.
func (c *testCluster) keyOwnedBy(t *testing.T, id string) string {
	t.Helper()
	for i := 0; i < 1000; i++ {
		key := fmt.Sprintf("k%d", i)
		if owner, _, _ := c.nodes[id].OwnerForKey(key); owner == id {
			return key
		}
	}
	t.Fatalf("no key owned by %s", id)
	return ""
}

func do(t *testing.T, method, url string, body []byte) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func waitInFlight(t *testing.T, n *Node, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for n.InFlight() != want {
		if time.Now().After(deadline) {
			t.Fatalf("InFlight = %d, want %d", n.InFlight(), want)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestNormalizeHostPort(t *testing.T) {
	cases := map[string]string{
		"http://node1":        "node1:8080",
		"https://node1:9000":  "node1:9000",
		"node2":               "node2:8080",
		"127.0.0.1:4000":      "127.0.0.1:4000",
		"http://10.0.0.1:123": "10.0.0.1:123",
	}
	for in, want := range cases {
		if got := NormalizeHostPort(in, "8080"); got != want {
			t.Errorf("NormalizeHostPort(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestPutReplicatesToAllMembers(t *testing.T) {
	c := newCluster(t, nil, "n1", "n2", "n3")

	// any node accepts the write; non-owners forward it
	for _, entry := range []string{"n1", "n2", "n3"} {
		key := "user/" + entry
		resp := do(t, http.MethodPut, c.servers[entry].URL+"/kv/"+key, []byte("v-"+entry))
		if resp.StatusCode != http.StatusNoContent {
			t.Fatalf("PUT via %s = %d, want 204 (missing %q)", entry, resp.StatusCode, resp.Header.Get(HeaderMissing))
		}
		for id, s := range c.stores {
			if v, ok := s.Get(key); !ok || string(v) != "v-"+entry {
				t.Fatalf("%s holds %q, %v for %s", id, v, ok, key)
			}
		}
	}

	resp := do(t, http.MethodGet, c.servers["n2"].URL+"/kv/user/n1", nil)
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || string(body) != "v-n1" {
		t.Fatalf("GET = %d %q", resp.StatusCode, body)
	}
}

func TestDeleteReplicatesTombstone(t *testing.T) {
	c := newCluster(t, nil, "n1", "n2", "n3")
	key := c.keyOwnedBy(t, "n1")

	if resp := do(t, http.MethodPut, c.servers["n1"].URL+"/kv/"+key, []byte("x")); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("PUT = %d", resp.StatusCode)
	}
	if resp := do(t, http.MethodDelete, c.servers["n1"].URL+"/kv/"+key, nil); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("DELETE = %d", resp.StatusCode)
	}
	for id, s := range c.stores {
		if _, ok := s.Get(key); ok {
			t.Fatalf("%s still serves %s after delete", id, key)
		}
	}
	if resp := do(t, http.MethodGet, c.servers["n3"].URL+"/kv/"+key, nil); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("GET after delete = %d, want 404", resp.StatusCode)
	}
}

func TestPutWithDownReplicaIsAccepted(t *testing.T) {
	c := newCluster(t, nil, "n1", "n2", "n3")
	key := c.keyOwnedBy(t, "n1")
	c.servers["n3"].Close()

	start := time.Now()
	resp := do(t, http.MethodPut, c.servers["n1"].URL+"/kv/"+key, []byte("x"))
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("PUT = %d, want 202", resp.StatusCode)
	}
	if got := resp.Header.Get(HeaderMissing); got != "n3" {
		t.Fatalf("%s = %q, want n3", HeaderMissing, got)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatalf("refused connection should not wait for the ack timeout")
	}
	if _, ok := c.stores["n2"].Get(key); !ok {
		t.Fatalf("live replica missed the write")
	}
}

func hangReplica(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, replica.Path) {
			<-r.Context().Done()
			return
		}
		next.ServeHTTP(w, r)
	})
}

func TestHangingReplicaReleased(t *testing.T) {
	release := map[string]func(c *testCluster){
		"suspect": func(c *testCluster) { c.nodes["n1"].Suspect("n3") },
		"view change": func(c *testCluster) {
			c.nodes["n1"].SetPeers(map[string]string{"n1": c.peers["n1"], "n2": c.peers["n2"]})
		},
	}
	for name, fn := range release {
		t.Run(name, func(t *testing.T) {
			c := newCluster(t, map[string]func(http.Handler) http.Handler{"n3": hangReplica}, "n1", "n2", "n3")
			key := c.keyOwnedBy(t, "n1")

			done := make(chan *http.Response, 1)
			go func() {
				req, _ := http.NewRequest(http.MethodPut, c.servers["n1"].URL+"/kv/"+key, strings.NewReader("x"))
				resp, err := http.DefaultClient.Do(req)
				if err != nil {
					done <- nil
					return
				}
				done <- resp
			}()
			waitInFlight(t, c.nodes["n1"], 1)
			fn(c)

			select {
			case resp := <-done:
				if resp == nil {
					t.Fatalf("PUT failed")
				}
				defer resp.Body.Close()
				if resp.StatusCode != http.StatusAccepted || resp.Header.Get(HeaderMissing) != "n3" {
					t.Fatalf("PUT = %d missing %q, want 202 n3", resp.StatusCode, resp.Header.Get(HeaderMissing))
				}
			case <-time.After(5 * time.Second):
				t.Fatalf("round was not released")
			}
			waitInFlight(t, c.nodes["n1"], 0)
		})
	}
}

func TestPutSkipsWaitingOnSuspectedReplica(t *testing.T) {
	c := newCluster(t, map[string]func(http.Handler) http.Handler{"n3": hangReplica}, "n1", "n2", "n3")
	c.nodes["n1"].suspected = func(id string) bool { return id == "n3" }
	key := c.keyOwnedBy(t, "n1")

	start := time.Now()
	resp := do(t, http.MethodPut, c.servers["n1"].URL+"/kv/"+key, []byte("x"))
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("PUT took %s, suspected replica was awaited", elapsed)
	}
	if resp.StatusCode != http.StatusAccepted || resp.Header.Get(HeaderMissing) != "n3" {
		t.Fatalf("PUT = %d missing %q, want 202 n3", resp.StatusCode, resp.Header.Get(HeaderMissing))
	}
	if _, ok := c.stores["n2"].Get(key); !ok {
		t.Fatalf("n2 missed the write")
	}
}

func TestRegisterWrapsRoutes(t *testing.T) {
	n := NewNode(kv.NewStore(1<<10), ring.New(8, ring.FNV32a), "n1")

	var ops []string
	mux := http.NewServeMux()
	n.Register(mux, func(op string, next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ops = append(ops, op)
			next.ServeHTTP(w, r)
		})
	})

	for _, r := range []struct{ method, path string }{
		{http.MethodGet, "/healthz"},
		{http.MethodGet, "/info"},
		{http.MethodGet, "/kv/a"},
		{http.MethodDelete, "/kv/a"},
		{http.MethodPut, replica.Path + "a"},
	} {
		mux.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(r.method, r.path, nil))
	}
	if want := []string{"info", "get", "delete", "replica"}; !slices.Equal(ops, want) {
		t.Fatalf("ops = %v, want %v", ops, want)
	}
}

func TestReplicaEndpointRejectsStaleWrite(t *testing.T) {
	store := kv.NewStore(1 << 20)
	n := NewNode(store, ring.New(8, ring.FNV32a), "n1")
	store.Apply("k", []byte("new"), 0, 10)

	put := func(version string) int {
		req := httptest.NewRequest(http.MethodPut, replica.Path+"k", strings.NewReader("old"))
		req.Header.Set(replica.HeaderVersion, version)
		rec := httptest.NewRecorder()
		n.Replica(rec, req)
		return rec.Code
	}
	if code := put("5"); code != http.StatusConflict {
		t.Fatalf("stale write = %d, want 409", code)
	}
	if v, _ := store.Get("k"); string(v) != "new" {
		t.Fatalf("stale write applied: %q", v)
	}
	if code := put("11"); code != http.StatusNoContent {
		t.Fatalf("newer write = %d, want 204", code)
	}
	if code := put("zero"); code != http.StatusBadRequest {
		t.Fatalf("bad version = %d, want 400", code)
	}
}

func TestKVMethodNotAllowed(t *testing.T) {
	n := NewNode(kv.NewStore(1<<10), ring.New(8, ring.FNV32a), "n1")
	rec := httptest.NewRecorder()
	n.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPatch, "/kv/a", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("PATCH = %d", rec.Code)
	}
}

func TestNoOwnerIsUnavailable(t *testing.T) {
	n := NewNode(kv.NewStore(1<<10), ring.New(8, ring.FNV32a), "n1")
	rec := httptest.NewRecorder()
	n.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/kv/a", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("GET on empty ring = %d, want 503", rec.Code)
	}
}

func TestNextVersionIncreases(t *testing.T) {
	n := NewNode(kv.NewStore(1<<10), ring.New(8, ring.FNV32a), "n1")
	last := n.nextVersion()
	for i := 0; i < 1000; i++ {
		v := n.nextVersion()
		if v <= last {
			t.Fatalf("version %d after %d", v, last)
		}
		last = v
	}
}
