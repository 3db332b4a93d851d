package node

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrquorum/pkg/replica"
)

const (
	// HeaderMissing lists the replicas that did not ack a write.
	HeaderMissing = "X-Zephyr-Missing"
	// HeaderForwardedBy names the node that forwarded a request to its owner.
	HeaderForwardedBy = "X-Zephyr-Forwarded-By"
)

// Healthz returns 200 OK to indicate the Node is alive.
func (n *Node) Healthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// Info writes a JSON payload describing the node.
func (n *Node) Info(w http.ResponseWriter, _ *http.Request) {
	type resp struct {
		ID       string    `json:"id"`
		PID      int       `json:"pid"`
		Now      time.Time `json:"now"`
		Items    int       `json:"items"`
		Peers    int       `json:"peers"`
		RF       int       `json:"replication_factor"`
		InFlight int       `json:"rounds_in_flight"`
	}
	data, _ := json.Marshal(resp{
		ID:       n.id,
		PID:      os.Getpid(),
		Now:      time.Now(),
		Items:    n.kv.Len(),
		Peers:    len(n.ring.Nodes()),
		RF:       n.rf,
		InFlight: n.repl.InFlight(),
	})
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

// KV dispatches /kv/<key> by method.
func (n *Node) KV(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPut, http.MethodPost:
		n.Put(w, r)
	case http.MethodGet:
		n.Get(w, r)
	case http.MethodDelete:
		n.Del(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// Forward forwards a http request to the Node that owns the key
func (n *Node) Forward(w http.ResponseWriter, req *http.Request, ownerHP string) {
	target := *req.URL
	target.Scheme = "http"
	target.Host = ownerHP

	out, err := http.NewRequestWithContext(req.Context(), req.Method, target.String(), req.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	out.Header = req.Header.Clone()
	out.Header.Set("X-Forwarded-For", req.RemoteAddr)
	out.Header.Set(HeaderForwardedBy, n.id)

	resp, err := n.client.Do(out)
	if err != nil {
		n.log.Warn("forward failed", zap.String("owner", ownerHP), zap.Error(err))
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	for k, vv := range resp.Header {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)
}

// route resolves the owner of the request key. It forwards and returns false
// when the owner is another node.
func (n *Node) route(w http.ResponseWriter, req *http.Request) (string, bool) {
	key := strings.TrimPrefix(req.URL.Path, "/kv/")
	if key == "" {
		http.Error(w, "missing key", http.StatusBadRequest)
		return "", false
	}
	ownerID, ownerHP, ok := n.OwnerForKey(key)
	if !ok {
		http.Error(w, "no owner for key", http.StatusServiceUnavailable)
		return "", false
	}
	if ownerID != n.id {
		if req.Header.Get(HeaderForwardedBy) != "" {
			// the sender thought we own it; views disagree, don't bounce
			http.Error(w, "owner moved", http.StatusMisdirectedRequest)
			return "", false
		}
		n.log.Debug("forward", zap.String("method", req.Method), zap.String("key", key), zap.String("owner", ownerID))
		n.Forward(w, req, ownerHP)
		return "", false
	}
	return key, true
}

// Put stores a key/value pair on the owner and its replicas.
func (n *Node) Put(w http.ResponseWriter, req *http.Request) {
	key, ok := n.route(w, req)
	if !ok {
		return
	}

	val, err := io.ReadAll(req.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var ttl time.Duration
	if ttlStr := req.URL.Query().Get("ttl"); ttlStr != "" {
		sec, err := strconv.Atoi(ttlStr)
		if err != nil || sec < 0 {
			http.Error(w, "invalid ttl", http.StatusBadRequest)
			return
		}
		ttl = time.Duration(sec) * time.Second
	}

	wr := replica.Write{Op: replica.OpPut, Key: key, Value: val, TTL: ttl, Version: n.nextVersion()}
	n.kv.Apply(key, val, ttl, wr.Version)
	n.replicate(w, req, wr)
}

// Get returns the owner's value for a key.
func (n *Node) Get(w http.ResponseWriter, req *http.Request) {
	key, ok := n.route(w, req)
	if !ok {
		return
	}
	val, ok := n.kv.Get(key)
	if !ok {
		http.NotFound(w, req)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Write(val)
}

// Del removes a key on the owner and its replicas.
func (n *Node) Del(w http.ResponseWriter, req *http.Request) {
	key, ok := n.route(w, req)
	if !ok {
		return
	}
	wr := replica.Write{Op: replica.OpDelete, Key: key, Version: n.nextVersion()}
	n.kv.Tombstone(key, wr.Version)
	n.replicate(w, req, wr)
}

// replicate fans wr out and maps the round result to a status: 204 when every
// replica acked, 202 with HeaderMissing otherwise, 503 if the client went away.
func (n *Node) replicate(w http.ResponseWriter, req *http.Request, wr replica.Write) {
	res := n.repl.Replicate(req.Context(), n.replicaTargets(wr.Key), wr)
	switch {
	case errors.Is(res.Err, context.Canceled), errors.Is(res.Err, context.DeadlineExceeded):
		http.Error(w, "request cancelled", http.StatusServiceUnavailable)
	case res.AllAcked():
		w.WriteHeader(http.StatusNoContent)
	default:
		w.Header().Set(HeaderMissing, strings.Join(res.Missing, ","))
		w.WriteHeader(http.StatusAccepted)
	}
}

// Replica applies a versioned write sent by a key's owner. Stale versions
// get 409 so the owner still counts the ack.
func (n *Node) Replica(w http.ResponseWriter, req *http.Request) {
	wr, err := replica.ParseWrite(req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var applied bool
	switch wr.Op {
	case replica.OpDelete:
		applied = n.kv.Tombstone(wr.Key, wr.Version)
	default:
		applied = n.kv.Apply(wr.Key, wr.Value, wr.TTL, wr.Version)
	}
	if !applied {
		w.WriteHeader(http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
