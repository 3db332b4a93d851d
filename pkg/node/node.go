package node

import (
	"net/http"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrquorum/internal/logging"
	"github.com/ryandielhenn/zephyrquorum/pkg/kv"
	"github.com/ryandielhenn/zephyrquorum/pkg/replica"
	"github.com/ryandielhenn/zephyrquorum/pkg/ring"
)

// Node serves one member of the cluster: it owns the keys the ring assigns
// to it, coordinates their replication and stores replica copies for others.
type Node struct {
	kv     *kv.Store
	ring   *ring.HashRing
	id     string
	addr   string
	rf     int
	repl   *replica.Replicator
	client *http.Client
	log    *zap.Logger

	suspected func(id string) bool

	lastVersion atomic.Uint64
}

type Option func(*Node)

// WithAddr sets the advertised address. Defaults to the node ID.
func WithAddr(addr string) Option {
	return func(n *Node) { n.addr = addr }
}

func WithReplicator(r *replica.Replicator) Option {
	return func(n *Node) { n.repl = r }
}

func WithLogger(l *zap.Logger) Option {
	return func(n *Node) { n.log = l }
}

// WithSuspected lets new replication rounds skip waiting on peers the
// failure detector currently suspects.
func WithSuspected(fn func(id string) bool) Option {
	return func(n *Node) { n.suspected = fn }
}

// WithHTTPClient sets the client used to forward requests to owners.
func WithHTTPClient(c *http.Client) Option {
	return func(n *Node) { n.client = c }
}

func NewNode(store *kv.Store, r *ring.HashRing, id string, opts ...Option) *Node {
	return NewNodeRF(store, r, id, 3, opts...)
}

func NewNodeRF(store *kv.Store, r *ring.HashRing, id string, replicationFactor int, opts ...Option) *Node {
	if replicationFactor < 1 {
		replicationFactor = 1
	}
	n := &Node{
		kv:     store,
		ring:   r,
		id:     id,
		addr:   id,
		rf:     replicationFactor,
		client: &http.Client{Timeout: 5 * time.Second},
	}
	for _, opt := range opts {
		opt(n)
	}
	n.log = logging.OrNop(n.log)
	if n.repl == nil {
		n.repl = replica.New(replica.NewHTTPSender(n.client), replica.WithLogger(n.log))
	}
	n.log = n.log.Named("node").With(zap.String("self", id))
	return n
}

// SetPeers installs a new membership view and stops every in-flight
// replication round from waiting on members outside it.
func (n *Node) SetPeers(peers map[string]string) {
	view := make(map[string]string, len(peers))
	for id, addr := range peers {
		view[id] = NormalizeHostPort(addr, "8080")
	}
	ids := n.ring.Replace(view)
	n.log.Info("membership view changed", zap.Strings("members", ids))
	n.repl.RetainMembers(ids)
}

// Suspect is called by the failure detector; rounds stop waiting on id.
func (n *Node) Suspect(id string) {
	n.log.Warn("peer suspected, releasing in-flight rounds", zap.String("peer", id))
	n.repl.Suspect(id)
}

func (n *Node) ID() string   { return n.id }
func (n *Node) Addr() string { return n.addr }

// InFlight returns the number of replication rounds waiting for acks.
func (n *Node) InFlight() int { return n.repl.InFlight() }

// Middleware wraps a route's handler; op names the route for metrics.
type Middleware func(op string, next http.Handler) http.Handler

// Handler routes the node's HTTP endpoints.
func (n *Node) Handler() http.Handler {
	mux := http.NewServeMux()
	n.Register(mux, nil)
	return mux
}

// Register mounts the node endpoints on mux, each wrapped by mw when it is
// set. /kv/ is wrapped per request so op follows the method.
func (n *Node) Register(mux *http.ServeMux, mw Middleware) {
	if mw == nil {
		mw = func(_ string, next http.Handler) http.Handler { return next }
	}
	mux.Handle("/healthz", http.HandlerFunc(n.Healthz))
	mux.Handle("/info", mw("info", http.HandlerFunc(n.Info)))
	mux.Handle("/kv/", http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		mw(methodToOp(req.Method), http.HandlerFunc(n.KV)).ServeHTTP(w, req)
	}))
	mux.Handle(replica.Path, mw("replica", http.HandlerFunc(n.Replica)))
}

func methodToOp(m string) string {
	switch m {
	case http.MethodGet:
		return "get"
	case http.MethodPut:
		return "put"
	case http.MethodPost:
		return "post"
	case http.MethodDelete:
		return "delete"
	default:
		return "other"
	}
}

// nextVersion issues write versions that grow across restarts and never
// repeat within the process.
func (n *Node) nextVersion() uint64 {
	for {
		last := n.lastVersion.Load()
		v := uint64(time.Now().UnixNano())
		if v <= last {
			v = last + 1
		}
		if n.lastVersion.CompareAndSwap(last, v) {
			return v
		}
	}
}
