// Package replica fans a write out to a key's replicas and waits for their
// acks.
//
// Each Replicate call is one collection round backed by a
// collector.Collector keyed by replica ID. While a round is waiting, view
// changes (RetainMembers) and failure-detector suspicions (Suspect) are
// applied to it, so the coordinator stops waiting on members that left or
// died instead of running into the ack timeout.
package replica

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrquorum/internal/logging"
	"github.com/ryandielhenn/zephyrquorum/pkg/collector"
)

type Op uint8

const (
	OpPut Op = iota
	OpDelete
)

func (o Op) String() string {
	if o == OpDelete {
		return "delete"
	}
	return "put"
}

// Target is a replica to send to. A Suspected target still gets the write
// but the round does not wait for its ack.
type Target struct {
	ID        string
	Addr      string
	Suspected bool
}

// Write is one versioned mutation.
type Write struct {
	Op      Op
	Key     string
	Value   []byte
	TTL     time.Duration
	Version uint64
}

// Ack is a replica's answer.
type Ack struct {
	Status  int
	Latency time.Duration
}

// Sender delivers a write to one replica.
type Sender interface {
	Send(ctx context.Context, t Target, w Write) (Ack, error)
}

// Result of one round. Missing lists every target that did not ack,
// including those dropped by suspicion or a view change.
type Result struct {
	Acked   []string
	Missing []string
	Err     error // nil, collector.ErrTimeout or the context error
}

// AllAcked reports whether every target acked.
func (r Result) AllAcked() bool { return r.Err == nil && len(r.Missing) == 0 }

type round = collector.Collector[string, Ack]

type Replicator struct {
	sender   Sender
	timeout  time.Duration
	log      *zap.Logger
	observer collector.Observer
	gauge    prometheus.Gauge

	mu     sync.Mutex
	rounds map[*round]struct{}
}

type Option func(*Replicator)

// WithTimeout bounds how long a round waits for acks. Non-positive values
// fall back to collector.DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(r *Replicator) { r.timeout = d }
}

func WithLogger(l *zap.Logger) Option {
	return func(r *Replicator) { r.log = l }
}

// WithObserver reports every round's wait outcome.
func WithObserver(o collector.Observer) Option {
	return func(r *Replicator) { r.observer = o }
}

// WithRoundsGauge tracks the number of in-flight rounds in g.
func WithRoundsGauge(g prometheus.Gauge) Option {
	return func(r *Replicator) { r.gauge = g }
}

func New(sender Sender, opts ...Option) *Replicator {
	r := &Replicator{
		sender: sender,
		rounds: make(map[*round]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.log = logging.OrNop(r.log).Named("replica")
	return r
}

// Replicate sends w to every target and blocks until all of them acked,
// the remaining ones were suspected or left the view, the timeout passed, or
// ctx is done.
func (r *Replicator) Replicate(ctx context.Context, targets []Target, w Write) Result {
	if len(targets) == 0 {
		return Result{}
	}
	ids := make([]string, len(targets))
	for i, t := range targets {
		ids[i] = t.ID
	}

	var opts []collector.Option
	if r.observer != nil {
		opts = append(opts, collector.WithObserver(r.observer))
	}
	c := collector.NewWithOptions[string, Ack](opts, ids...)
	for _, t := range targets {
		if t.Suspected {
			c.Suspect(t.ID)
		}
	}
	r.track(c)
	defer r.untrack(c)

	sendCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	for _, t := range targets {
		go func() {
			ack, err := r.sender.Send(sendCtx, t, w)
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					r.log.Warn("replica send failed",
						zap.String("peer", t.ID), zap.String("key", w.Key), zap.Error(err))
				}
				c.Suspect(t.ID)
				return
			}
			c.Add(t.ID, ack)
		}()
	}

	err := c.Wait(ctx, r.timeout)
	res := Result{Acked: c.ValidResults(), Err: err}
	acked := make(map[string]struct{}, len(res.Acked))
	for _, id := range res.Acked {
		acked[id] = struct{}{}
	}
	for _, id := range ids {
		if _, ok := acked[id]; !ok {
			res.Missing = append(res.Missing, id)
		}
	}
	if err != nil {
		r.log.Info("replication round incomplete",
			zap.String("key", w.Key), zap.Strings("missing", res.Missing), zap.Error(err))
	}
	return res
}

// RetainMembers drops members outside view from every in-flight round.
func (r *Replicator) RetainMembers(view []string) {
	for _, c := range r.snapshot() {
		c.RetainAll(view)
	}
}

// Suspect stops every in-flight round from waiting on id.
func (r *Replicator) Suspect(id string) {
	for _, c := range r.snapshot() {
		c.Suspect(id)
	}
}

func (r *Replicator) InFlight() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rounds)
}

func (r *Replicator) track(c *round) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rounds[c] = struct{}{}
	if r.gauge != nil {
		r.gauge.Inc()
	}
}

func (r *Replicator) untrack(c *round) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.rounds, c)
	if r.gauge != nil {
		r.gauge.Dec()
	}
}

func (r *Replicator) snapshot() []*round {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*round, 0, len(r.rounds))
	for c := range r.rounds {
		out = append(out, c)
	}
	return out
}
