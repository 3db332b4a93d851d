// Package registry keeps the cluster membership view in etcd.
//
// Each node registers itself under Prefix with a leased key, so the entry
// disappears when the node stops renewing. Watchers rebuild the full
// nodeID -> addr view after every batch of changes.
package registry

import (
	"context"
	"fmt"
	"maps"
	"strings"
	"time"

	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrquorum/internal/logging"
)

const Prefix = "/zephyr/nodes/"

func NewClient(endpoints []string, dialTimeout time.Duration) (*clientv3.Client, error) {
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("etcd client: %w", err)
	}
	return cli, nil
}

// RegisterNode writes id -> addr under a lease of ttl seconds and keeps the
// lease alive until the returned cancel is called.
func RegisterNode(ctx context.Context, cli *clientv3.Client, id, addr string, ttl int64) (clientv3.LeaseID, context.CancelFunc, error) {
	lease, err := cli.Grant(ctx, ttl)
	if err != nil {
		return 0, nil, fmt.Errorf("grant lease: %w", err)
	}
	if _, err := cli.Put(ctx, Prefix+id, addr, clientv3.WithLease(lease.ID)); err != nil {
		return 0, nil, fmt.Errorf("register %s: %w", id, err)
	}

	kaCtx, cancel := context.WithCancel(context.Background())
	ch, err := cli.KeepAlive(kaCtx, lease.ID)
	if err != nil {
		cancel()
		return 0, nil, fmt.Errorf("keepalive: %w", err)
	}
	go func() {
		for range ch {
		}
	}()
	return lease.ID, cancel, nil
}

// GetPeers returns the current nodeID -> addr view.
func GetPeers(ctx context.Context, cli *clientv3.Client) (map[string]string, error) {
	resp, err := cli.Get(ctx, Prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("get peers: %w", err)
	}
	peers := make(map[string]string, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		applyEvent(peers, mvccpb.PUT, kv)
	}
	return peers, nil
}

// WatchPeers delivers the current view to fn, then keeps delivering the full
// view after every change until ctx is done. Only the initial read is
// synchronous; fn is called from a single goroutine.
func WatchPeers(ctx context.Context, cli *clientv3.Client, log *zap.Logger, fn func(peers map[string]string)) error {
	log = logging.OrNop(log)
	resp, err := cli.Get(ctx, Prefix, clientv3.WithPrefix())
	if err != nil {
		return fmt.Errorf("get peers: %w", err)
	}
	peers := make(map[string]string, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		applyEvent(peers, mvccpb.PUT, kv)
	}
	fn(maps.Clone(peers))

	wch := cli.Watch(ctx, Prefix, clientv3.WithPrefix(), clientv3.WithRev(resp.Header.Revision+1))
	go func() {
		for wresp := range wch {
			if err := wresp.Err(); err != nil {
				log.Warn("peer watch error", zap.Error(err))
				continue
			}
			changed := false
			for _, ev := range wresp.Events {
				changed = applyEvent(peers, ev.Type, ev.Kv) || changed
			}
			if changed {
				fn(maps.Clone(peers))
			}
		}
		log.Debug("peer watch closed")
	}()
	return nil
}

// applyEvent updates peers for one key event and reports whether it changed.
func applyEvent(peers map[string]string, typ mvccpb.Event_EventType, kv *mvccpb.KeyValue) bool {
	if kv == nil {
		return false
	}
	id, ok := peerID(string(kv.Key))
	if !ok {
		return false
	}
	switch typ {
	case mvccpb.PUT:
		if cur, ok := peers[id]; ok && cur == string(kv.Value) {
			return false
		}
		peers[id] = string(kv.Value)
		return true
	case mvccpb.DELETE:
		if _, ok := peers[id]; !ok {
			return false
		}
		delete(peers, id)
		return true
	}
	return false
}

func peerID(key string) (string, bool) {
	id, ok := strings.CutPrefix(key, Prefix)
	if !ok || id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}
