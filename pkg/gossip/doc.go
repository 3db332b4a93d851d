// Package gossip tracks peer liveness for a zephyrquorum node.
//
// A Prober pings every known member over a Transport on a fixed interval and
// feeds the replies into a phi-accrual FailureDetector. When a member's phi
// crosses the configured threshold it is marked Suspect and OnSuspect fires
// once; the node uses that to stop waiting on the member in every in-flight
// replication round, and Suspected lets new rounds skip waiting on it. If phi
// keeps growing past DeadThreshold the member is marked Dead. A later
// successful ping marks it Alive again at a higher incarnation. Every state
// change goes through Members.ApplyDelta, so the incarnation ordering decides
// which update wins.
//
// Typical usage:
//
//	p, _ := gossip.NewProber(gossip.Config{
//		Self:      gossip.Member{ID: "n1", Addr: "n1:8080"},
//		Interval:  time.Second,
//		Threshold: 8,
//		Transport: gossip.NewHTTPTransport(nil),
//		OnSuspect: func(id gossip.NodeID) { replicator.Suspect(string(id)) },
//	})
//	p.SetPeers(peers)
//	go p.Run(ctx)
package gossip
