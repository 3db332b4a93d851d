// Package collector tracks replies to a fan-out request.
//
// A Collector is created with the set of members expected to answer one
// round (an ack round for a replicated write, a vote, a state-transfer
// response). Reply producers record answers with Add, and failure or view
// notifications shrink the expected set with Suspect, Remove or RetainAll.
// A coordinator blocks in Wait until every remaining member has answered,
// the deadline passes, or its context is cancelled.
//
// Typical usage:
//
//	c := collector.New[string, Ack]("n1", "n2", "n3")
//	for _, t := range targets {
//		go func() { c.Add(t.ID, send(t)) }()
//	}
//	if err := c.Wait(ctx, time.Second); err != nil {
//		log.Printf("missing acks from %v: %v", c.Missing(), err)
//	}
//
// The zero value of the member type stands for "no member": mutating
// operations given it do nothing. Likewise an Add for a member that is not
// expected is dropped silently.
package collector
