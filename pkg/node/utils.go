package node

import (
	"net"
	"strings"

	"github.com/ryandielhenn/zephyrquorum/pkg/replica"
)

// NormalizeHostPort cuts the http:// https:// prefixes from the input address
// and adds a default port
func NormalizeHostPort(addr, defPort string) string {
	if rest, ok := strings.CutPrefix(addr, "http://"); ok {
		addr = rest
	} else if rest, ok := strings.CutPrefix(addr, "https://"); ok {
		addr = rest
	}

	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}

	return addr + ":" + defPort
}

// OwnerForKey looks up the owner for a key and its normalized address.
func (n *Node) OwnerForKey(key string) (ownerID, ownerHP string, ok bool) {
	ownerID = n.ring.Lookup([]byte(key))
	addr, ok := n.ring.Addr(ownerID)
	if !ok || addr == "" {
		return "", "", false
	}
	return ownerID, NormalizeHostPort(addr, "8080"), true
}

// replicaTargets returns the members other than self that hold copies of key,
// flagging the ones the failure detector suspects.
func (n *Node) replicaTargets(key string) []replica.Target {
	ids := n.ring.LookupN([]byte(key), n.rf)
	out := make([]replica.Target, 0, len(ids))
	for _, id := range ids {
		if id == n.id {
			continue
		}
		addr, ok := n.ring.Addr(id)
		if !ok {
			continue
		}
		out = append(out, replica.Target{
			ID:        id,
			Addr:      NormalizeHostPort(addr, "8080"),
			Suspected: n.suspected != nil && n.suspected(id),
		})
	}
	return out
}
