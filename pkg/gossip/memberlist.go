package gossip

import (
	"cmp"
	"slices"
	"sync"
	"time"
)

type Member struct {
	ID          NodeID
	Addr        string
	Incarnation uint64 // raised when a suspicion is refuted
	State       State
	LastUpdate  time.Time
}

// Members is the in-memory member list of one node.
type Members struct {
	mu      sync.RWMutex
	self    Member
	members map[NodeID]Member
}

func NewMembers(self Member) *Members {
	self.State = StateAlive
	self.LastUpdate = time.Now()
	return &Members{
		self:    self,
		members: map[NodeID]Member{self.ID: self},
	}
}

func (m *Members) Self() Member {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.self
}

// All returns every member, self included, sorted by ID.
func (m *Members) All() []Member {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Member, 0, len(m.members))
	for _, mb := range m.members {
		out = append(out, mb)
	}
	slices.SortFunc(out, func(a, b Member) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

func (m *Members) Get(id NodeID) (Member, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mb, ok := m.members[id]
	return mb, ok
}

// ApplyDelta merges d and reports whether it changed the list. A higher
// incarnation always wins; at equal incarnation the worse state wins
// (alive < suspect < dead). Deltas about self are ignored.
func (m *Members) ApplyDelta(d Delta) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	in := d.Member
	if in.ID == m.self.ID {
		return false
	}
	cur, ok := m.members[in.ID]
	if ok {
		if in.Incarnation < cur.Incarnation {
			return false
		}
		if in.Incarnation == cur.Incarnation && in.State <= cur.State {
			return false
		}
	}
	in.LastUpdate = time.Now()
	m.members[in.ID] = in
	return true
}

// sync makes the peer set equal to peers (self excluded), returning the IDs
// that were added and removed.
func (m *Members) sync(peers map[NodeID]string) (added, removed []NodeID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	for id, addr := range peers {
		if id == m.self.ID {
			continue
		}
		cur, ok := m.members[id]
		if !ok {
			m.members[id] = Member{ID: id, Addr: addr, State: StateAlive, LastUpdate: now}
			added = append(added, id)
			continue
		}
		if cur.Addr != addr {
			cur.Addr = addr
			m.members[id] = cur
		}
	}
	for id := range m.members {
		if id == m.self.ID {
			continue
		}
		if _, ok := peers[id]; !ok {
			delete(m.members, id)
			removed = append(removed, id)
		}
	}
	return added, removed
}
