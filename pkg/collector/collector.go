package collector

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"
)

// DefaultTimeout replaces any non-positive timeout passed to Wait.
const DefaultTimeout = 2 * time.Second

// ErrTimeout is returned by Wait when the deadline passes before every
// expected member has answered.
var ErrTimeout = errors.New("collector: timed out waiting for responses")

// Outcome is how a single Wait call ended.
type Outcome uint8

const (
	OutcomeComplete Outcome = iota
	OutcomeTimeout
	OutcomeCanceled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeComplete:
		return "complete"
	case OutcomeTimeout:
		return "timeout"
	case OutcomeCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Observer is notified after every Wait. missing is the number of members
// still pending when the wait returned.
type Observer interface {
	ObserveWait(outcome Outcome, waited time.Duration, missing int)
}

// Option configures a Collector.
type Option func(*options)

type options struct {
	observer Observer
}

// WithObserver reports every Wait outcome to o.
func WithObserver(o Observer) Option {
	return func(opts *options) { opts.observer = o }
}

// Response is one member's slot in a Results snapshot. Valid is false while
// the member has not answered.
type Response[T any] struct {
	Value T
	Valid bool
}

// Collector holds the expected members of one round and their replies.
type Collector[M comparable, T any] struct {
	mu        sync.Mutex
	responses map[M]Response[T]
	order     []M           // keys of responses in insertion order
	notify    chan struct{} // closed and replaced on every signalling mutation
	observer  Observer
}

// New returns a collector expecting a reply from each of members.
func New[M comparable, T any](members ...M) *Collector[M, T] {
	return NewWithOptions[M, T](nil, members...)
}

// NewWithOptions is New with options applied.
func NewWithOptions[M comparable, T any](opts []Option, members ...M) *Collector[M, T] {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	c := &Collector[M, T]{
		responses: make(map[M]Response[T], len(members)),
		notify:    make(chan struct{}),
		observer:  o.observer,
	}
	c.fillLocked(members)
	return c
}

// Add records v as member's reply. It does nothing if member is not expected.
// A nil v (nil pointer, interface, map, slice, chan or func) leaves the
// member pending.
func (c *Collector[M, T]) Add(member M, v T) {
	if isZero(member) {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.responses[member]; ok {
		if isNil(v) {
			c.responses[member] = Response[T]{}
		} else {
			c.responses[member] = Response[T]{Value: v, Valid: true}
		}
		c.signalLocked()
	}
}

// Remove stops expecting a reply from member.
func (c *Collector[M, T]) Remove(member M) {
	if isZero(member) {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deleteLocked(member)
	c.signalLocked()
}

// RemoveAll stops expecting replies from every member in members.
func (c *Collector[M, T]) RemoveAll(members []M) {
	if len(members) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range members {
		c.deleteLocked(m)
	}
	c.signalLocked()
}

// RetainAll drops every expected member that is not in members. An empty
// members slice is ignored rather than treated as "retain nothing".
func (c *Collector[M, T]) RetainAll(members []M) {
	if len(members) == 0 {
		return
	}
	keep := make(map[M]struct{}, len(members))
	for _, m := range members {
		keep[m] = struct{}{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	changed := false
	for _, m := range c.order {
		if _, ok := keep[m]; !ok {
			delete(c.responses, m)
			changed = true
		}
	}
	if changed {
		c.compactLocked()
		c.signalLocked()
	}
}

// Suspect marks member as failed; it is no longer expected to answer.
func (c *Collector[M, T]) Suspect(member M) {
	if isZero(member) {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.deleteLocked(member) {
		c.signalLocked()
	}
}

// HasAllResponses reports whether every expected member has answered. It is
// true when nobody is expected.
func (c *Collector[M, T]) HasAllResponses() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.completeLocked()
}

// NumberOfValidResponses returns how many expected members have answered.
func (c *Collector[M, T]) NumberOfValidResponses() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, r := range c.responses {
		if r.Valid {
			n++
		}
	}
	return n
}

// Missing returns the expected members that have not answered yet.
func (c *Collector[M, T]) Missing() []M {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.selectLocked(false)
}

// ValidResults returns the expected members that have answered.
func (c *Collector[M, T]) ValidResults() []M {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.selectLocked(true)
}

// Results returns a copy of every expected member's slot. Later mutations of
// the collector are not reflected in it.
func (c *Collector[M, T]) Results() map[M]Response[T] {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[M]Response[T], len(c.responses))
	for m, r := range c.responses {
		out[m] = r
	}
	return out
}

// Size returns the number of expected members.
func (c *Collector[M, T]) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.responses)
}

// Wait blocks until every expected member has answered, timeout elapses, or
// ctx is done. It returns nil on completion, ErrTimeout on timeout and
// ctx.Err() on cancellation. A timeout <= 0 means DefaultTimeout.
func (c *Collector[M, T]) Wait(ctx context.Context, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	start := time.Now()
	deadline := start.Add(timeout)
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		c.mu.Lock()
		if c.completeLocked() {
			c.mu.Unlock()
			c.observe(OutcomeComplete, start, 0)
			return nil
		}
		notify := c.notify
		missing := c.pendingLocked()
		c.mu.Unlock()

		if time.Until(deadline) <= 0 {
			c.observe(OutcomeTimeout, start, missing)
			return ErrTimeout
		}
		select {
		case <-notify:
		case <-timer.C:
		case <-ctx.Done():
			c.observe(OutcomeCanceled, start, missing)
			return ctx.Err()
		}
	}
}

// WaitForAllResponses is Wait reduced to a bool: true only if every expected
// member answered before the deadline. Use Wait to tell a timeout from a
// cancelled ctx.
func (c *Collector[M, T]) WaitForAllResponses(ctx context.Context, timeout time.Duration) bool {
	return c.Wait(ctx, timeout) == nil
}

// Reset starts a new round expecting members, discarding all prior state.
func (c *Collector[M, T]) Reset(members ...M) {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.responses)
	c.order = c.order[:0]
	c.fillLocked(members)
	c.signalLocked()
}

func (c *Collector[M, T]) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var sb strings.Builder
	sb.WriteString("map[")
	for i, m := range c.order {
		if i > 0 {
			sb.WriteByte(' ')
		}
		if r := c.responses[m]; r.Valid {
			fmt.Fprintf(&sb, "%v:%v", m, r.Value)
		} else {
			fmt.Fprintf(&sb, "%v:<pending>", m)
		}
	}
	fmt.Fprintf(&sb, "], complete=%t", c.completeLocked())
	return sb.String()
}

func (c *Collector[M, T]) fillLocked(members []M) {
	for _, m := range members {
		if isZero(m) {
			continue
		}
		if _, dup := c.responses[m]; dup {
			continue
		}
		c.responses[m] = Response[T]{}
		c.order = append(c.order, m)
	}
}

// deleteLocked reports whether member was expected.
func (c *Collector[M, T]) deleteLocked(member M) bool {
	if _, ok := c.responses[member]; !ok {
		return false
	}
	delete(c.responses, member)
	c.compactLocked()
	return true
}

// compactLocked drops keys from order that are no longer in responses.
func (c *Collector[M, T]) compactLocked() {
	kept := c.order[:0]
	for _, m := range c.order {
		if _, ok := c.responses[m]; ok {
			kept = append(kept, m)
		}
	}
	var zero M
	for i := len(kept); i < len(c.order); i++ {
		c.order[i] = zero
	}
	c.order = kept
}

func (c *Collector[M, T]) completeLocked() bool {
	for _, r := range c.responses {
		if !r.Valid {
			return false
		}
	}
	return true
}

func (c *Collector[M, T]) pendingLocked() int {
	n := 0
	for _, r := range c.responses {
		if !r.Valid {
			n++
		}
	}
	return n
}

func (c *Collector[M, T]) selectLocked(valid bool) []M {
	out := make([]M, 0, len(c.order))
	for _, m := range c.order {
		if c.responses[m].Valid == valid {
			out = append(out, m)
		}
	}
	return out
}

// signalLocked wakes every goroutine blocked in Wait.
func (c *Collector[M, T]) signalLocked() {
	close(c.notify)
	c.notify = make(chan struct{})
}

func (c *Collector[M, T]) observe(outcome Outcome, start time.Time, missing int) {
	if c.observer != nil {
		c.observer.ObserveWait(outcome, time.Since(start), missing)
	}
}

func isZero[M comparable](m M) bool {
	var zero M
	return m == zero
}

func isNil[T any](v T) bool {
	rv := reflect.ValueOf(any(v))
	if !rv.IsValid() {
		return true
	}
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface, reflect.Map, reflect.Slice, reflect.Chan, reflect.Func:
		return rv.IsNil()
	}
	return false
}
