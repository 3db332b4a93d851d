package collector

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"
)

func TestNewStartsPending(t *testing.T) {
	c := New[string, int]("a", "b", "c")
	if got := c.Size(); got != 3 {
		t.Fatalf("Size = %d, want 3", got)
	}
	if c.HasAllResponses() {
		t.Fatalf("HasAllResponses = true with nobody answered")
	}
	if got, want := c.Missing(), []string{"a", "b", "c"}; !slices.Equal(got, want) {
		t.Fatalf("Missing = %v, want %v", got, want)
	}
	if got := c.NumberOfValidResponses(); got != 0 {
		t.Fatalf("NumberOfValidResponses = %d, want 0", got)
	}
}

func TestEmptyCollectorIsComplete(t *testing.T) {
	c := New[string, int]()
	if !c.HasAllResponses() {
		t.Fatalf("empty collector should be complete")
	}
	if c.Size() != 0 {
		t.Fatalf("Size = %d, want 0", c.Size())
	}
}

func TestZeroMemberIgnored(t *testing.T) {
	c := New[string, int]("", "a", "a")
	if got := c.Size(); got != 1 {
		t.Fatalf("Size = %d, want 1 (zero and duplicate members skipped)", got)
	}

	c.Add("", 1)
	c.Remove("")
	c.Suspect("")
	if got := c.Size(); got != 1 {
		t.Fatalf("Size after zero-member ops = %d, want 1", got)
	}
	if c.HasAllResponses() {
		t.Fatalf("zero-member Add must not answer for anyone")
	}
}

func TestAddUnexpectedMemberDropped(t *testing.T) {
	c := New[string, int]("a")
	c.Add("z", 9)

	res := c.Results()
	if _, ok := res["z"]; ok {
		t.Fatalf("Add for unexpected member created a key: %v", res)
	}
	if c.Size() != 1 {
		t.Fatalf("Size = %d, want 1", c.Size())
	}
}

func TestAddCompletesRound(t *testing.T) {
	c := New[string, int]("a", "b")

	c.Add("a", 1)
	if c.HasAllResponses() {
		t.Fatalf("complete after one of two answers")
	}
	c.Add("b", 2)
	if !c.HasAllResponses() {
		t.Fatalf("not complete after every member answered")
	}

	// overwriting keeps it complete
	c.Add("b", 3)
	if r := c.Results()["b"]; !r.Valid || r.Value != 3 {
		t.Fatalf("Results[b] = %+v, want {3 true}", r)
	}
}

func TestNilResponseStaysPending(t *testing.T) {
	c := New[string, *int]("a", "b")
	c.Add("a", nil)
	if c.HasAllResponses() {
		t.Fatalf("a nil reply must not complete the round")
	}
	if got := c.Missing(); !slices.Equal(got, []string{"a", "b"}) {
		t.Fatalf("Missing = %v, want [a b]", got)
	}
	if n := c.NumberOfValidResponses(); n != 0 {
		t.Fatalf("NumberOfValidResponses = %d, want 0", n)
	}

	one := 1
	c.Add("a", &one)
	c.Add("b", &one)
	if !c.HasAllResponses() {
		t.Fatalf("round should be complete")
	}
	// a later nil reply resets the slot
	c.Add("b", nil)
	if got := c.Missing(); !slices.Equal(got, []string{"b"}) {
		t.Fatalf("Missing = %v, want [b]", got)
	}

	// non-nilable types record their zero value as an answer
	z := New[string, int]("a")
	z.Add("a", 0)
	if !z.HasAllResponses() {
		t.Fatalf("zero int is a valid reply")
	}
}

func TestNilResponseWakesWaiter(t *testing.T) {
	c := New[string, []byte]("a")
	done := make(chan error, 1)
	go func() { done <- c.Wait(context.Background(), 5*time.Second) }()

	time.Sleep(20 * time.Millisecond)
	c.Add("a", nil) // signals, waiter re-checks and keeps waiting
	select {
	case err := <-done:
		t.Fatalf("Wait returned %v after a nil reply", err)
	case <-time.After(50 * time.Millisecond):
	}
	c.Add("a", []byte("ok"))
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Wait = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("waiter not woken")
	}
}

func TestShrinkingFlipsCompletion(t *testing.T) {
	type op func(c *Collector[string, int])
	rows := []struct {
		name string
		op   op
	}{
		{"remove", func(c *Collector[string, int]) { c.Remove("b") }},
		{"remove all", func(c *Collector[string, int]) { c.RemoveAll([]string{"b", "nope"}) }},
		{"suspect", func(c *Collector[string, int]) { c.Suspect("b") }},
		{"retain", func(c *Collector[string, int]) { c.RetainAll([]string{"a", "x"}) }},
	}
	for _, r := range rows {
		t.Run(r.name, func(t *testing.T) {
			c := New[string, int]("a", "b")
			c.Add("a", 1)
			r.op(c)
			if !c.HasAllResponses() {
				t.Fatalf("removing the last pending member should complete the round")
			}
			if c.Size() != 1 {
				t.Fatalf("Size = %d, want 1", c.Size())
			}
			if _, ok := c.Results()["x"]; ok {
				t.Fatalf("%s added a key", r.name)
			}
		})
	}
}

func TestRetainAllEmptyIsNoop(t *testing.T) {
	c := New[string, int]("a", "b")
	c.RetainAll(nil)
	c.RemoveAll(nil)
	if c.Size() != 2 {
		t.Fatalf("Size = %d, want 2", c.Size())
	}
}

func TestListingsFollowInsertionOrder(t *testing.T) {
	c := New[string, int]("d", "a", "c", "b")
	c.Add("c", 3)
	c.Add("d", 4)

	if got, want := c.ValidResults(), []string{"d", "c"}; !slices.Equal(got, want) {
		t.Fatalf("ValidResults = %v, want %v", got, want)
	}
	if got, want := c.Missing(), []string{"a", "b"}; !slices.Equal(got, want) {
		t.Fatalf("Missing = %v, want %v", got, want)
	}

	c.Suspect("a")
	if got, want := c.Missing(), []string{"b"}; !slices.Equal(got, want) {
		t.Fatalf("Missing after suspect = %v, want %v", got, want)
	}
}

func TestResultsIsSnapshot(t *testing.T) {
	c := New[string, int]("a", "b")
	res := c.Results()
	res["a"] = Response[int]{Value: 7, Valid: true}
	delete(res, "b")

	if c.NumberOfValidResponses() != 0 || c.Size() != 2 {
		t.Fatalf("mutating Results() leaked into the collector: %s", c)
	}

	c.Add("a", 1)
	if res["a"].Value != 7 {
		t.Fatalf("snapshot changed after Add")
	}
}

func TestResetProperty(t *testing.T) {
	sets := [][]string{
		nil,
		{"a"},
		{"a", "b", "c"},
		{"n1", "n2", "n3", "n4", "n5"},
	}
	c := New[string, string]("old")
	c.Add("old", "x")
	for _, m := range sets {
		c.Reset(m...)
		if got, want := c.HasAllResponses(), len(m) == 0; got != want {
			t.Fatalf("Reset(%v): HasAllResponses = %v, want %v", m, got, want)
		}
		if len(m) > 0 && !slices.Equal(c.Missing(), m) {
			t.Fatalf("Reset(%v): Missing = %v", m, c.Missing())
		}

		for _, id := range m {
			c.Add(id, "ok-"+id)
		}
		got := c.ValidResults()
		slices.Sort(got)
		want := slices.Clone(m)
		slices.Sort(want)
		if !slices.Equal(got, want) {
			t.Fatalf("ValidResults = %v, want %v", got, want)
		}
		if len(c.Missing()) != 0 {
			t.Fatalf("Missing = %v, want empty", c.Missing())
		}
	}
}

func TestString(t *testing.T) {
	c := New[string, int]("a", "b")
	c.Add("a", 1)
	if got, want := c.String(), "map[a:1 b:<pending>], complete=false"; got != want {
		t.Fatalf("String = %q, want %q", got, want)
	}
}

func TestWaitReturnsImmediatelyWhenComplete(t *testing.T) {
	c := New[string, int]()
	start := time.Now()
	if !c.WaitForAllResponses(context.Background(), time.Minute) {
		t.Fatalf("empty collector wait returned false")
	}
	if d := time.Since(start); d > 100*time.Millisecond {
		t.Fatalf("wait on complete collector took %s", d)
	}
}

func TestWaitTimesOut(t *testing.T) {
	c := New[string, int]("a")
	start := time.Now()
	err := c.Wait(context.Background(), 50*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Wait err = %v, want ErrTimeout", err)
	}
	if d := time.Since(start); d < 50*time.Millisecond {
		t.Fatalf("Wait returned after %s, before the deadline", d)
	}
}

func TestWaitNonPositiveTimeoutUsesDefault(t *testing.T) {
	for _, timeout := range []time.Duration{0, -time.Second} {
		c := New[string, int]("a")
		start := time.Now()
		if c.WaitForAllResponses(context.Background(), timeout) {
			t.Fatalf("timeout %s: wait returned true with a pending member", timeout)
		}
		d := time.Since(start)
		if d < DefaultTimeout || d > DefaultTimeout+time.Second {
			t.Fatalf("timeout %s: waited %s, want about %s", timeout, d, DefaultTimeout)
		}
	}
}

func TestWaitCanceled(t *testing.T) {
	c := New[string, int]("a")
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := c.Wait(ctx, 5*time.Second)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Wait err = %v, want context.Canceled", err)
	}
	if errors.Is(err, ErrTimeout) {
		t.Fatalf("cancellation reported as timeout")
	}
	if d := time.Since(start); d > time.Second {
		t.Fatalf("cancelled wait took %s", d)
	}
	if ctx.Err() == nil {
		t.Fatalf("caller context lost its cancellation")
	}
}

func TestWaitWakesPromptly(t *testing.T) {
	// a, b, c expected; a answers, b is suspected, c answers.
	c := New[string, int]("A", "B", "C")
	c.Add("A", 1)
	if c.HasAllResponses() {
		t.Fatalf("complete after first answer")
	}
	if n := c.NumberOfValidResponses(); n != 1 {
		t.Fatalf("NumberOfValidResponses = %d, want 1", n)
	}

	done := make(chan bool, 1)
	go func() {
		done <- c.WaitForAllResponses(context.Background(), 5*time.Second)
	}()

	time.Sleep(20 * time.Millisecond)
	c.Suspect("B")
	if got, want := c.Missing(), []string{"C"}; !slices.Equal(got, want) {
		t.Fatalf("Missing = %v, want %v", got, want)
	}
	start := time.Now()
	c.Add("C", 3)

	select {
	case ok := <-done:
		if !ok {
			t.Fatalf("wait returned false after every member answered")
		}
		if d := time.Since(start); d > time.Second {
			t.Fatalf("wait woke %s after completion", d)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("wait did not wake after completion")
	}
}

func TestWaitManyWaiters(t *testing.T) {
	c := New[string, int]("a", "b")
	const waiters = 8

	var wg sync.WaitGroup
	results := make(chan bool, waiters)
	for range waiters {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- c.WaitForAllResponses(context.Background(), 5*time.Second)
		}()
	}

	time.Sleep(20 * time.Millisecond)
	c.Add("a", 1)
	c.Remove("b")
	wg.Wait()
	close(results)

	for ok := range results {
		if !ok {
			t.Fatalf("a waiter missed completion")
		}
	}
}

func TestWaitSurvivesResetToLargerSet(t *testing.T) {
	c := New[string, int]("a")
	done := make(chan error, 1)
	go func() { done <- c.Wait(context.Background(), 200*time.Millisecond) }()

	time.Sleep(20 * time.Millisecond)
	c.Reset("x", "y") // wakes the waiter, predicate still false
	c.Add("x", 1)

	if err := <-done; !errors.Is(err, ErrTimeout) {
		t.Fatalf("Wait err = %v, want ErrTimeout while y is pending", err)
	}
}

func TestConcurrentProducers(t *testing.T) {
	const n = 64
	members := make([]string, n)
	for i := range members {
		members[i] = fmt.Sprintf("m%02d", i)
	}
	c := New[string, int](members...)

	var wg sync.WaitGroup
	for i, m := range members {
		wg.Add(1)
		go func() {
			defer wg.Done()
			switch i % 4 {
			case 0:
				c.Suspect(m)
			case 1:
				c.Remove(m)
			default:
				c.Add(m, i)
			}
		}()
	}

	if !c.WaitForAllResponses(context.Background(), 5*time.Second) {
		t.Fatalf("round did not complete: %s", c)
	}
	wg.Wait()
	if got := c.NumberOfValidResponses(); got != n/2 {
		t.Fatalf("NumberOfValidResponses = %d, want %d", got, n/2)
	}
	if got := c.Size(); got != n/2 {
		t.Fatalf("Size = %d, want %d", got, n/2)
	}
}

type recordingObserver struct {
	mu       sync.Mutex
	outcomes []Outcome
	missing  []int
}

func (r *recordingObserver) ObserveWait(o Outcome, _ time.Duration, missing int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, o)
	r.missing = append(r.missing, missing)
}

func TestObserverSeesOutcomes(t *testing.T) {
	obs := &recordingObserver{}
	c := NewWithOptions[string, int]([]Option{WithObserver(obs)}, "a", "b")

	_ = c.Wait(context.Background(), 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = c.Wait(ctx, time.Second)

	c.Add("a", 1)
	c.Add("b", 2)
	_ = c.Wait(context.Background(), time.Second)

	want := []Outcome{OutcomeTimeout, OutcomeCanceled, OutcomeComplete}
	if !slices.Equal(obs.outcomes, want) {
		t.Fatalf("outcomes = %v, want %v", obs.outcomes, want)
	}
	if !slices.Equal(obs.missing, []int{2, 2, 0}) {
		t.Fatalf("missing = %v, want [2 2 0]", obs.missing)
	}
}
