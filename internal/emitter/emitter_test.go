package emitter

import "testing"

func TestEmitReachesEverySubscriber(t *testing.T) {
	e := New()
	var a, b int
	e.On("sig", func(args ...any) { a++ })
	e.On("sig", func(args ...any) { b++ })
	e.Emit("sig")
	e.Emit("sig")
	if a != 2 || b != 2 {
		t.Fatalf("subscribers fired (%d, %d) times, want (2, 2)", a, b)
	}
}

func TestOnceFiresOnce(t *testing.T) {
	e := New()
	count := 0
	e.Once("sig", func(args ...any) { count++ })
	e.Emit("sig")
	e.Emit("sig")
	if count != 1 {
		t.Fatalf("once subscriber fired %d times, want 1", count)
	}
}

func TestOnReturnsUnsubscribe(t *testing.T) {
	e := New()
	count := 0
	off := e.On("sig", func(args ...any) { count++ })
	e.Emit("sig")
	off()
	e.Emit("sig")
	if count != 1 {
		t.Fatalf("subscriber fired %d times after unsubscribe, want 1", count)
	}
	off()
	e.Emit("sig")
	if count != 1 {
		t.Fatal("unsubscribe must be idempotent")
	}
}

func TestOnceRemovesItsSubscriber(t *testing.T) {
	e := New()
	e.Once("sig", func(args ...any) {})
	e.Emit("sig")

	e.mu.Lock()
	remaining := len(e.subs["sig"])
	e.mu.Unlock()
	if remaining != 0 {
		t.Fatalf("%d subscribers left after a once fired, want 0", remaining)
	}
}

func TestEmitPassesArgs(t *testing.T) {
	e := New()
	var got any
	e.On("sig", func(args ...any) { got = args[0] })
	e.Emit("sig", 42)
	if got != 42 {
		t.Fatalf("got %v, want 42", got)
	}
}

func TestClearDropsSubscribers(t *testing.T) {
	e := New()
	fired := false
	e.On("sig", func(args ...any) { fired = true })
	e.Clear()
	e.Emit("sig")
	if fired {
		t.Fatal("cleared subscriber must not fire")
	}
}
