package vclock

import "testing"

func TestIncrementMonotonic(t *testing.T) {
	c := New()
	c.Increment("a", 100)
	c.Increment("a", 200)
	e, ok := c.Get("a")
	if !ok {
		t.Fatal("expected actor a to exist")
	}
	if e.Count != 2 {
		t.Fatalf("count = %d, want 2", e.Count)
	}
	if e.Insert != 100 {
		t.Fatalf("insert = %d, want 100 (set once)", e.Insert)
	}
	if e.Time != 200 {
		t.Fatalf("time = %d, want 200 (updated on every increment)", e.Time)
	}
}

func TestDescends(t *testing.T) {
	a := New()
	a.Increment("x", 1)
	a.Increment("x", 2)
	a.Increment("y", 3)

	b := New()
	b.Increment("x", 1)

	if !a.Descends(b) {
		t.Fatal("a should descend b")
	}
	if b.Descends(a) {
		t.Fatal("b should not descend a")
	}
}

func TestDescendsSelfWithReducedCount(t *testing.T) {
	c := New()
	c.Increment("a", 1)
	c.Increment("a", 2)
	c.Increment("a", 3)

	reduced := New()
	reduced.Increment("a", 1)

	if !c.Descends(reduced) {
		t.Fatal("clock must descend itself with a reduced count for the same actor")
	}
}

func TestJSONRoundTrip(t *testing.T) {
	a := New()
	a.Increment("actor-1", 10)
	a.Increment("actor-2", 20)

	data, err := a.ToJSON()
	if err != nil {
		t.Fatalf("ToJSON: %v", err)
	}
	b, err := FromJSON(data)
	if err != nil {
		t.Fatalf("FromJSON: %v", err)
	}
	if !a.Equal(b) {
		t.Fatalf("round-tripped clock does not equal original: %+v vs %+v", a.entries, b.entries)
	}
}

func TestMergeTakesMaxCount(t *testing.T) {
	a := New()
	a.Increment("x", 1)
	a.Increment("x", 2)

	b := New()
	b.Increment("x", 1)
	b.Increment("x", 2)
	b.Increment("x", 3)
	b.Increment("y", 5)

	m := Merge(a, b)
	xe, _ := m.Get("x")
	if xe.Count != 3 {
		t.Fatalf("merged x count = %d, want 3", xe.Count)
	}
	if !m.Has("y") {
		t.Fatal("merged clock should carry actor y from b")
	}
}

func TestTrimNoOpBelowLowerBound(t *testing.T) {
	c := New()
	for i := 0; i < 5; i++ {
		c.Increment(string(rune('a'+i)), int64(i))
	}
	opts := TrimOpts{LowerBound: 10, YoungBound: 1, UpperBound: 2, OldBound: 1}
	c.Trim(opts, 1000)
	if c.Size() != 5 {
		t.Fatalf("size = %d, want 5 (no trim below lower bound)", c.Size())
	}
}

func TestTrimDropsOldEntries(t *testing.T) {
	c := New()
	for i := 0; i < 20; i++ {
		c.Increment(string(rune('a'+i)), int64(i))
	}
	opts := TrimOpts{LowerBound: 1, YoungBound: 1, UpperBound: 50, OldBound: 5}
	now := int64(20)
	c.Trim(opts, now)
	for actor, e := range c.entries {
		if now-e.Time > opts.OldBound {
			t.Fatalf("actor %s with age %d should have been trimmed", actor, now-e.Time)
		}
	}
}

func TestTrimCapsUpperBound(t *testing.T) {
	c := New()
	for i := 0; i < 20; i++ {
		c.Increment(string(rune('a'+i)), int64(i*100))
	}
	opts := TrimOpts{LowerBound: 1, YoungBound: 1, UpperBound: 5, OldBound: 1 << 40}
	c.Trim(opts, int64(19*100+2))
	if c.Size() > opts.UpperBound {
		t.Fatalf("size = %d, want <= %d", c.Size(), opts.UpperBound)
	}
}
