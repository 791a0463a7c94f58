package chash

import (
	"testing"

	"clusterkit/internal/node"
)

func mkNode(id string) node.Node {
	return node.New(id, "127.0.0.1", 9000)
}

func TestInsertIsAllOrNothing(t *testing.T) {
	r := New(3, 16)
	n := mkNode("n1")
	r.Insert(n)
	if r.Size() != 1 {
		t.Fatalf("size = %d, want 1", r.Size())
	}
	if len(r.points) != r.virtualCount() {
		t.Fatalf("points = %d, want %d", len(r.points), r.virtualCount())
	}

	r.Insert(n)
	if r.Size() != 1 || len(r.points) != r.virtualCount() {
		t.Fatal("re-inserting an existing node must be a no-op")
	}
}

func TestRemoveDropsAllPoints(t *testing.T) {
	r := New(3, 16)
	a, b := mkNode("a"), mkNode("b")
	r.Insert(a)
	r.Insert(b)
	r.Remove(a)

	if r.Size() != 1 {
		t.Fatalf("size = %d, want 1", r.Size())
	}
	for _, p := range r.points {
		if p.Node.ID == "a" {
			t.Fatal("found a leftover virtual point for removed node")
		}
	}
}

func TestFindIsDeterministic(t *testing.T) {
	r := New(2, 8)
	for _, id := range []string{"a", "b", "c", "d"} {
		r.Insert(mkNode(id))
	}
	first, ok := r.Find("some-key")
	if !ok {
		t.Fatal("expected a node")
	}
	for i := 0; i < 10; i++ {
		got, _ := r.Find("some-key")
		if got.ID != first.ID {
			t.Fatalf("Find not deterministic: got %s, want %s", got.ID, first.ID)
		}
	}
}

func TestFindReplicasDistinct(t *testing.T) {
	r := New(3, 8)
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		r.Insert(mkNode(id))
	}
	reps := r.FindReplicas("widget-42")
	if len(reps) != 3 {
		t.Fatalf("len(replicas) = %d, want 3", len(reps))
	}
	seen := map[string]bool{}
	for _, n := range reps {
		if seen[n.ID] {
			t.Fatalf("duplicate node %s in replica set", n.ID)
		}
		seen[n.ID] = true
	}
}

func TestFindReplicasFewerNodesThanRFactor(t *testing.T) {
	r := New(5, 8)
	r.Insert(mkNode("only"))
	reps := r.FindReplicas("key")
	if len(reps) != 1 {
		t.Fatalf("len(replicas) = %d, want 1 when only one node exists", len(reps))
	}
}

func TestEmptyRingFindFails(t *testing.T) {
	r := New(3, 8)
	if _, ok := r.Find("anything"); ok {
		t.Fatal("Find on empty ring should fail")
	}
}

func TestJSONRoundTrip(t *testing.T) {
	r := New(3, 16)
	r.Insert(mkNode("a"))
	r.Insert(mkNode("b"))

	data, err := r.MarshalJSON()
	if err != nil {
		t.Fatalf("MarshalJSON: %v", err)
	}

	r2 := New(0, 0)
	if err := r2.UnmarshalJSON(data); err != nil {
		t.Fatalf("UnmarshalJSON: %v", err)
	}
	if r2.Size() != r.Size() || r2.RFactor() != r.RFactor() {
		t.Fatalf("round trip mismatch: got size=%d rfactor=%d, want size=%d rfactor=%d",
			r2.Size(), r2.RFactor(), r.Size(), r.RFactor())
	}
	if len(r2.points) != len(r.points) {
		t.Fatalf("round trip point count = %d, want %d", len(r2.points), len(r.points))
	}
}

func TestCloneIsIndependent(t *testing.T) {
	r := New(3, 8)
	r.Insert(mkNode("a"))
	clone := r.Clone()
	r.Insert(mkNode("b"))

	if clone.Size() != 1 {
		t.Fatalf("clone size = %d, want 1 (mutation of original leaked)", clone.Size())
	}
}
