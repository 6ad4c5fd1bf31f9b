package counter

import "testing"

func TestAddCreatesAtZeroBaseline(t *testing.T) {
	b := New()
	if v := b.Add("seq.msg", 3); v != 3 {
		t.Fatalf("unexpected value %d", v)
	}
	if v := b.Add("seq.msg", 4); v != 7 {
		t.Fatalf("unexpected value %d", v)
	}
	v, ok := b.Get("seq.msg")
	if !ok || v != 7 {
		t.Fatalf("unexpected get result %d %v", v, ok)
	}
}

func TestGetMissingReturnsFalse(t *testing.T) {
	b := New()
	if _, ok := b.Get("nope"); ok {
		t.Fatalf("expected missing counter to report ok=false")
	}
}

func TestInitResetsBaselineAndValue(t *testing.T) {
	b := New()
	b.Add("seq.msg", 10)
	b.Init("seq.msg", 5)
	v, ok := b.Get("seq.msg")
	if !ok || v != 5 {
		t.Fatalf("init did not reset value, got %d", v)
	}
	// Commit should be a no-op immediately after Init since init==value.
	b.Commit()
	v, _ = b.Get("seq.msg")
	if v != 5 {
		t.Fatalf("commit after init changed value unexpectedly: %d", v)
	}
}

func TestValuesReturnsInRequestedOrder(t *testing.T) {
	b := New()
	b.Init("a", 1)
	b.Init("b", 2)
	got := b.Values([]string{"b", "a", "missing"})
	if len(got) != 3 || got[0] != 2 || got[1] != 1 || got[2] != 0 {
		t.Fatalf("unexpected values %v", got)
	}
}

func TestIdsSortedAndComplete(t *testing.T) {
	b := New()
	b.Init("z", 1)
	b.Init("a", 1)
	b.Init("m", 1)
	ids := b.Ids()
	if len(ids) != 3 || ids[0] != "a" || ids[1] != "m" || ids[2] != "z" {
		t.Fatalf("unexpected ids %v", ids)
	}
}

func TestCloneIsIndependent(t *testing.T) {
	b := New()
	b.Init("a", 1)
	clone := b.Clone()
	b.Add("a", 9)
	v, _ := clone.Get("a")
	if v != 1 {
		t.Fatalf("clone should not observe mutations to the original, got %d", v)
	}
}

func TestMergeFoldsIncrementsSinceBaseline(t *testing.T) {
	b := New()
	b.Init("a", 100)

	other := New()
	other.Init("a", 100)
	other.Add("a", 7)

	b.Merge(other)
	v, _ := b.Get("a")
	if v != 107 {
		t.Fatalf("expected merged delta of 7 applied, got %d", v)
	}
}

func TestMergeIgnoresIdsAbsentLocally(t *testing.T) {
	b := New()
	b.Init("a", 100)

	other := New()
	other.Init("a", 100)
	other.Init("b", 50)
	other.Add("b", 5)

	b.Merge(other)
	if _, ok := b.Get("b"); ok {
		t.Fatalf("expected id absent locally to remain absent after merge")
	}
}

func TestMergeSkipsZeroBaselineEntries(t *testing.T) {
	b := New()
	b.Init("a", 10)

	other := New()
	other.Add("a", 4) // created at baseline 0, now value=4, init=0

	b.Merge(other)
	v, _ := b.Get("a")
	if v != 10 {
		t.Fatalf("expected zero-baseline entry to be skipped, got %d", v)
	}
}

func TestCommitRebasesForFutureMerges(t *testing.T) {
	b := New()
	b.Init("a", 10)
	b.Add("a", 5)
	b.Commit()

	dest := New()
	dest.Init("a", 0)
	dest.Merge(b)
	v, _ := dest.Get("a")
	if v != 0 {
		t.Fatalf("expected no further delta right after commit, got %d", v)
	}

	b.Add("a", 3)
	dest.Merge(b)
	v, _ = dest.Get("a")
	if v != 3 {
		t.Fatalf("expected post-commit delta of 3, got %d", v)
	}
}
