package schedule

import (
	"sort"
	"testing"
)

func drainAvailable(t *testing.T, s *Schedule) []string {
	t.Helper()
	var order []string
	for {
		gh, ok := s.NextGroup()
		if !ok {
			break
		}
		if err := gh.Started(); err != nil {
			t.Fatalf("started: %v", err)
		}
		for _, v := range gh.Values() {
			order = append(order, v.(string))
		}
		if err := gh.Completed(); err != nil {
			t.Fatalf("completed: %v", err)
		}
	}
	return order
}

func TestTwoIndependentOpsRunConcurrently(t *testing.T) {
	s := New(DefaultDepthLimit)
	if _, err := s.Add("A", nil, "w1"); err != nil {
		t.Fatalf("add w1: %v", err)
	}
	if _, err := s.Add("B", nil, "w2"); err != nil {
		t.Fatalf("add w2: %v", err)
	}

	gh1, ok := s.NextGroup()
	if !ok {
		t.Fatalf("expected a ready group")
	}
	if err := gh1.Started(); err != nil {
		t.Fatalf("started: %v", err)
	}

	gh2, ok := s.NextGroup()
	if !ok {
		t.Fatalf("expected a second ready group on the other shard")
	}
	if err := gh2.Started(); err != nil {
		t.Fatalf("started: %v", err)
	}

	if _, ok := s.NextGroup(); ok {
		t.Fatalf("no third group should be ready")
	}
}

func TestCrossShardDependencyOrdering(t *testing.T) {
	s := New(DefaultDepthLimit)
	id1, err := s.Add("A", nil, "w1")
	if err != nil {
		t.Fatalf("add w1: %v", err)
	}
	id2, err := s.Add("B", []OpID{id1}, "w2")
	if err != nil {
		t.Fatalf("add w2: %v", err)
	}
	if _, err := s.Add("A", []OpID{id2}, "w3"); err != nil {
		t.Fatalf("add w3: %v", err)
	}

	order := drainAvailable(t, s)
	if len(order) != 3 || order[0] != "w1" || order[1] != "w2" || order[2] != "w3" {
		t.Fatalf("unexpected order: %v", order)
	}
}

func TestGroupFailureCancelsDescendantsOnly(t *testing.T) {
	s := New(DefaultDepthLimit)
	id1, err := s.Add("A", nil, "w1")
	if err != nil {
		t.Fatalf("add w1: %v", err)
	}
	id2, err := s.Add("B", []OpID{id1}, "w2")
	if err != nil {
		t.Fatalf("add w2: %v", err)
	}
	if _, err := s.Add("C", []OpID{id2}, "w3"); err != nil {
		t.Fatalf("add w3: %v", err)
	}
	if _, err := s.Add("A", nil, "w5"); err != nil {
		t.Fatalf("add w5: %v", err)
	}

	gh, ok := s.NextGroup()
	if !ok {
		t.Fatalf("expected w1's group to be ready")
	}
	if err := gh.Started(); err != nil {
		t.Fatalf("started: %v", err)
	}

	cancelled, err := gh.Failed()
	if err != nil {
		t.Fatalf("failed: %v", err)
	}
	var got []string
	for _, v := range cancelled {
		got = append(got, v.(string))
	}
	sort.Strings(got)
	if len(got) != 3 || got[0] != "w1" || got[1] != "w2" || got[2] != "w3" {
		t.Fatalf("unexpected cancelled set: %v", got)
	}

	// w5, the independent sibling on shard A, must survive the rebalance.
	gh2, ok := s.NextGroup()
	if !ok {
		t.Fatalf("expected w5's group to survive and remain ready")
	}
	vals := gh2.Values()
	if len(vals) != 1 || vals[0].(string) != "w5" {
		t.Fatalf("unexpected survivor group: %v", vals)
	}
}

func TestAddUnknownDependencyFails(t *testing.T) {
	s := New(DefaultDepthLimit)
	if _, err := s.Add("A", []OpID{999}, "w1"); err == nil {
		t.Fatalf("expected unknown dependency to fail")
	}
}

func TestStartedTwiceFails(t *testing.T) {
	s := New(DefaultDepthLimit)
	if _, err := s.Add("A", nil, "w1"); err != nil {
		t.Fatalf("add: %v", err)
	}
	gh, ok := s.NextGroup()
	if !ok {
		t.Fatalf("expected a ready group")
	}
	if err := gh.Started(); err != nil {
		t.Fatalf("started: %v", err)
	}
	if err := gh.Started(); err == nil {
		t.Fatalf("expected second Started to fail on a stale handle")
	}
}

func TestShardsReportsOnlyLiveShards(t *testing.T) {
	s := New(DefaultDepthLimit)
	if _, err := s.Add("A", nil, "w1"); err != nil {
		t.Fatalf("add: %v", err)
	}
	gh, ok := s.NextGroup()
	if !ok {
		t.Fatalf("expected a ready group")
	}
	if err := gh.Started(); err != nil {
		t.Fatalf("started: %v", err)
	}
	if err := gh.Completed(); err != nil {
		t.Fatalf("completed: %v", err)
	}
	if shards := s.Shards(); len(shards) != 0 {
		t.Fatalf("expected no live shards after completion, got %v", shards)
	}
}
