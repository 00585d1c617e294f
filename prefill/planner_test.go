package prefill

import (
	"testing"

	"mooncake-conductor/locator"
)

func completeMemoryReplica(endpoint string) locator.ReplicaDescriptor {
	return locator.ReplicaDescriptor{
		Status: locator.StatusComplete,
		Kind:   locator.ReplicaMemory,
		Buffers: []locator.BufferDescriptor{
			{TransportEndpoint: endpoint, Size: 4096},
		},
	}
}

func hitResult(endpoints ...string) locator.LookupResult {
	var reps []locator.ReplicaDescriptor
	for _, e := range endpoints {
		reps = append(reps, completeMemoryReplica(e))
	}
	return locator.LookupResult{Response: locator.GetReplicaListResponse{Replicas: reps}}
}

func missResult() locator.LookupResult {
	return locator.LookupResult{Response: locator.GetReplicaListResponse{}}
}

func TestPlanPicksLongestPrefixRun(t *testing.T) {
	keys := []string{"k1", "k2", "k3"}
	results := []locator.LookupResult{
		hitResult("node-a", "node-b"),
		hitResult("node-a"),
		missResult(),
	}
	got := Plan(keys, results)
	if !got.Hit {
		t.Fatal("expected a hit")
	}
	if got.NodeID != "node-a" {
		t.Fatalf("NodeID = %q, want node-a", got.NodeID)
	}
	if got.BestIndex != 1 || got.BestKey != "k2" {
		t.Fatalf("BestIndex/BestKey = %d/%q, want 1/k2", got.BestIndex, got.BestKey)
	}
}

func TestPlanBreaksOnFirstMiss(t *testing.T) {
	keys := []string{"k1", "k2", "k3"}
	results := []locator.LookupResult{
		missResult(),
		hitResult("node-a"),
		hitResult("node-a"),
	}
	got := Plan(keys, results)
	if got.Hit {
		t.Fatalf("expected no hit since the run does not start at index 0, got %+v", got)
	}
}

func TestPlanTieBreaksBySortedEndpoint(t *testing.T) {
	keys := []string{"k1"}
	results := []locator.LookupResult{hitResult("node-z", "node-a")}
	got := Plan(keys, results)
	if got.NodeID != "node-a" {
		t.Fatalf("NodeID = %q, want node-a (lexicographically first of equal-length runs)", got.NodeID)
	}
}

func TestPlanIgnoresIncompleteOrDiskReplicas(t *testing.T) {
	keys := []string{"k1"}
	results := []locator.LookupResult{
		{Response: locator.GetReplicaListResponse{Replicas: []locator.ReplicaDescriptor{
			{Status: locator.StatusIncomplete, Kind: locator.ReplicaMemory,
				Buffers: []locator.BufferDescriptor{{TransportEndpoint: "node-a"}}},
			{Status: locator.StatusComplete, Kind: locator.ReplicaDisk},
		}}},
	}
	got := Plan(keys, results)
	if got.Hit {
		t.Fatalf("expected no hit, incomplete/disk replicas don't count as servable: %+v", got)
	}
}

func TestPlanFailsOnLengthMismatch(t *testing.T) {
	got := Plan([]string{"k1", "k2"}, []locator.LookupResult{hitResult("node-a")})
	if got.Hit {
		t.Fatal("expected no hit on keys/results length mismatch")
	}
}

func TestPlanFailsOnEmptyInput(t *testing.T) {
	got := Plan(nil, nil)
	if got.Hit {
		t.Fatal("expected no hit on empty input")
	}
}

func TestPlanSkipsErroredLookups(t *testing.T) {
	keys := []string{"k1"}
	results := []locator.LookupResult{{Err: errBoom()}}
	got := Plan(keys, results)
	if got.Hit {
		t.Fatal("expected no hit when the only lookup errored")
	}
}

func errBoom() error { return errTestRPCFail{} }

type errTestRPCFail struct{}

func (errTestRPCFail) Error() string { return "rpc failed" }
