// Package prefill implements the longest-prefix prefill planner: given an
// ordered list of physical keys for a prompt's blocks and the object
// locator's replica-list reply for each, it picks the worker endpoint
// holding the longest unbroken run of those blocks starting from the
// first one, deterministic over ties by iterating candidate endpoints in
// sorted order.
package prefill

import (
	"log/slog"
	"sort"

	"mooncake-conductor/locator"
)

// Result is the planner's decision for one prompt.
type Result struct {
	Hit       bool
	BestIndex int
	BestKey   string
	NodeID    string
}

// Plan selects the prefill worker whose local cache holds the longest
// prefix of keys, given the object locator's per-key lookup results.
// Pure: no I/O, no mutation. Mismatched lengths or empty input return
// {Hit: false}.
func Plan(keys []string, results []locator.LookupResult) Result {
	if len(keys) != len(results) {
		slog.Warn("prefill planner: keys/results length mismatch", "keys", len(keys), "results", len(results))
		return Result{Hit: false}
	}
	if len(keys) == 0 {
		return Result{Hit: false}
	}

	nodeHits := make(map[string][]bool)
	for i, r := range results {
		if r.Err != nil {
			continue
		}
		for _, rep := range r.Response.Replicas {
			if rep.Status != locator.StatusComplete || rep.Kind != locator.ReplicaMemory {
				continue
			}
			for _, buf := range rep.Buffers {
				bits, ok := nodeHits[buf.TransportEndpoint]
				if !ok {
					bits = make([]bool, len(keys))
					nodeHits[buf.TransportEndpoint] = bits
				}
				bits[i] = true
			}
		}
	}

	nodes := make([]string, 0, len(nodeHits))
	for node := range nodeHits {
		nodes = append(nodes, node)
	}
	sort.Strings(nodes)

	bestNode := ""
	bestLen := 0
	for _, node := range nodes {
		l := longestPrefixRun(nodeHits[node])
		if l > bestLen {
			bestLen = l
			bestNode = node
		}
	}

	if bestLen == 0 {
		return Result{Hit: false}
	}
	return Result{
		Hit:       true,
		BestIndex: bestLen - 1,
		BestKey:   keys[bestLen-1],
		NodeID:    bestNode,
	}
}

// longestPrefixRun returns the largest L such that bits[0:L] are all true.
func longestPrefixRun(bits []bool) int {
	l := 0
	for _, b := range bits {
		if !b {
			break
		}
		l++
	}
	return l
}
