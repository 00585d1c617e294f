package keygen

import (
	"testing"

	"mooncake-conductor/blockhash"
)

func sampleHash(b byte) blockhash.Hash {
	var h blockhash.Hash
	for i := range h {
		h[i] = b
	}
	return h
}

func TestPhysicalKeyRoundTrip(t *testing.T) {
	cases := []PhysicalComponents{
		{Model: "llama-3-8b", WorldSize: 4, Rank: 2, Block: sampleHash(0xab), Engine: "vllm"},
		{Model: "model|with|pipes", WorldSize: 1, Rank: 0, Block: sampleHash(0x00), Engine: "mooncake"},
		{Model: "model%with%percent", WorldSize: 8, Rank: 7, Block: sampleHash(0xff), Engine: "vllm"},
	}
	for _, c := range cases {
		key := BuildPhysicalKey(c)
		got, err := ParsePhysicalKey(key)
		if err != nil {
			t.Fatalf("ParsePhysicalKey(%q) error: %v", key, err)
		}
		if got != c {
			t.Fatalf("round trip mismatch: got %+v, want %+v", got, c)
		}
	}
}

func TestParsePhysicalKeyRejectsMalformed(t *testing.T) {
	bad := []string{"", "not-a-key", "pk|model|notanint|0|ab|vllm", "lk|model|4|abcd"}
	for _, key := range bad {
		if _, err := ParsePhysicalKey(key); err == nil {
			t.Fatalf("ParsePhysicalKey(%q) expected error, got nil", key)
		}
	}
}

func TestBuildPhysicalKeysForRankExpandsChain(t *testing.T) {
	chain := []blockhash.Hash{sampleHash(1), sampleHash(2), sampleHash(3)}
	keys := BuildPhysicalKeysForRank("m", 2, 1, chain, "vllm")
	if len(keys) != 3 {
		t.Fatalf("len(keys) = %d, want 3", len(keys))
	}
	for i, k := range keys {
		c, err := ParsePhysicalKey(k)
		if err != nil {
			t.Fatalf("key %d: %v", i, err)
		}
		if c.Block != chain[i] || c.Rank != 1 {
			t.Fatalf("key %d decoded wrong: %+v", i, c)
		}
	}
}

func TestBuildLogicalKeyIsDeterministic(t *testing.T) {
	chain := []blockhash.Hash{sampleHash(1), sampleHash(2)}
	k1 := BuildLogicalKey(LogicalComponents{Model: "m", WorldSize: 2, ContentChain: chain})
	k2 := BuildLogicalKey(LogicalComponents{Model: "m", WorldSize: 2, ContentChain: chain})
	if k1 != k2 {
		t.Fatalf("logical key not deterministic: %q vs %q", k1, k2)
	}
}
