// Package keygen builds and parses the opaque string keys used to look up
// KV-cache blocks in the object locator. A physical key identifies one
// rank's copy of a block; a logical key describes what a request needs
// without committing to a rank.
package keygen

import (
	"fmt"
	"strconv"
	"strings"

	"mooncake-conductor/blockhash"
	"mooncake-conductor/conderr"
)

const physicalKeyPrefix = "pk"

// LogicalComponents is the tuple a logical key is built from: what a
// request needs, independent of which rank holds it.
type LogicalComponents struct {
	Model         string
	WorldSize     int
	ContentChain  []blockhash.Hash
}

// PhysicalComponents is the tuple a physical key is built from: a single
// rank's copy of a single block, tagged with the engine that produced it.
type PhysicalComponents struct {
	Model     string
	WorldSize int
	Rank      int
	Block     blockhash.Hash
	Engine    string
}

// BuildLogicalKey renders (model, world_size, content_hash_chain) into the
// opaque string form used to describe a request's cache needs.
func BuildLogicalKey(c LogicalComponents) string {
	hashes := make([]string, len(c.ContentChain))
	for i, h := range c.ContentChain {
		hashes[i] = h.String()
	}
	return fmt.Sprintf("lk|%s|%d|%s", escape(c.Model), c.WorldSize, strings.Join(hashes, ","))
}

// BuildPhysicalKey renders (model, world_size, rank, block_hash, engine)
// into the opaque string form the object locator is queried with. The
// format must round-trip through ParsePhysicalKey.
func BuildPhysicalKey(c PhysicalComponents) string {
	return fmt.Sprintf("%s|%s|%d|%d|%s|%s",
		physicalKeyPrefix, escape(c.Model), c.WorldSize, c.Rank, c.Block.String(), escape(c.Engine))
}

// ParsePhysicalKey recovers the components BuildPhysicalKey encoded. It
// returns a SerializationError-kind error for any key that is not of this
// generator's own making.
func ParsePhysicalKey(key string) (PhysicalComponents, error) {
	parts := strings.Split(key, "|")
	if len(parts) != 6 || parts[0] != physicalKeyPrefix {
		return PhysicalComponents{}, conderr.Wrap(conderr.SerializationError, "malformed physical key: "+key, nil)
	}
	worldSize, err := strconv.Atoi(parts[2])
	if err != nil {
		return PhysicalComponents{}, conderr.Wrap(conderr.SerializationError, "bad world_size in key: "+key, err)
	}
	rank, err := strconv.Atoi(parts[3])
	if err != nil {
		return PhysicalComponents{}, conderr.Wrap(conderr.SerializationError, "bad rank in key: "+key, err)
	}
	block, err := parseHash(parts[4])
	if err != nil {
		return PhysicalComponents{}, conderr.Wrap(conderr.SerializationError, "bad block hash in key: "+key, err)
	}
	return PhysicalComponents{
		Model:     unescape(parts[1]),
		WorldSize: worldSize,
		Rank:      rank,
		Block:     block,
		Engine:    unescape(parts[5]),
	}, nil
}

// BuildPhysicalKeysForRank expands a block hash chain into one physical key
// per block, all for the given rank — the batch form used when a single
// candidate worker needs keys for every block of a prompt.
func BuildPhysicalKeysForRank(model string, worldSize, rank int, chain []blockhash.Hash, engine string) []string {
	keys := make([]string, len(chain))
	for i, h := range chain {
		keys[i] = BuildPhysicalKey(PhysicalComponents{
			Model: model, WorldSize: worldSize, Rank: rank, Block: h, Engine: engine,
		})
	}
	return keys
}

func parseHash(s string) (blockhash.Hash, error) {
	var h blockhash.Hash
	if len(s) != len(h)*2 {
		return h, fmt.Errorf("wrong hash length %d", len(s))
	}
	for i := range h {
		var b byte
		if _, err := fmt.Sscanf(s[i*2:i*2+2], "%02x", &b); err != nil {
			return h, err
		}
		h[i] = b
	}
	return h, nil
}

// escape/unescape protect against '|' appearing inside model names or
// engine tags, which would otherwise break the delimiter-based format.
func escape(s string) string {
	s = strings.ReplaceAll(s, "%", "%25")
	return strings.ReplaceAll(s, "|", "%7c")
}

func unescape(s string) string {
	s = strings.ReplaceAll(s, "%7c", "|")
	return strings.ReplaceAll(s, "%25", "%")
}
