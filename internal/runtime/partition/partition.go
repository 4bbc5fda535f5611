// Package partition maps envelopes onto topic partitions.
//
// The mapping is a pure function of the partition key and the partition
// count: FNV-1a over the key, modulo the count. Every producer that agrees
// on the partition count of a topic therefore routes a given tenant to the
// same partition, which is what keeps per-tenant ordering intact across
// processes and restarts. No broker coordination is involved.
package partition

import (
	"hash/fnv"

	"github.com/streamhaus/eventlane/internal/runtime/envelope"
)

// ForKey returns the partition for an arbitrary key. Partition counts
// below one collapse to a single partition zero.
func ForKey(key string, partitions int) int {
	if partitions <= 1 {
		return 0
	}
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(partitions))
}

// ForEnvelope routes an envelope by its tenant id, falling back to the
// envelope id for tenant-less system events so those still spread across
// partitions instead of piling onto partition zero.
func ForEnvelope(env envelope.Envelope, partitions int) int {
	return ForKey(env.PartitionKey(), partitions)
}
