package looktab

// Order identifiers increase with time, so their low bits carry very
// little entropy and naive masking would pile consecutive ids into
// adjacent buckets. Three multiplicative mixing stages, each reducing
// by a different prime, spread the sequential range across the whole
// index space before the final reduction modulo the bucket count.
const (
	prime1 = 2654435761
	prime2 = 2246822519
	prime3 = 3266489917

	mod1 = 1_000_000_007
	mod2 = 1_000_000_009
)

// bucketIndex maps an order id to a bucket in [0, capacity).
// Pure and total: no allocation, no failure mode.
func bucketIndex(id int64, capacity uint64) uint64 {
	h := (uint64(id) * prime1) % mod1
	h = (h * prime2) % mod2
	return (h * prime3) % capacity
}
