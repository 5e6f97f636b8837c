package placement

// BucketCount is the fixed size of every hash bucket table
const BucketCount = 256

// HashKey maps a partitioning key to a bucket in [0, BucketCount).
//
// Every node of a cluster must compute the same bucket for the same key, so the
// arithmetic below is frozen: 32-bit wraparound, bytes read as signed 8-bit
// values before the shift, sign bit cleared after each step, truncating modulo.
// Changing any of it makes old and new nodes disagree on row ownership.
// Textual keys are hashed as their UTF-8 bytes; a nil key hashes like an empty one.
func HashKey(key []byte) int {
	v := int32(0x238F13AF) * int32(len(key))

	for i, b := range key {
		shift := uint((i * 5) % 24)
		v = (v + int32(int8(b))<<shift) & 0x7fffffff
	}

	v = int32(1103515243)*v + 12345
	v %= 65537

	return int(v & 0xFF)
}

// HashString is HashKey over the UTF-8 bytes of key
func HashString(key string) int {
	return HashKey([]byte(key))
}
