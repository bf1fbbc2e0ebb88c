package checksum

import (
	"testing"
)

// FuzzXXH3Hash64 fuzzes the XXH3 hash used to place Bloom filter probe bits.
func FuzzXXH3Hash64(f *testing.F) {
	f.Add([]byte{})
	f.Add([]byte{0})
	f.Add([]byte("hello world"))
	f.Add(make([]byte, 1024))

	f.Fuzz(func(t *testing.T, data []byte) {
		hash := XXH3_64bits(data)
		hash2 := XXH3_64bits(data)
		if hash != hash2 {
			t.Errorf("XXH3_64bits not consistent: %x != %x", hash, hash2)
		}
	})
}
