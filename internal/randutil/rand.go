package randutil

import (
	crand "crypto/rand"
	"encoding/binary"
	"hash/fnv"
	rand "math/rand/v2"
)

const goldenRatio64 = 0x9e3779b97f4a7c15

// New returns a *rand.Rand seeded deterministically from seed. Round
// resolution replays use this so a seed reproduces every flip.
func New(seed int64) *rand.Rand {
	u := uint64(seed)
	return rand.New(rand.NewPCG(mix(u), mix(u+goldenRatio64)))
}

// Derive returns an independent deterministic stream for key under a master
// seed, so each contest gets its own sequence regardless of interleaving.
func Derive(seed int64, key string) *rand.Rand {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	return New(int64(mix(uint64(seed) ^ h.Sum64())))
}

// NewSecure returns a generator seeded from the operating system's CSPRNG.
// Outcomes cannot be predicted from anything a client observes.
func NewSecure() *rand.Rand {
	var seed [32]byte
	if _, err := crand.Read(seed[:]); err != nil {
		panic("randutil: reading crypto seed: " + err.Error())
	}
	return rand.New(rand.NewChaCha8(seed))
}

// Seed draws a fresh int64 seed from the CSPRNG, for logging and replay.
func Seed() int64 {
	var b [8]byte
	if _, err := crand.Read(b[:]); err != nil {
		panic("randutil: reading crypto seed: " + err.Error())
	}
	return int64(binary.LittleEndian.Uint64(b[:]))
}

func mix(x uint64) uint64 {
	x ^= x >> 30
	x *= 0xbf58476d1ce4e5b9
	x ^= x >> 27
	x *= 0x94d049bb133111eb
	x ^= x >> 31
	return x
}
