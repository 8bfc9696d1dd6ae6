package tcp4

import "math/rand/v2"

const (
	ephemeralPortStart = 49152
	ephemeralPortEnd   = 65535 // exclusive
	maxPortAttempts    = 16384
)

// allocateEphemeralPort draws a candidate uniformly from
// [ephemeralPortStart, ephemeralPortEnd) up to maxPortAttempts times,
// accepting the first candidate not already in use as a LocalPort anywhere
// in the table. It takes the table's read lock itself for each draw, so
// callers must not hold the table lock; it never mutates the table.
func (t *socketTable) allocateEphemeralPort() (uint16, error) {
	span := ephemeralPortEnd - ephemeralPortStart
	for i := 0; i < maxPortAttempts; i++ {
		candidate := uint16(ephemeralPortStart + rand.IntN(span))

		t.mu.RLock()
		inUse := false
		for id := range t.sockets {
			if id.LocalPort == candidate {
				inUse = true
				break
			}
		}
		t.mu.RUnlock()

		if !inUse {
			return candidate, nil
		}
	}
	return 0, ErrNoFreePort
}

// chooseISS picks an initial sequence number uniformly from [0, 2^31), a
// deliberate safety margin against wraparound during the single handshake
// exchange this core performs.
func chooseISS() uint32 {
	return uint32(rand.Uint32() & 0x7fffffff)
}
