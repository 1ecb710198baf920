package internal

import (
	"crypto/rand"
	"encoding/binary"
	"io"
	"strconv"
	"sync/atomic"

	"github.com/dchest/siphash"
)

// idKey holds the process-local SipHash key used for connection IDs.
// Randomized at startup so IDs are stable within a process but not
// predictable across processes.
var idKey = func() (k [16]byte) {
	if _, err := io.ReadFull(rand.Reader, k[:]); err != nil {
		// Fall back to a fixed key; IDs lose unpredictability but stay unique
		// within the process thanks to the counter.
		copy(k[:], "httppool-conn-id")
	}
	return k
}()

var idCounter uint64

// NextConnID returns a compact 64-bit identifier for a new connection to
// the given destination key. The ID is a SipHash of the destination key
// and a monotonic counter, rendered as hex. It is used only for log
// correlation, never for security decisions.
func NextConnID(destKey string) string {
	n := atomic.AddUint64(&idCounter, 1)

	buf := make([]byte, 0, len(destKey)+8)
	buf = append(buf, destKey...)
	buf = binary.BigEndian.AppendUint64(buf, n)

	k0 := binary.LittleEndian.Uint64(idKey[0:8])
	k1 := binary.LittleEndian.Uint64(idKey[8:16])
	return strconv.FormatUint(siphash.Hash(k0, k1, buf), 16)
}
