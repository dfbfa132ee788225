package outbox

import (
	"crypto/rand"
	"encoding/hex"
)

// randomDeviceID generates a short identifier for logging. Each terminal
// owns its outbox independently, so the id never leaves the process.
func randomDeviceID() string {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "terminal-unknown"
	}
	return "terminal-" + hex.EncodeToString(buf[:])
}
