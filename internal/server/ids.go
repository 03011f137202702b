package server

import (
	"crypto/rand"
	"encoding/hex"
)

// generateReplID produces the master's 40-character ASCII replication
// identity, generated fresh at start-up (spec.md §9 calls out that a
// re-implementation should generate rather than hard-code this).
func generateReplID() string {
	b := make([]byte, 20)
	if _, err := rand.Read(b); err != nil {
		panic("server: crypto/rand unavailable: " + err.Error())
	}
	return hex.EncodeToString(b)
}
