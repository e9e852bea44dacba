package media

import (
	"crypto/sha256"
	"encoding/hex"
)

// Digest returns the hex SHA-256 of data; it is the asset dedup key.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
