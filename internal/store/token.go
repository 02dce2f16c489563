package store

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"

	"github.com/vesaa/talonscope/internal/models"
)

const tokenBytes = 32

// GenerateToken returns a fresh URL-safe ingest token with 256 bits of
// entropy.
func GenerateToken() string {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		panic("store: crypto/rand unavailable: " + err.Error())
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}

// HashToken is the digest persisted in place of a token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// VerifyToken compares the digest of presented with the server's stored
// digest in constant time. An empty token or an empty stored digest never
// verifies.
func VerifyToken(server *models.MonitoredServer, presented string) bool {
	if server == nil || presented == "" || server.APITokenHash == "" {
		return false
	}
	want := []byte(server.APITokenHash)
	got := []byte(HashToken(presented))
	return subtle.ConstantTimeCompare(want, got) == 1
}
