package web

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/argon2"
)

// AdminTokenHeader carries the admin token.
const AdminTokenHeader = "X-Admin-Token"

// Argon2id parameters used by HashToken.
const (
	argonMemory      uint32 = 64 * 1024
	argonIterations  uint32 = 3
	argonParallelism uint8  = 2
	argonKeyLength   uint32 = 32
)

// HashToken encodes token as $argon2id$v=19$m=..,t=..,p=..$<salt>$<hash>.
func HashToken(token string) (string, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	hash := argon2.IDKey([]byte(token), salt, argonIterations, argonMemory, argonParallelism, argonKeyLength)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, argonMemory, argonIterations, argonParallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash)), nil
}

// VerifyToken reports whether token matches an encoded hash from HashToken.
func VerifyToken(token, encoded string) bool {
	return verifyArgon2id(token, encoded)
}

func verifyArgon2id(token, encoded string) bool {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return false
	}
	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return false
	}
	var memory, iterations uint32
	var parallelism uint8
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &iterations, &parallelism); err != nil {
		return false
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false
	}
	expected, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil || len(expected) == 0 {
		return false
	}
	computed := argon2.IDKey([]byte(token), salt, iterations, memory, parallelism, uint32(len(expected)))
	return subtle.ConstantTimeCompare(computed, expected) == 1
}

// adminAuth rejects requests without a token matching hash. An empty hash
// disables the admin routes. Accepted tokens are remembered by digest so the
// key derivation runs once per token.
func adminAuth(hash string) gin.HandlerFunc {
	var (
		mu       sync.Mutex
		accepted = map[[sha256.Size]byte]struct{}{}
	)
	return func(c *gin.Context) {
		if hash == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Las rutas de administración están desactivadas."})
			return
		}
		token := c.GetHeader(AdminTokenHeader)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Falta el token de administración."})
			return
		}

		digest := sha256.Sum256([]byte(token))
		mu.Lock()
		_, ok := accepted[digest]
		mu.Unlock()
		if !ok {
			if !verifyArgon2id(token, hash) {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Token de administración inválido."})
				return
			}
			mu.Lock()
			accepted[digest] = struct{}{}
			mu.Unlock()
		}
		c.Next()
	}
}
