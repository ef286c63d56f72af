package tenant

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/rawblock/tradeloop-engine/pkg/models"
)

// API keys are "<tenantID>.<secret>": the prefix routes the lookup, the
// 32-byte random secret authenticates. Only a salted SHA-256 of the
// secret is stored; verification is constant-time to prevent timing-based
// enumeration, same posture as the bearer-token middleware this engine
// grew out of.

const secretBytes = 32

type keyCredential struct {
	salt []byte
	hash [sha256.Size]byte
}

// newAPIKey mints a fresh key for a tenant, returning the plaintext
// (shown to the caller exactly once) and the stored credential.
func newAPIKey(id models.TenantID) (string, keyCredential, error) {
	secret := make([]byte, secretBytes)
	if _, err := rand.Read(secret); err != nil {
		return "", keyCredential{}, fmt.Errorf("generate api key: %w", err)
	}
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return "", keyCredential{}, fmt.Errorf("generate salt: %w", err)
	}

	encoded := base64.RawURLEncoding.EncodeToString(secret)
	plaintext := string(id) + "." + encoded
	return plaintext, keyCredential{salt: salt, hash: saltedHash(salt, encoded)}, nil
}

// newWebhookSecret mints the per-tenant HMAC secret for webhook payload
// signing. Stored in the clear: the engine must be able to sign with it.
func newWebhookSecret() (string, error) {
	b := make([]byte, secretBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate webhook secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

func saltedHash(salt []byte, secret string) [sha256.Size]byte {
	h := sha256.New()
	h.Write(salt)
	h.Write([]byte(secret))
	var out [sha256.Size]byte
	copy(out[:], h.Sum(nil))
	return out
}

// splitKey parses "<tenantID>.<secret>".
func splitKey(apiKey string) (models.TenantID, string, bool) {
	i := strings.LastIndexByte(apiKey, '.')
	if i <= 0 || i == len(apiKey)-1 {
		return "", "", false
	}
	return models.TenantID(apiKey[:i]), apiKey[i+1:], true
}

// verify checks the secret against the stored credential in constant time.
func (c keyCredential) verify(secret string) bool {
	want := saltedHash(c.salt, secret)
	return subtle.ConstantTimeCompare(want[:], c.hash[:]) == 1
}
