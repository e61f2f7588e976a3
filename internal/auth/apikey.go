package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/crypto/pbkdf2"
)

const (
	keyHashIterations   = 120000
	keyHashSaltLength   = 16
	keyHashKeyLength    = 32
	minAPIKeyLength     = 16
	maxVerifiedDigests  = 1024
	apiKeyHeader        = "X-API-Key"
	authorizationBearer = "bearer "
)

var (
	// ErrInvalidKey is returned when a candidate does not match a stored hash.
	ErrInvalidKey  = errors.New("invalid api key")
	errKeyRequired = errors.New("api key required")
)

// HashKey derives the storable form of key:
// pbkdf2$sha256$<iterations>$<salt>$<derived key>.
func HashKey(key string) (string, error) {
	if len(key) < minAPIKeyLength {
		return "", fmt.Errorf("api key must be at least %d characters", minAPIKeyLength)
	}
	salt := make([]byte, keyHashSaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	derived := pbkdf2.Key([]byte(key), salt, keyHashIterations, keyHashKeyLength, sha256.New)
	encodedSalt := base64.RawStdEncoding.EncodeToString(salt)
	encodedKey := base64.RawStdEncoding.EncodeToString(derived)
	return fmt.Sprintf("pbkdf2$sha256$%d$%s$%s", keyHashIterations, encodedSalt, encodedKey), nil
}

type keyHash struct {
	iterations int
	salt       []byte
	key        []byte
}

func parseKeyHash(encoded string) (keyHash, error) {
	parts := strings.Split(strings.TrimSpace(encoded), "$")
	if len(parts) != 5 {
		return keyHash{}, fmt.Errorf("parse api key hash: invalid format")
	}
	if parts[0] != "pbkdf2" || parts[1] != "sha256" {
		return keyHash{}, fmt.Errorf("parse api key hash: unsupported identifier")
	}
	iterations, err := strconv.Atoi(parts[2])
	if err != nil || iterations <= 0 {
		return keyHash{}, fmt.Errorf("parse api key hash: invalid iteration count")
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[3])
	if err != nil {
		return keyHash{}, fmt.Errorf("parse api key hash: decode salt: %w", err)
	}
	key, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return keyHash{}, fmt.Errorf("parse api key hash: decode key: %w", err)
	}
	if len(key) == 0 {
		return keyHash{}, fmt.Errorf("parse api key hash: empty key")
	}
	return keyHash{iterations: iterations, salt: salt, key: key}, nil
}

func (h keyHash) matches(candidate string) bool {
	derived := pbkdf2.Key([]byte(candidate), h.salt, h.iterations, len(h.key), sha256.New)
	return subtle.ConstantTimeCompare(derived, h.key) == 1
}

// VerifyKey checks candidate against one encoded hash.
func VerifyKey(encoded, candidate string) error {
	hash, err := parseKeyHash(encoded)
	if err != nil {
		return err
	}
	if !hash.matches(candidate) {
		return ErrInvalidKey
	}
	return nil
}

// KeyRing holds the configured API key hashes. Candidates that already
// verified are remembered by SHA-256 digest so repeat requests skip the
// PBKDF2 derivation.
type KeyRing struct {
	hashes []keyHash

	mu       sync.RWMutex
	verified map[string]struct{}
}

// NewKeyRing parses every encoded hash. An empty list yields a ring that
// allows all requests.
func NewKeyRing(encoded []string) (*KeyRing, error) {
	ring := &KeyRing{verified: make(map[string]struct{})}
	for i, value := range encoded {
		if strings.TrimSpace(value) == "" {
			continue
		}
		hash, err := parseKeyHash(value)
		if err != nil {
			return nil, fmt.Errorf("api key %d: %w", i+1, err)
		}
		ring.hashes = append(ring.hashes, hash)
	}
	return ring, nil
}

// Enabled reports whether any key is configured.
func (k *KeyRing) Enabled() bool {
	return k != nil && len(k.hashes) > 0
}

// Verify returns nil when candidate matches a configured key.
func (k *KeyRing) Verify(candidate string) error {
	if !k.Enabled() {
		return nil
	}
	if candidate == "" {
		return errKeyRequired
	}
	digest := keyDigest(candidate)
	k.mu.RLock()
	_, known := k.verified[digest]
	k.mu.RUnlock()
	if known {
		return nil
	}
	for _, hash := range k.hashes {
		if hash.matches(candidate) {
			k.remember(digest)
			return nil
		}
	}
	return ErrInvalidKey
}

func (k *KeyRing) remember(digest string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if len(k.verified) >= maxVerifiedDigests {
		k.verified = make(map[string]struct{})
	}
	k.verified[digest] = struct{}{}
}

func keyDigest(key string) string {
	digest := sha256.Sum256([]byte(key))
	return base64.RawStdEncoding.EncodeToString(digest[:])
}

// ExtractKey reads the API key from X-API-Key or a bearer Authorization header.
func ExtractKey(r *http.Request) string {
	if key := strings.TrimSpace(r.Header.Get(apiKeyHeader)); key != "" {
		return key
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) > len(authorizationBearer) && strings.EqualFold(header[:len(authorizationBearer)], authorizationBearer) {
		return strings.TrimSpace(header[len(authorizationBearer):])
	}
	return ""
}
