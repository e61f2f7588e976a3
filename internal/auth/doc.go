// Package auth verifies the API keys that guard the relay routes. Keys are
// configured as PBKDF2-SHA256 hashes so plaintext keys never appear in the
// relay's environment.
package auth
