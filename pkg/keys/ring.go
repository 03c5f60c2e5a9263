// Package keys manages the server's own Ed25519 signing key and the
// cache of remote server keys. Remote keys are persisted as state events
// in an internal node pseudo-room so the ordinary event storage path
// handles them uniformly.
package keys

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"hearth/pkg/logger"
)

// Ring holds the local origin's signing key.
type Ring struct {
	origin string
	keyID  string
	priv   ed25519.PrivateKey
	pub    ed25519.PublicKey
}

// LoadRing loads (or creates) the signing key at <dir>/ed25519.key. The
// key file holds the unpadded base64 seed.
func LoadRing(dir, origin string) (*Ring, error) {
	if origin == "" {
		return nil, fmt.Errorf("empty origin")
	}
	path := filepath.Join(dir, "ed25519.key")
	b, err := os.ReadFile(path)
	if err == nil {
		seed, derr := base64.RawStdEncoding.DecodeString(strings.TrimSpace(string(b)))
		if derr != nil || len(seed) != ed25519.SeedSize {
			return nil, fmt.Errorf("malformed signing key at %s", path)
		}
		priv := ed25519.NewKeyFromSeed(seed)
		return newRing(origin, priv), nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read signing key: %w", err)
	}
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	enc := base64.RawStdEncoding.EncodeToString(priv.Seed())
	if err := os.WriteFile(path, []byte(enc+"\n"), 0o600); err != nil {
		return nil, fmt.Errorf("persist signing key: %w", err)
	}
	logger.Info("signing_key_created", "path", path, "origin", origin)
	return newRing(origin, priv), nil
}

func newRing(origin string, priv ed25519.PrivateKey) *Ring {
	return &Ring{
		origin: origin,
		keyID:  "ed25519:0",
		priv:   priv,
		pub:    priv.Public().(ed25519.PublicKey),
	}
}

// NewRingFromSeed builds a ring from a fixed seed (tests).
func NewRingFromSeed(origin string, seed []byte) *Ring {
	return newRing(origin, ed25519.NewKeyFromSeed(seed))
}

// Origin returns the server name the ring signs for.
func (r *Ring) Origin() string { return r.origin }

// KeyID returns the key identifier, of the form ed25519:<name>.
func (r *Ring) KeyID() string { return r.keyID }

// Sign signs msg with the ring's private key.
func (r *Ring) Sign(msg []byte) []byte { return ed25519.Sign(r.priv, msg) }

// Private returns the private key for event signing.
func (r *Ring) Private() ed25519.PrivateKey { return r.priv }

// Public returns the verify key.
func (r *Ring) Public() ed25519.PublicKey { return r.pub }

// PublicB64 returns the verify key in unpadded base64.
func (r *Ring) PublicB64() string {
	return base64.RawStdEncoding.EncodeToString(r.pub)
}
