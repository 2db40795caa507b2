// Package identity loads or generates the node's cryptographic identity.
// The public key doubles as the overlay peer id; nothing here authenticates
// remote peers, the key only provides a stable, collision-resistant local
// identity.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"

	"overmesh/pkg/config"
	"overmesh/pkg/connections"
)

// LoadOrGenerate loads an ed25519 private key from config or generates a new
// one. Returns the private key and the derived peer id (the raw public key
// bytes).
func LoadOrGenerate(c config.IdentityConfig) (ed25519.PrivateKey, connections.Id, error) {
	if alg := strings.ToLower(strings.TrimSpace(c.Alg)); alg != "" && alg != "ed25519" {
		return nil, "", fmt.Errorf("unsupported identity alg: %s", c.Alg)
	}

	var pk ed25519.PrivateKey
	if s := strings.TrimSpace(c.PrivateKey); s != "" {
		if b, err := base64.RawURLEncoding.DecodeString(s); err == nil {
			pk = ed25519.PrivateKey(b)
		} else {
			zap.L().Warn("failed to decode identity.private_key", zap.Error(err))
		}
	}
	if pk == nil && strings.TrimSpace(c.PrivateKeyFile) != "" {
		if b, err := os.ReadFile(c.PrivateKeyFile); err == nil {
			txt := strings.TrimSpace(string(b))
			if db, err := base64.RawURLEncoding.DecodeString(txt); err == nil {
				pk = ed25519.PrivateKey(db)
			} else {
				// assume raw bytes
				pk = ed25519.PrivateKey(b)
			}
		} else {
			zap.L().Warn("failed to read identity.private_key_file", zap.Error(err))
		}
	}
	if pk != nil && len(pk) != ed25519.PrivateKeySize {
		zap.L().Warn("configured identity key has wrong length, generating a fresh one",
			zap.Int("len", len(pk)))
		pk = nil
	}
	if pk == nil {
		_, gen, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, "", err
		}
		pk = gen
		zap.L().Info("generated new ed25519 identity (persist it via identity.private_key)",
			zap.String("key_b64", base64.RawURLEncoding.EncodeToString(gen)))
	}

	pub := pk.Public().(ed25519.PublicKey)
	return pk, connections.IdFromBytes(pub), nil
}
