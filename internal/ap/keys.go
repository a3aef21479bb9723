package ap

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"log/slog"
)

// KeyPair holds the relay's RSA keypair used for HTTP signatures.
type KeyPair struct {
	Private   *rsa.PrivateKey
	Public    *rsa.PublicKey
	PublicPEM string
}

// KeyStore persists the relay's private key between runs. Implemented by
// the config table in internal/db.
type KeyStore interface {
	GetConfig(key string) (value, vtype string, err error)
	PutConfig(key, value, vtype string) error
}

// LoadOrGenerateKeyPair loads the relay keypair from the config store, or
// generates and persists a new 2048-bit key on first start.
func LoadOrGenerateKeyPair(store KeyStore) (*KeyPair, error) {
	pemStr, _, err := store.GetConfig("private-key")
	if err != nil {
		return nil, fmt.Errorf("load private key: %w", err)
	}

	if pemStr == "" {
		slog.Info("no signing key found, generating a new RSA keypair")

		priv, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			return nil, fmt.Errorf("generate RSA key: %w", err)
		}

		pemStr = string(pem.EncodeToMemory(&pem.Block{
			Type:  "RSA PRIVATE KEY",
			Bytes: x509.MarshalPKCS1PrivateKey(priv),
		}))

		if err := store.PutConfig("private-key", pemStr, "str"); err != nil {
			return nil, fmt.Errorf("persist private key: %w", err)
		}
	}

	return ParseKeyPair(pemStr)
}

// ParseKeyPair builds a KeyPair from a PKCS#1 private key PEM.
func ParseKeyPair(privPEM string) (*KeyPair, error) {
	block, _ := pem.Decode([]byte(privPEM))
	if block == nil {
		return nil, fmt.Errorf("failed to decode private key PEM")
	}

	priv, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}

	pubBytes, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("marshal public key: %w", err)
	}
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubBytes})

	return &KeyPair{
		Private:   priv,
		Public:    &priv.PublicKey,
		PublicPEM: string(pubPEM),
	}, nil
}

// ParsePublicKeyPEM parses a remote actor's publicKeyPem field.
func ParsePublicKeyPEM(pemStr string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemStr))
	if block == nil {
		return nil, fmt.Errorf("invalid public key PEM")
	}

	// Most implementations publish PKIX ("PUBLIC KEY") blocks, but some
	// older ones still use PKCS#1.
	if pub, err := x509.ParsePKIXPublicKey(block.Bytes); err == nil {
		rsaPub, ok := pub.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("not an RSA public key")
		}
		return rsaPub, nil
	}

	rsaPub, err := x509.ParsePKCS1PublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	return rsaPub, nil
}
