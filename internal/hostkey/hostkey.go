// Package hostkey loads or generates the frontend's persistent SSH host
// key, adapted from wstunnel's share/ssh.go GenerateKey/FingerprintKey.
package hostkey

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/md5"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/ssh"
)

// Generate creates a new ECDSA P-256 keypair encoded as a PEM EC private
// key block, suitable for ssh.ParsePrivateKey.
func Generate() ([]byte, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating host key: %w", err)
	}
	b, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("marshaling host key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: b}), nil
}

// Fingerprint returns the standard colon-separated MD5 fingerprint for an
// SSH public key.
func Fingerprint(k ssh.PublicKey) string {
	sum := md5.Sum(k.Marshal())
	parts := make([]string, len(sum))
	for i, b := range sum {
		parts[i] = fmt.Sprintf("%02x", b)
	}
	return strings.Join(parts, ":")
}

// LoadOrGenerate reads a PEM-encoded SSH host key from path, generating and
// persisting a new one if the file does not exist. It mirrors the original
// honeypot's "don't crash if host.key is missing" startup behavior.
func LoadOrGenerate(path string) (ssh.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("reading host key %q: %w", path, err)
		}
		data, err = Generate()
		if err != nil {
			return nil, err
		}
		if werr := os.WriteFile(path, data, 0o600); werr != nil {
			return nil, fmt.Errorf("persisting generated host key %q: %w", path, werr)
		}
	}
	signer, err := ssh.ParsePrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("parsing host key %q: %w", path, err)
	}
	return signer, nil
}
