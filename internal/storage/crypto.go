package storage

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"pkt.systems/kryptograf"
	"pkt.systems/kryptograf/keymgmt"
)

// SessionDescriptorName is the descriptor name under which the session
// document key lives in a key file.
const SessionDescriptorName = "gtxd-sessions"

// SessionDescriptorContext binds the session document key to its purpose.
const SessionDescriptorContext = "gtxd:session-documents"

// CryptoConfig drives the creation of a Crypto helper.
type CryptoConfig struct {
	Enabled    bool
	RootKey    keymgmt.RootKey
	Descriptor keymgmt.Descriptor
	Context    []byte
	Snappy     bool
}

// Crypto encrypts and decrypts whole documents with one reconstructed DEK.
type Crypto struct {
	kg       kryptograf.Kryptograf
	material kryptograf.Material
}

// NewCrypto initialises a Crypto helper. When encryption is disabled the
// returned value is nil and every method passes data through.
func NewCrypto(cfg CryptoConfig) (*Crypto, error) {
	const chunkSize = 8 * 1024
	if !cfg.Enabled {
		return nil, nil
	}
	if len(cfg.Context) == 0 {
		return nil, errors.New("storage crypto: context required when encryption enabled")
	}
	if cfg.Descriptor == (keymgmt.Descriptor{}) {
		return nil, errors.New("storage crypto: descriptor required when encryption enabled")
	}
	if cfg.RootKey == (keymgmt.RootKey{}) {
		return nil, errors.New("storage crypto: root key required when encryption enabled")
	}
	kg := kryptograf.New(cfg.RootKey).WithChunkSize(chunkSize)
	if cfg.Snappy {
		kg = kg.WithSnappy()
	}
	mat, err := kg.ReconstructDEK(cfg.Context, cfg.Descriptor)
	if err != nil {
		return nil, fmt.Errorf("storage crypto: reconstruct DEK: %w", err)
	}
	return &Crypto{kg: kg, material: mat}, nil
}

// Enabled reports whether encryption is active.
func (c *Crypto) Enabled() bool {
	return c != nil
}

// Encrypt seals plaintext.
func (c *Crypto) Encrypt(plaintext []byte) ([]byte, error) {
	if !c.Enabled() {
		return plaintext, nil
	}
	var buf bytes.Buffer
	buf.Grow(len(plaintext) + 256)
	writer, err := c.kg.EncryptWriter(&buf, c.material)
	if err != nil {
		return nil, fmt.Errorf("storage crypto: encrypt: %w", err)
	}
	if _, err := writer.Write(plaintext); err != nil {
		_ = writer.Close()
		return nil, fmt.Errorf("storage crypto: encrypt write: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("storage crypto: encrypt close: %w", err)
	}
	return buf.Bytes(), nil
}

// Decrypt opens ciphertext produced by Encrypt.
func (c *Crypto) Decrypt(ciphertext []byte) ([]byte, error) {
	if !c.Enabled() {
		return ciphertext, nil
	}
	reader, err := c.kg.DecryptReader(bytes.NewReader(ciphertext), c.material)
	if err != nil {
		return nil, fmt.Errorf("storage crypto: decrypt: %w", err)
	}
	defer reader.Close()
	plaintext, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("storage crypto: decrypt read: %w", err)
	}
	return plaintext, nil
}

// LoadKeyFile reads the PEM key file at path, creating the root key and the
// session descriptor when they are missing, and returns a config ready for
// NewCrypto.
func LoadKeyFile(path string, snappy bool) (CryptoConfig, error) {
	existing, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return CryptoConfig{}, fmt.Errorf("storage crypto: read key file: %w", err)
	}
	var out []byte
	store, err := keymgmt.LoadPEMInto(existing, &out)
	if err != nil {
		return CryptoConfig{}, fmt.Errorf("storage crypto: load key file: %w", err)
	}
	root, err := store.EnsureRootKey()
	if err != nil {
		return CryptoConfig{}, fmt.Errorf("storage crypto: ensure root key: %w", err)
	}
	mat, err := store.EnsureDescriptor(SessionDescriptorName, root, []byte(SessionDescriptorContext))
	if err != nil {
		return CryptoConfig{}, fmt.Errorf("storage crypto: ensure descriptor: %w", err)
	}
	desc := mat.Descriptor
	mat.Zero()
	if err := store.Commit(); err != nil {
		return CryptoConfig{}, fmt.Errorf("storage crypto: commit key file: %w", err)
	}
	if len(out) > 0 && !bytes.Equal(out, existing) {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return CryptoConfig{}, fmt.Errorf("storage crypto: create key dir: %w", err)
		}
		if err := os.WriteFile(path, out, 0o600); err != nil {
			return CryptoConfig{}, fmt.Errorf("storage crypto: write key file: %w", err)
		}
	}
	return CryptoConfig{
		Enabled:    true,
		RootKey:    root,
		Descriptor: desc,
		Context:    []byte(SessionDescriptorContext),
		Snappy:     snappy,
	}, nil
}
