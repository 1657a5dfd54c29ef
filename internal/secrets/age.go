// Package secrets seals configuration secrets at rest.
package secrets

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"filippo.io/age"
)

// sealedPrefix marks values written by AgeSealer.
const sealedPrefix = "age:"

// ErrIdentityMissing is returned by LoadIdentity when no key file exists.
var ErrIdentityMissing = errors.New("secrets identity not found")

// AgeSealer seals strings for a single X25519 identity. Sealed values are
// the base64 encoding of an age file, prefixed with "age:".
type AgeSealer struct {
	identity  *age.X25519Identity
	recipient *age.X25519Recipient
}

// NewAgeSealer wraps an already loaded identity.
func NewAgeSealer(identity *age.X25519Identity) *AgeSealer {
	return &AgeSealer{identity: identity, recipient: identity.Recipient()}
}

// Seal encrypts plain. The empty string stays empty so unset secrets remain
// recognisable.
func (s *AgeSealer) Seal(plain string) (string, error) {
	if plain == "" {
		return "", nil
	}
	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, s.recipient)
	if err != nil {
		return "", fmt.Errorf("creating encrypted writer: %w", err)
	}
	if _, err := io.WriteString(w, plain); err != nil {
		return "", fmt.Errorf("encrypting secret: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("finalizing encryption: %w", err)
	}
	return sealedPrefix + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// Open reverses Seal. Values without the sealed prefix were stored before
// sealing was enabled and are returned unchanged.
func (s *AgeSealer) Open(sealed string) (string, error) {
	if !strings.HasPrefix(sealed, sealedPrefix) {
		return sealed, nil
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(sealed, sealedPrefix))
	if err != nil {
		return "", fmt.Errorf("decoding sealed secret: %w", err)
	}
	r, err := age.Decrypt(bytes.NewReader(raw), s.identity)
	if err != nil {
		return "", fmt.Errorf("decrypting secret: %w", err)
	}
	plain, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("reading decrypted secret: %w", err)
	}
	return string(plain), nil
}

// GenerateIdentity creates a new X25519 identity and writes it to path.
// With a non-empty passphrase the key file is itself age-encrypted using
// scrypt; otherwise it is written in plaintext with 0600 permissions.
func GenerateIdentity(path, passphrase string) (*age.X25519Identity, error) {
	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("identity file already exists at %s", path)
	}
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, fmt.Errorf("generating key pair: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("creating identity directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return nil, fmt.Errorf("creating identity file: %w", err)
	}
	defer f.Close()

	var w io.WriteCloser = nopWriteCloser{f}
	if passphrase != "" {
		recipient, err := age.NewScryptRecipient(passphrase)
		if err != nil {
			return nil, fmt.Errorf("creating scrypt recipient: %w", err)
		}
		if w, err = age.Encrypt(f, recipient); err != nil {
			return nil, fmt.Errorf("creating encrypted writer: %w", err)
		}
	}
	if _, err := io.WriteString(w, identity.String()+"\n"); err != nil {
		return nil, fmt.Errorf("writing identity: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("finalizing identity: %w", err)
	}
	return identity, nil
}

// LoadIdentity reads the identity at path. passphrase must match the one
// the file was generated with, or be empty for a plaintext key file.
func LoadIdentity(path, passphrase string) (*age.X25519Identity, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w at %s", ErrIdentityMissing, path)
	}
	if err != nil {
		return nil, fmt.Errorf("reading identity file: %w", err)
	}

	if passphrase != "" {
		scrypt, err := age.NewScryptIdentity(passphrase)
		if err != nil {
			return nil, fmt.Errorf("creating scrypt identity: %w", err)
		}
		r, err := age.Decrypt(bytes.NewReader(data), scrypt)
		if err != nil {
			return nil, fmt.Errorf("decrypting identity: %w", err)
		}
		if data, err = io.ReadAll(r); err != nil {
			return nil, fmt.Errorf("reading decrypted identity: %w", err)
		}
	}

	identities, err := age.ParseIdentities(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("parsing identity: %w", err)
	}
	for _, id := range identities {
		if x, ok := id.(*age.X25519Identity); ok {
			return x, nil
		}
	}
	return nil, fmt.Errorf("no X25519 identity in %s", path)
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }
