package localstore

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/nacl/secretbox"
)

const (
	keySealSalt  = "seal.salt"
	sealedPrefix = "sealed:v1:"
)

// ErrUnseal is returned when a sealed value cannot be opened (wrong passphrase
// or tampered data).
var ErrUnseal = errors.New("localstore: cannot unseal value")

// Sealed encrypts the values of selected keys with NaCl secretbox before they
// reach the inner store. Other keys pass through untouched.
type Sealed struct {
	inner Store
	keys  map[string]struct{}
	key   [32]byte
}

// NewSealed derives a key from passphrase (argon2id, salt kept in inner) and
// seals the listed keys.
func NewSealed(ctx context.Context, inner Store, passphrase string, keys ...string) (*Sealed, error) {
	if passphrase == "" {
		return nil, errors.New("localstore: empty passphrase")
	}
	salt, err := loadSalt(ctx, inner)
	if err != nil {
		return nil, err
	}
	s := &Sealed{inner: inner, keys: make(map[string]struct{}, len(keys))}
	for _, k := range keys {
		s.keys[k] = struct{}{}
	}
	copy(s.key[:], argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, 32))
	return s, nil
}

func loadSalt(ctx context.Context, inner Store) ([]byte, error) {
	v, err := inner.Get(ctx, keySealSalt)
	if err == nil {
		return base64.StdEncoding.DecodeString(v)
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, err
	}
	if err := inner.Set(ctx, keySealSalt, base64.StdEncoding.EncodeToString(salt)); err != nil {
		return nil, fmt.Errorf("store salt: %w", err)
	}
	return salt, nil
}

func (s *Sealed) sealed(key string) bool {
	_, ok := s.keys[key]
	return ok
}

func (s *Sealed) Get(ctx context.Context, key string) (string, error) {
	v, err := s.inner.Get(ctx, key)
	if err != nil || !s.sealed(key) {
		return v, err
	}
	if !strings.HasPrefix(v, sealedPrefix) {
		return "", ErrUnseal
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(v, sealedPrefix))
	if err != nil || len(raw) < 24 {
		return "", ErrUnseal
	}
	var nonce [24]byte
	copy(nonce[:], raw[:24])
	out, ok := secretbox.Open(nil, raw[24:], &nonce, &s.key)
	if !ok {
		return "", ErrUnseal
	}
	return string(out), nil
}

func (s *Sealed) Set(ctx context.Context, key, value string) error {
	if !s.sealed(key) {
		return s.inner.Set(ctx, key, value)
	}
	var nonce [24]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return err
	}
	box := secretbox.Seal(nonce[:], []byte(value), &nonce, &s.key)
	return s.inner.Set(ctx, key, sealedPrefix+base64.StdEncoding.EncodeToString(box))
}

func (s *Sealed) Delete(ctx context.Context, key string) error {
	return s.inner.Delete(ctx, key)
}
