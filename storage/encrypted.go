// storage/encrypted.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Portions derived from skicka, (c) 2016 Google, Inc. (BSD licensed).

package storage

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

// EncryptionKeyObject is the key of the object that holds the wrapped
// encryption key in an encrypted Store. It isn't returned by List.
const EncryptionKeyObject = "encrypt.txt"

const ivLength = aes.BlockSize

var ErrIncorrectPassphrase = errors.New("incorrect passphrase")

// Encrypted wraps a Store so that object contents are encrypted with
// AES-256 in CTR mode. Each object starts with its own random IV. Object
// keys are not encrypted.
type Encrypted struct {
	Store
	key []byte
}

type encryptedKey struct {
	salt           []byte
	passphraseHash []byte
	encryptedKey   []byte
	encryptedKeyIV []byte
}

// NewEncrypted returns an encrypting Store on top of s. The first time
// it's used with a store, a random encryption key is generated and stored
// in s, encrypted with a key derived from the passphrase; afterward the
// same passphrase must be given.
func NewEncrypted(ctx context.Context, s Store, passphrase string) (*Encrypted, error) {
	if passphrase == "" {
		return nil, errors.New("empty passphrase")
	}

	r, err := s.Open(ctx, EncryptionKeyObject)
	if err == nil {
		defer r.Close()
		b, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", EncryptionKeyObject, err)
		}
		key, err := getEncryptionKey(string(b), passphrase)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", s, err)
		}
		return &Encrypted{Store: s, key: key}, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	// Generate all of the values we need for encryption and store them,
	// hex-encoded, in the underlying store.
	key, ec, err := generateKey(passphrase)
	if err != nil {
		return nil, err
	}
	w, err := s.Create(ctx, EncryptionKeyObject)
	if err != nil {
		return nil, err
	}
	for _, b := range [][]byte{ec.salt, ec.passphraseHash, ec.encryptedKey, ec.encryptedKeyIV} {
		if _, err := fmt.Fprintf(w, "%s\n", hex.EncodeToString(b)); err != nil {
			w.Abort(err)
			return nil, err
		}
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	log.Verbose("%s: created new encryption key", s)
	return &Encrypted{Store: s, key: key}, nil
}

func (e *Encrypted) String() string {
	return "encrypted " + e.Store.String()
}

func (e *Encrypted) Create(ctx context.Context, key string) (Writer, error) {
	w, err := e.Store.Create(ctx, key)
	if err != nil {
		return nil, err
	}
	// Write out the IV first, then the encrypted data.
	iv, err := getRandomBytes(ivLength)
	if err == nil {
		_, err = w.Write(iv)
	}
	if err != nil {
		w.Abort(err)
		return nil, err
	}
	block, err := aes.NewCipher(e.key)
	if err != nil {
		w.Abort(err)
		return nil, err
	}
	return &encryptedWriter{Writer: w, stream: cipher.NewCTR(block, iv)}, nil
}

func (e *Encrypted) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	r, err := e.Store.Open(ctx, key)
	if err != nil {
		return nil, err
	}
	// First read the IV, which we stored at the start of the object.
	var iv [ivLength]byte
	if _, err := io.ReadFull(r, iv[:]); err != nil {
		r.Close()
		return nil, fmt.Errorf("%s: truncated encrypted object: %w", key, err)
	}
	block, err := aes.NewCipher(e.key)
	if err != nil {
		r.Close()
		return nil, err
	}
	sr := &cipher.StreamReader{S: cipher.NewCTR(block, iv[:]), R: r}
	return readerAndCloser{sr, r}, nil
}

func (e *Encrypted) List(ctx context.Context, prefix string) ([]Object, error) {
	objs, err := e.Store.List(ctx, prefix)
	var filtered []Object
	for _, o := range objs {
		if o.Key == EncryptionKeyObject {
			continue
		}
		// Report the size of the plaintext.
		if o.Size >= ivLength {
			o.Size -= ivLength
		}
		filtered = append(filtered, o)
	}
	return filtered, err
}

type encryptedWriter struct {
	Writer
	stream cipher.Stream
	buf    []byte
}

func (w *encryptedWriter) Write(b []byte) (int, error) {
	if cap(w.buf) < len(b) {
		w.buf = make([]byte, len(b))
	}
	enc := w.buf[:len(b)]
	w.stream.XORKeyStream(enc, b)
	return w.Writer.Write(enc)
}

///////////////////////////////////////////////////////////////////////////
// Key generation, representation, and management.

// Return the given number of bytes of random values, using a
// cryptographically-strong random number source.
func getRandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	_, err := io.ReadFull(rand.Reader, b)
	return b, err
}

func xorBytes(key, iv, b []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(b))
	cipher.NewCTR(block, iv).XORKeyStream(out, b)
	return out, nil
}

func deriveKey(passphrase string, salt []byte) []byte {
	// 64 bytes from PBKDF2 with 65536 rounds of SHA256.
	return pbkdf2.Key([]byte(passphrase), salt, 65536, 64, sha256.New)
}

// Create a new encryption key and encrypt it using the user-provided
// passphrase.
func generateKey(passphrase string) ([]byte, encryptedKey, error) {
	salt, err := getRandomBytes(32)
	if err != nil {
		return nil, encryptedKey{}, err
	}
	hash := deriveKey(passphrase, salt)

	// The first 32 bytes of the hash are stored to confirm the
	// passphrase on subsequent runs; the remaining 32 bytes (not stored)
	// encrypt the actual encryption key.
	passHash, keyEncryptKey := hash[:32], hash[32:]

	key, err := getRandomBytes(32)
	if err != nil {
		return nil, encryptedKey{}, err
	}
	iv, err := getRandomBytes(ivLength)
	if err != nil {
		return nil, encryptedKey{}, err
	}
	enc, err := xorBytes(keyEncryptKey, iv, key)
	if err != nil {
		return nil, encryptedKey{}, err
	}
	return key, encryptedKey{
		salt:           salt,
		passphraseHash: passHash,
		encryptedKey:   enc,
		encryptedKeyIV: iv,
	}, nil
}

func getEncryptionKey(enc string, passphrase string) ([]byte, error) {
	var saltHex, passphraseHashHex, encKeyHex, encryptedKeyIVHex string
	n, err := fmt.Sscanf(enc, "%s\n%s\n%s\n%s", &saltHex, &passphraseHashHex,
		&encKeyHex, &encryptedKeyIVHex)
	if err != nil || n != 4 {
		return nil, fmt.Errorf("malformed %s", EncryptionKeyObject)
	}
	var ek encryptedKey
	for _, d := range []struct {
		s string
		b *[]byte
	}{{saltHex, &ek.salt}, {passphraseHashHex, &ek.passphraseHash},
		{encKeyHex, &ek.encryptedKey}, {encryptedKeyIVHex, &ek.encryptedKeyIV}} {
		if *d.b, err = hex.DecodeString(d.s); err != nil {
			return nil, fmt.Errorf("malformed %s: %w", EncryptionKeyObject, err)
		}
	}
	if len(ek.encryptedKeyIV) != ivLength {
		return nil, fmt.Errorf("malformed %s: bad IV length", EncryptionKeyObject)
	}

	derivedKey := deriveKey(passphrase, ek.salt)
	if !bytes.Equal(derivedKey[:32], ek.passphraseHash) {
		return nil, ErrIncorrectPassphrase
	}
	return xorBytes(derivedKey[32:], ek.encryptedKeyIV, ek.encryptedKey)
}
