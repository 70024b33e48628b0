// Package aead wraps outgoing datagrams in authenticated encryption,
// transparently to the kcp and mux layers above it: a Sealer prepends
// a fresh nonce and appends an authentication tag, an Opener verifies
// and strips them, dropping anything that fails to decrypt.
package aead

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/binary"
	"errors"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/latticenet/kcpflow/internal/xrand"
)

// Algorithm selects the AEAD construction.
type Algorithm uint8

const (
	AlgorithmAES128GCM Algorithm = iota
	AlgorithmAES256GCM
	AlgorithmChaCha20Poly1305
)

// nonceSize is fixed across all three algorithms here: a 4-byte random
// session prefix plus an 8-byte monotonic counter.
const nonceSize = 12
const noncePrefixSize = 4

var (
	// ErrNonceExhausted is returned once the 64-bit per-session counter
	// wraps around. Reusing a nonce under the same key would break AEAD
	// confidentiality, so this is treated as fatal rather than silently
	// cycling the counter.
	ErrNonceExhausted = errors.New("kcpflow/aead: nonce counter exhausted")
	// ErrCryptoFailure covers a too-short datagram or a failed tag check.
	ErrCryptoFailure = errors.New("kcpflow/aead: authentication failed")
)

// Config selects the algorithm and the pre-shared password a Sealer or
// Opener derives its key from.
type Config struct {
	Algorithm Algorithm
	Password  []byte
}

func deriveKey(password []byte, keyLen int) []byte {
	sum := sha256.Sum256(password)
	return sum[:keyLen]
}

func newAEAD(algo Algorithm, password []byte) (cipher.AEAD, error) {
	switch algo {
	case AlgorithmAES128GCM:
		block, err := aes.NewCipher(deriveKey(password, 16))
		if err != nil {
			return nil, err
		}
		return cipher.NewGCM(block)
	case AlgorithmAES256GCM:
		block, err := aes.NewCipher(deriveKey(password, 32))
		if err != nil {
			return nil, err
		}
		return cipher.NewGCM(block)
	case AlgorithmChaCha20Poly1305:
		return chacha20poly1305.New(deriveKey(password, chacha20poly1305.KeySize))
	default:
		return nil, errors.New("kcpflow/aead: unknown algorithm")
	}
}

// Sealer encrypts outgoing datagrams. Not safe for concurrent use; the
// mux outbound goroutine owns it exclusively.
type Sealer struct {
	aead   cipher.AEAD
	prefix [noncePrefixSize]byte
	ctr    uint64
	done   bool
}

// NewSealer derives a key from cfg.Password and generates a random
// session nonce prefix via the supplied PRNG source.
func NewSealer(cfg Config, src *xrand.Source32) (*Sealer, error) {
	a, err := newAEAD(cfg.Algorithm, cfg.Password)
	if err != nil {
		return nil, err
	}
	s := &Sealer{aead: a}
	binary.LittleEndian.PutUint32(s.prefix[:], src.Uint32())
	return s, nil
}

// Overhead is the number of bytes Seal adds on top of the plaintext:
// the nonce plus the authentication tag.
func (s *Sealer) Overhead() int { return nonceSize + s.aead.Overhead() }

// Seal appends nonce||ciphertext||tag for plaintext to dst.
func (s *Sealer) Seal(dst, plaintext []byte) ([]byte, error) {
	if s.done {
		return nil, ErrNonceExhausted
	}
	var nonce [nonceSize]byte
	copy(nonce[:noncePrefixSize], s.prefix[:])
	binary.LittleEndian.PutUint64(nonce[noncePrefixSize:], s.ctr)
	s.ctr++
	if s.ctr == 0 {
		s.done = true // wrapped around: every subsequent Seal call fails.
	}
	dst = append(dst, nonce[:]...)
	return s.aead.Seal(dst, nonce[:], plaintext, nil), nil
}

// Opener decrypts inbound datagrams.
type Opener struct {
	aead cipher.AEAD
}

// NewOpener derives a key from cfg.Password.
func NewOpener(cfg Config) (*Opener, error) {
	a, err := newAEAD(cfg.Algorithm, cfg.Password)
	if err != nil {
		return nil, err
	}
	return &Opener{aead: a}, nil
}

// Open splits the nonce prefix off datagram and verifies/decrypts the
// remainder, appending the plaintext to dst. Any failure — a datagram
// shorter than the nonce+tag, or a tag mismatch — returns
// ErrCryptoFailure; callers must drop the datagram rather than act on
// a partial result.
func (o *Opener) Open(dst, datagram []byte) ([]byte, error) {
	if len(datagram) < nonceSize+o.aead.Overhead() {
		return nil, ErrCryptoFailure
	}
	nonce := datagram[:nonceSize]
	ciphertext := datagram[nonceSize:]
	out, err := o.aead.Open(dst, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrCryptoFailure
	}
	return out, nil
}

// Overhead is the number of bytes Open expects on top of the plaintext.
func (o *Opener) Overhead() int { return nonceSize + o.aead.Overhead() }
