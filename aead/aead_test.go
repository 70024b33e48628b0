package aead_test

import (
	"bytes"
	"testing"

	"github.com/latticenet/kcpflow/aead"
	"github.com/latticenet/kcpflow/internal/xrand"
)

func roundTrip(t *testing.T, algo aead.Algorithm) {
	t.Helper()
	cfg := aead.Config{Algorithm: algo, Password: []byte("correct horse battery staple")}
	sealer, err := aead.NewSealer(cfg, xrand.NewSource32(1))
	if err != nil {
		t.Fatalf("NewSealer: %v", err)
	}
	opener, err := aead.NewOpener(cfg)
	if err != nil {
		t.Fatalf("NewOpener: %v", err)
	}

	plaintext := []byte("hello over an unreliable datagram")
	sealed, err := sealer.Seal(nil, plaintext)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if len(sealed) != len(plaintext)+sealer.Overhead() {
		t.Fatalf("sealed length %d, want %d", len(sealed), len(plaintext)+sealer.Overhead())
	}

	got, err := opener.Open(nil, sealed)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("got %q want %q", got, plaintext)
	}
}

func TestRoundTripAllAlgorithms(t *testing.T) {
	for _, algo := range []aead.Algorithm{aead.AlgorithmAES128GCM, aead.AlgorithmAES256GCM, aead.AlgorithmChaCha20Poly1305} {
		roundTrip(t, algo)
	}
}

func TestOpenRejectsTamperedDatagram(t *testing.T) {
	cfg := aead.Config{Algorithm: aead.AlgorithmChaCha20Poly1305, Password: []byte("shared secret")}
	sealer, _ := aead.NewSealer(cfg, xrand.NewSource32(2))
	opener, _ := aead.NewOpener(cfg)

	sealed, err := sealer.Seal(nil, []byte("payload"))
	if err != nil {
		t.Fatal(err)
	}
	sealed[len(sealed)-1] ^= 0xff

	if _, err := opener.Open(nil, sealed); err != aead.ErrCryptoFailure {
		t.Fatalf("want ErrCryptoFailure, got %v", err)
	}
}

func TestOpenRejectsWrongKey(t *testing.T) {
	sealCfg := aead.Config{Algorithm: aead.AlgorithmAES128GCM, Password: []byte("alpha")}
	openCfg := aead.Config{Algorithm: aead.AlgorithmAES128GCM, Password: []byte("bravo")}
	sealer, _ := aead.NewSealer(sealCfg, xrand.NewSource32(3))
	opener, _ := aead.NewOpener(openCfg)

	sealed, err := sealer.Seal(nil, []byte("payload"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := opener.Open(nil, sealed); err != aead.ErrCryptoFailure {
		t.Fatalf("want ErrCryptoFailure, got %v", err)
	}
}

func TestOpenRejectsShortDatagram(t *testing.T) {
	opener, _ := aead.NewOpener(aead.Config{Algorithm: aead.AlgorithmAES128GCM, Password: []byte("x")})
	if _, err := opener.Open(nil, []byte("short")); err != aead.ErrCryptoFailure {
		t.Fatalf("want ErrCryptoFailure, got %v", err)
	}
}

func TestSealRejectsAfterNonceWraparound(t *testing.T) {
	cfg := aead.Config{Algorithm: aead.AlgorithmAES128GCM, Password: []byte("x")}
	sealer, err := aead.NewSealer(cfg, xrand.NewSource32(4))
	if err != nil {
		t.Fatal(err)
	}
	sealer.SetCounterForTest(^uint64(0))

	if _, err := sealer.Seal(nil, []byte("last one")); err != nil {
		t.Fatalf("the call that wraps the counter should still succeed: %v", err)
	}
	if _, err := sealer.Seal(nil, []byte("too late")); err != aead.ErrNonceExhausted {
		t.Fatalf("want ErrNonceExhausted, got %v", err)
	}
}
