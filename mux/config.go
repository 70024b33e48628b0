package mux

import (
	"errors"

	"github.com/latticenet/kcpflow/aead"
	"github.com/latticenet/kcpflow/kcp"
	"github.com/latticenet/kcpflow/segment"
)

const defaultAcceptQueueMax = 128

// Config configures a Mux: the per-stream ARQ parameters plus the
// multiplexer-level settings (accept queue size, crypto).
type Config struct {
	kcp.Config

	// AcceptQueueMax bounds the number of accepted-but-not-yet-Accept()ed
	// streams held at once; once full, new inbound SYNs are dropped
	// (drop-newest policy).
	AcceptQueueMax int

	// Crypto enables transparent AEAD wrapping of every datagram when
	// non-nil. Session creation for inbound SYNs is gated on successful
	// decryption when set.
	Crypto *aead.Config
}

// withDefaults fills in mux-level defaults and returns the resolved
// config together with the per-datagram overhead (segment header plus
// any crypto framing) that the kcp MSS is derived from.
func (c Config) withDefaults() (Config, int, error) {
	if c.AcceptQueueMax == 0 {
		c.AcceptQueueMax = defaultAcceptQueueMax
	}
	overhead := segment.Size
	if c.Crypto != nil {
		overhead += cryptoOverhead()
	}
	kcfg, err := c.Config.WithDefaults(overhead)
	if err != nil {
		return c, 0, err
	}
	c.Config = kcfg
	if c.Crypto != nil && len(c.Crypto.Password) == 0 {
		return c, 0, errors.New("kcpflow/mux: Crypto configured without a Password")
	}
	return c, overhead, nil
}

func cryptoOverhead() int {
	// 12-byte nonce plus a 16-byte AEAD tag for every algorithm this
	// module wires up (AES-GCM and ChaCha20-Poly1305 both produce a
	// 16-byte tag).
	return 12 + 16
}
