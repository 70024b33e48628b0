package aead

// SetCounterForTest forces the internal nonce counter close to wraparound
// so tests can exercise ErrNonceExhausted without 2^64 Seal calls.
func (s *Sealer) SetCounterForTest(ctr uint64) { s.ctr = ctr }
