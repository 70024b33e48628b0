package mux_test

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/latticenet/kcpflow/aead"
	"github.com/latticenet/kcpflow/internal/logging"
	"github.com/latticenet/kcpflow/kcp"
	"github.com/latticenet/kcpflow/mux"
	"github.com/latticenet/kcpflow/stream"
	"github.com/latticenet/kcpflow/transport"
)

func newPair(t *testing.T, cfg mux.Config) (*mux.Mux, *mux.Mux) {
	t.Helper()
	ta, tb := transport.Pipe()
	a, err := mux.New(ta, cfg, logging.Logger{})
	if err != nil {
		t.Fatalf("mux.New(a): %v", err)
	}
	b, err := mux.New(tb, cfg, logging.Logger{})
	if err != nil {
		t.Fatalf("mux.New(b): %v", err)
	}
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return a, b
}

func smallConfig() mux.Config {
	return mux.Config{Config: kcp.Config{MTU: 512, Interval: 10, Resend: 2}}
}

func TestConnectAcceptHandshake(t *testing.T) {
	a, b := newPair(t, smallConfig())

	client, err := a.Connect()
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	serverCh := make(chan error, 1)
	go func() {
		_, err := b.Accept()
		serverCh <- err
	}()

	select {
	case err := <-serverCh:
		if err != nil {
			t.Fatalf("Accept: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Accept")
	}

	if _, err := client.Write([]byte("ping")); err != nil {
		t.Fatalf("Write: %v", err)
	}
}

func TestDataExchangeThroughMux(t *testing.T) {
	a, b := newPair(t, smallConfig())

	client, err := a.Connect()
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	serverCh := make(chan *stream.Stream, 1)
	acceptErr := make(chan error, 1)
	go func() {
		s, err := b.Accept()
		if err != nil {
			acceptErr <- err
			return
		}
		serverCh <- s
		acceptErr <- nil
	}()

	if err := <-acceptErr; err != nil {
		t.Fatalf("Accept: %v", err)
	}
	server := <-serverCh

	if _, err := client.Write([]byte("hello mux")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	buf := make([]byte, 64)
	readCh := make(chan struct {
		n   int
		err error
	}, 1)
	go func() {
		n, err := server.Read(buf)
		readCh <- struct {
			n   int
			err error
		}{n, err}
	}()

	select {
	case r := <-readCh:
		if r.err != nil {
			t.Fatalf("Read: %v", r.err)
		}
		if string(buf[:r.n]) != "hello mux" {
			t.Fatalf("got %q", buf[:r.n])
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for data")
	}
}

func TestMetricsTrackBytesAndStreams(t *testing.T) {
	a, b := newPair(t, smallConfig())

	client, err := a.Connect()
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	acceptErr := make(chan error, 1)
	serverCh := make(chan *stream.Stream, 1)
	go func() {
		s, err := b.Accept()
		serverCh <- s
		acceptErr <- err
	}()
	if err := <-acceptErr; err != nil {
		t.Fatalf("Accept: %v", err)
	}
	<-serverCh

	if _, err := client.Write([]byte("metrics")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	if n := testutil.CollectAndCount(a.Metrics()); n == 0 {
		t.Fatal("expected at least one metric series from a.Metrics()")
	}
	if n := testutil.CollectAndCount(a.Metrics(), "kcpflow_stream_srtt_milliseconds"); n == 0 {
		t.Fatal("expected a per-stream gauge for the connected conversation")
	}
}

func TestAcceptQueueOverflowDropsNewest(t *testing.T) {
	cfg := smallConfig()
	cfg.AcceptQueueMax = 1
	a, b := newPair(t, cfg)

	// Two independent conversations race to SYN b at once while b's
	// accept queue can only hold one. The test asserts only that b still
	// accepts one of them promptly and keeps at least that stream; which
	// SYN is dropped, if any, depends on timing and is not checked.
	if _, err := a.Connect(); err != nil {
		t.Fatalf("Connect 1: %v", err)
	}
	if _, err := a.Connect(); err != nil {
		t.Fatalf("Connect 2: %v", err)
	}

	accepted := make(chan error, 1)
	go func() {
		_, err := b.Accept()
		accepted <- err
	}()

	select {
	case err := <-accepted:
		if err != nil {
			t.Fatalf("Accept: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for first accept")
	}

	if got := b.StreamCount(); got == 0 {
		t.Fatalf("expected b to retain at least the accepted stream, got %d", got)
	}
}

func TestAEADGatesSessionCreation(t *testing.T) {
	cfgA := smallConfig()
	cfgA.Crypto = &aead.Config{Algorithm: aead.AlgorithmAES128GCM, Password: []byte("correct horse battery staple")}
	cfgB := cfgA
	cfgB.Crypto = &aead.Config{Algorithm: aead.AlgorithmAES128GCM, Password: []byte("wrong password entirely")}

	ta, tb := transport.Pipe()
	a, err := mux.New(ta, cfgA, logging.Logger{})
	if err != nil {
		t.Fatalf("mux.New(a): %v", err)
	}
	defer a.Close()
	b, err := mux.New(tb, cfgB, logging.Logger{})
	if err != nil {
		t.Fatalf("mux.New(b): %v", err)
	}
	defer b.Close()

	if _, err := a.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		b.Accept()
	}()

	select {
	case <-done:
		t.Fatal("b.Accept returned despite mismatched AEAD keys")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestMuxCloseUnblocksAccept(t *testing.T) {
	a, b := newPair(t, smallConfig())
	_ = a

	errCh := make(chan error, 1)
	go func() {
		_, err := b.Accept()
		errCh <- err
	}()

	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	select {
	case err := <-errCh:
		if err != mux.ErrClosed {
			t.Fatalf("want ErrClosed, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Accept to unblock")
	}
}

func TestMuxCloseFailsConnect(t *testing.T) {
	a, _ := newPair(t, smallConfig())
	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := a.Connect(); err != mux.ErrClosed {
		t.Fatalf("want ErrClosed, got %v", err)
	}
}

func TestMuxCloseUnblocksStreamIO(t *testing.T) {
	a, b := newPair(t, smallConfig())

	client, err := a.Connect()
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	acceptErr := make(chan error, 1)
	go func() {
		_, err := b.Accept()
		acceptErr <- err
	}()
	if err := <-acceptErr; err != nil {
		t.Fatalf("Accept: %v", err)
	}

	readErr := make(chan error, 1)
	go func() {
		_, err := client.Read(make([]byte, 8))
		readErr <- err
	}()

	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	select {
	case err := <-readErr:
		if err != mux.ErrClosed {
			t.Fatalf("want ErrClosed, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Read to unblock")
	}
}
