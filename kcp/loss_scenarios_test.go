package kcp_test

import (
	"bytes"
	"testing"

	"github.com/latticenet/kcpflow/internal/xrand"
	"github.com/latticenet/kcpflow/kcp"
	"github.com/latticenet/kcpflow/segment"
)

// countPush parses a datagram and reports how many PUSH segments it
// carries, without caring about any other command type.
func countPush(t *testing.T, datagram []byte) int {
	t.Helper()
	segs, err := segment.ParseDatagram(nil, datagram)
	if err != nil {
		t.Fatalf("ParseDatagram: %v", err)
	}
	n := 0
	for _, s := range segs {
		if s.Cmd == segment.CmdPush {
			n++
		}
	}
	return n
}

func TestSmallMTUFragmentsIntoManyPushSegments(t *testing.T) {
	cfg, err := kcp.Config{MTU: 128, Interval: 10, Resend: 2}.WithDefaults(kcp.SegmentHeaderSize)
	if err != nil {
		t.Fatal(err)
	}
	mss := cfg.MSS(kcp.SegmentHeaderSize)
	client := kcp.NewControlBlock(20, cfg, mss, true)
	server := kcp.NewControlBlock(20, cfg, mss, false)

	msg := bytes.Repeat([]byte("m"), mss*8+1) // at least 9 PUSH fragments.
	if err := client.Send(msg); err != nil {
		t.Fatal(err)
	}

	now := uint32(0)
	pushSeen := 0
	for i := 0; i < 400; i++ {
		for _, d := range client.Update(now) {
			pushSeen += countPush(t, d)
			if _, err := server.Input(d, now); err != nil {
				t.Fatalf("server.Input: %v", err)
			}
		}
		for _, d := range server.Update(now) {
			if _, err := client.Input(d, now); err != nil {
				t.Fatalf("client.Input: %v", err)
			}
		}
		now += 10
	}

	if pushSeen < 8 {
		t.Fatalf("want at least 8 PUSH segments on the wire, saw %d", pushSeen)
	}
	got, err := server.Recv()
	if err != nil {
		t.Fatalf("server.Recv: %v", err)
	}
	if !bytes.Equal(got, msg) {
		t.Fatalf("reassembled message mismatch: got %d bytes want %d", len(got), len(msg))
	}
}

func Test100KBTransferSurvivesEveryThirdPushDropped(t *testing.T) {
	cfg, err := kcp.Config{MTU: 1400, Interval: 10, Resend: 2}.WithDefaults(kcp.SegmentHeaderSize)
	if err != nil {
		t.Fatal(err)
	}
	mss := cfg.MSS(kcp.SegmentHeaderSize)
	client := kcp.NewControlBlock(21, cfg, mss, true)
	server := kcp.NewControlBlock(21, cfg, mss, false)

	msg := bytes.Repeat([]byte("k"), 100*1024)
	if err := client.Send(msg); err != nil {
		t.Fatal(err)
	}

	now := uint32(0)
	pushCount := 0
	for i := 0; i < 20000; i++ {
		outA := client.Update(now)
		outB := server.Update(now)
		for _, d := range outA {
			if countPush(t, d) > 0 {
				pushCount++
				if pushCount%3 == 0 {
					continue // drop every 3rd PUSH-carrying datagram from the client.
				}
			}
			if _, err := server.Input(d, now); err != nil {
				t.Fatalf("server.Input: %v", err)
			}
		}
		for _, d := range outB {
			if _, err := client.Input(d, now); err != nil {
				t.Fatalf("client.Input: %v", err)
			}
		}
		now += 10

		if got, err := server.Recv(); err == nil {
			if !bytes.Equal(got, msg) {
				t.Fatalf("reassembled message mismatch: got %d bytes want %d", len(got), len(msg))
			}
			return
		}
	}
	t.Fatal("transfer never completed despite every 3rd PUSH datagram being dropped")
}

func TestReorderedDeliveryStillReassemblesInOrder(t *testing.T) {
	cfg, err := kcp.Config{MTU: 512, Interval: 10, Resend: 2}.WithDefaults(kcp.SegmentHeaderSize)
	if err != nil {
		t.Fatal(err)
	}
	mss := cfg.MSS(kcp.SegmentHeaderSize)
	client := kcp.NewControlBlock(22, cfg, mss, true)
	server := kcp.NewControlBlock(22, cfg, mss, false)

	msgs := [][]byte{[]byte("one"), []byte("two"), []byte("three"), []byte("four"), []byte("five")}
	for _, m := range msgs {
		if err := client.Send(m); err != nil {
			t.Fatal(err)
		}
	}

	rng := xrand.NewSource32(99)
	now := uint32(0)
	for i := 0; i < 200; i++ {
		outA := shuffle(client.Update(now), rng)
		outB := shuffle(server.Update(now), rng)
		for _, d := range outA {
			if _, err := server.Input(d, now); err != nil {
				t.Fatalf("server.Input: %v", err)
			}
		}
		for _, d := range outB {
			if _, err := client.Input(d, now); err != nil {
				t.Fatalf("client.Input: %v", err)
			}
		}
		now += 10
	}

	for _, want := range msgs {
		got, err := server.Recv()
		if err != nil {
			t.Fatalf("server.Recv: %v", err)
		}
		if !bytes.Equal(got, want) {
			t.Fatalf("got %q want %q — shuffled delivery broke ordering", got, want)
		}
	}
}

// shuffle returns a copy of datagrams in a random order determined by
// rng, modeling a path that delivers packets out of send order.
func shuffle(datagrams [][]byte, rng *xrand.Source32) [][]byte {
	out := append([][]byte(nil), datagrams...)
	for i := len(out) - 1; i > 0; i-- {
		j := int(rng.Uint32() % uint32(i+1))
		out[i], out[j] = out[j], out[i]
	}
	return out
}

func TestUniformTenPercentLossStillMakesProgress(t *testing.T) {
	// DeadLink is raised well above its default so that an unlucky run
	// of back-to-back losses on one segment (expected occasionally at
	// a 10% independent drop rate per direction) backs off and
	// eventually gets through rather than killing the link early.
	cfg, err := kcp.Config{MTU: 512, Interval: 10, Resend: 2, DeadLink: 200}.WithDefaults(kcp.SegmentHeaderSize)
	if err != nil {
		t.Fatal(err)
	}
	mss := cfg.MSS(kcp.SegmentHeaderSize)
	client := kcp.NewControlBlock(23, cfg, mss, true)
	server := kcp.NewControlBlock(23, cfg, mss, false)

	msg := bytes.Repeat([]byte("p"), mss*40+5)
	if err := client.Send(msg); err != nil {
		t.Fatal(err)
	}

	rng := xrand.NewSource32(12345)
	const lossPct = 10
	now := uint32(0)
	for i := 0; i < 20000; i++ {
		for _, d := range client.Update(now) {
			if rng.Uint32()%100 < lossPct {
				continue
			}
			if _, err := server.Input(d, now); err != nil {
				t.Fatalf("server.Input: %v", err)
			}
		}
		for _, d := range server.Update(now) {
			if rng.Uint32()%100 < lossPct {
				continue
			}
			if _, err := client.Input(d, now); err != nil {
				t.Fatalf("client.Input: %v", err)
			}
		}
		now += 10

		if got, err := server.Recv(); err == nil {
			if !bytes.Equal(got, msg) {
				t.Fatalf("reassembled message mismatch under loss: got %d bytes want %d", len(got), len(msg))
			}
			return
		}
	}
	t.Fatal("no progress after 20000 rounds under 10% uniform loss")
}
