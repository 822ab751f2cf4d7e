package driver

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/quaywire/mediadriver/internal/cnc"
	"github.com/quaywire/mediadriver/internal/config"
	"github.com/quaywire/mediadriver/internal/logbuffer"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.AeronDir = t.TempDir()
	cfg.TermLength = logbuffer.MinTermLength
	cfg.MetricsListen = ""
	return cfg
}

func waitForReply(t *testing.T, cncFile *cnc.CnC, timeout time.Duration) []byte {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		var reply []byte
		cncFile.ToClients.Drain(func(msg []byte) {
			if reply == nil {
				reply = append([]byte(nil), msg...)
			}
		})
		if reply != nil {
			return reply
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("timed out waiting for a client reply")
	return nil
}

func TestDriverRefusesSecondInstance(t *testing.T) {
	cfg := testConfig(t)
	first, err := New(cfg, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer first.Stop()

	if _, err := New(cfg, nil, nil); err == nil {
		t.Fatal("expected a second driver against the same aeron dir to fail")
	}
}

func TestDriverAddPublicationEndToEnd(t *testing.T) {
	cfg := testConfig(t)
	cfg.ThreadingMode = config.ThreeThread
	d, err := New(cfg, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	d.Start(ctx)
	defer func() {
		cancel()
		d.Stop()
	}()

	add := cnc.EncodeAddPublication(cnc.AddPublicationCommand{
		CorrelationID: 1, ClientID: 7, StreamID: 3, Channel: "udp://127.0.0.1:0",
	})
	if !d.cncFile.ToDriver.Write(add) {
		t.Fatal("failed to enqueue AddPublication")
	}

	reply := waitForReply(t, d.cncFile, time.Second)
	onNewPub, err := cnc.DecodeOnNewPublication(reply)
	if err != nil {
		t.Fatalf("DecodeOnNewPublication: %v", err)
	}
	if onNewPub.StreamID != 3 {
		t.Fatalf("StreamID = %d, want 3", onNewPub.StreamID)
	}
	if _, err := filepath.Abs(onNewPub.LogFileName); err != nil {
		t.Fatalf("unexpected log file name %q: %v", onNewPub.LogFileName, err)
	}
}

func TestDriverSharedThreadingMode(t *testing.T) {
	cfg := testConfig(t)
	cfg.ThreadingMode = config.SharedThread
	d, err := New(cfg, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	d.Start(ctx)
	defer func() {
		cancel()
		d.Stop()
	}()

	if len(d.runners) != 1 {
		t.Fatalf("shared-thread mode started %d runners, want 1", len(d.runners))
	}

	add := cnc.EncodeAddSubscription(cnc.AddSubscriptionCommand{
		CorrelationID: 1, ClientID: 7, StreamID: 5, Channel: "udp://127.0.0.1:0",
	})
	if !d.cncFile.ToDriver.Write(add) {
		t.Fatal("failed to enqueue AddSubscription")
	}
	waitForReply(t, d.cncFile, time.Second)
}

func TestDriverTwoThreadingMode(t *testing.T) {
	cfg := testConfig(t)
	cfg.ThreadingMode = config.TwoThread
	d, err := New(cfg, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	d.Start(ctx)
	defer func() {
		cancel()
		d.Stop()
	}()

	if len(d.runners) != 2 {
		t.Fatalf("two-thread mode started %d runners, want 2", len(d.runners))
	}
}
