package consumer

import (
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/loqa-edge/wakegate/internal/audio"
	"github.com/loqa-edge/wakegate/internal/wire"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestSubscribeReceivesConnectedThenAudio(t *testing.T) {
	s := New(Config{ClientQueueSize: 4}, newTestLogger())
	serverConn, clientConn := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		s.handleConn(ctx, serverConn)
		close(done)
	}()

	payload, err := wire.ReadFrame(clientConn)
	if err != nil {
		t.Fatalf("read Connected: %v", err)
	}
	msg, err := wire.DecodeConsumerMessage(payload)
	if err != nil {
		t.Fatalf("decode Connected: %v", err)
	}
	if _, ok := msg.(wire.Connected); !ok {
		t.Fatalf("expected Connected, got %T", msg)
	}

	subPayload, err := wire.EncodeConsumerMessage(wire.Subscribe{ID: "client-1"})
	if err != nil {
		t.Fatalf("encode subscribe: %v", err)
	}
	if err := wire.WriteFrame(clientConn, subPayload); err != nil {
		t.Fatalf("write subscribe: %v", err)
	}

	waitForClientCount(t, s, 1)

	frame := make(audio.Frame, audio.FrameSamples)
	s.BroadcastAudio(frame, true)

	audioPayload, err := wire.ReadFrame(clientConn)
	if err != nil {
		t.Fatalf("read audio: %v", err)
	}
	audioMsg, err := wire.DecodeConsumerMessage(audioPayload)
	if err != nil {
		t.Fatalf("decode audio: %v", err)
	}
	a, ok := audioMsg.(wire.Audio)
	if !ok || !a.SpeechDetected {
		t.Fatalf("expected Audio with speech_detected=true, got %+v (ok=%v)", audioMsg, ok)
	}

	clientConn.Close()
	<-done
}

func TestSlowClientDisconnectedOnOverflow(t *testing.T) {
	s := New(Config{ClientQueueSize: 2}, newTestLogger())
	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go s.handleConn(ctx, serverConn)

	if _, err := wire.ReadFrame(clientConn); err != nil {
		t.Fatalf("read Connected: %v", err)
	}
	subPayload, _ := wire.EncodeConsumerMessage(wire.Subscribe{ID: "slow-client"})
	if err := wire.WriteFrame(clientConn, subPayload); err != nil {
		t.Fatalf("write subscribe: %v", err)
	}
	waitForClientCount(t, s, 1)

	frame := make(audio.Frame, audio.FrameSamples)
	// Never read from clientConn: the writer goroutine's sends will
	// back up until the bounded queue overflows.
	for i := 0; i < 20; i++ {
		s.BroadcastAudio(frame, true)
	}

	deadline := time.After(2 * time.Second)
	for s.ClientCount() != 0 {
		select {
		case <-deadline:
			t.Fatalf("expected slow client to be disconnected")
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}

	// Now drain: the writer goroutine is blocked on an unread Write,
	// so nothing arrives until we start reading. The disconnect reason
	// must survive the overflow and show up before the connection closes.
	sawError := false
	for i := 0; i < 20; i++ {
		payload, err := wire.ReadFrame(clientConn)
		if err != nil {
			break
		}
		msg, err := wire.DecodeConsumerMessage(payload)
		if err != nil {
			continue
		}
		if errMsg, ok := msg.(wire.ConsumerErrorMsg); ok {
			if errMsg.Message != "slow consumer" {
				t.Fatalf("unexpected error message: %q", errMsg.Message)
			}
			sawError = true
			break
		}
	}
	if !sawError {
		t.Fatalf("expected to receive a slow-consumer error frame before disconnect")
	}
}

func waitForClientCount(t *testing.T, s *Server, want int) {
	t.Helper()
	deadline := time.After(time.Second)
	for s.ClientCount() != want {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for client count %d, got %d", want, s.ClientCount())
		default:
			time.Sleep(time.Millisecond)
		}
	}
}
