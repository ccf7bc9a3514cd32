// Package producer implements C7: a single-connection playback ingest
// server. It runs a per-connection read loop driving a small state
// machine (Idle/Buffering/Draining) over C8, the playback sink, and
// never blocks its read loop on playback completion.
package producer

import (
	"context"
	"encoding/base64"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqa-edge/wakegate/internal/audio"
	"github.com/loqa-edge/wakegate/internal/audit"
	"github.com/loqa-edge/wakegate/internal/bargein"
	"github.com/loqa-edge/wakegate/internal/wire"
)

// Config tunes the server.
type Config struct {
	Addr string
}

// Sink is the subset of internal/sink.Sink the producer depends on,
// kept narrow so this package doesn't need to import the sink's
// hardware-backend plumbing.
type Sink interface {
	WriteChunk(data audio.Frame, streamID uint64)
	EndStream(streamID uint64) <-chan struct{}
	Abort()
}

type state int

const (
	stateIdle state = iota
	stateBuffering
	stateDraining
)

func (st state) String() string {
	switch st {
	case stateBuffering:
		return "buffering"
	case stateDraining:
		return "draining"
	default:
		return "idle"
	}
}

// Server accepts at most one active producer connection; additional
// connections receive an Error and are closed immediately.
type Server struct {
	cfg     Config
	sink    Sink
	bargein *bargein.Bus
	log     *slog.Logger

	mu       sync.Mutex
	active   bool
	listener net.Listener

	recorder    *audit.Recorder
	transitions atomic.Int64
}

// Addr reports the listener's actual address once Serve has started
// it; useful when Config.Addr used port 0. Returns "" before Serve
// has bound a listener.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// TransitionCount reports the cumulative number of state-machine
// transitions (Idle/Buffering/Draining) observed so far, for the
// runtime's telemetry counter.
func (s *Server) TransitionCount() int64 { return s.transitions.Load() }

// New constructs a Server bound to sink and the shared barge-in bus.
func New(cfg Config, sink Sink, bus *bargein.Bus, log *slog.Logger) *Server {
	return &Server{cfg: cfg, sink: sink, bargein: bus, log: log}
}

// SetRecorder attaches an audit recorder for state-transition reporting.
// Nil is safe and disables reporting.
func (s *Server) SetRecorder(r *audit.Recorder) { s.recorder = r }

// Serve opens the listener and accepts connections until ctx is
// cancelled. It blocks; callers should run it in its own goroutine.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		if !s.tryAcquire() {
			s.rejectSecondConnection(conn)
			continue
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) tryAcquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active {
		return false
	}
	s.active = true
	return true
}

func (s *Server) release() {
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()
}

func (s *Server) rejectSecondConnection(conn net.Conn) {
	payload, err := wire.EncodeProducerMessage(wire.ProducerErrorMsg{Message: "producer already connected"})
	if err == nil {
		wire.WriteFrame(conn, payload)
	}
	conn.Close()
}

// connState holds one connection's state machine. currentStreamID is
// the stream currently Buffering or Draining; 0 means Idle.
// interruptedStreamID is the highest stream id ever aborted, so stale
// chunks for it (or anything at or below it) are dropped silently.
type connState struct {
	st                  state
	currentStreamID     uint64
	interruptedStreamID uint64
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer s.release()
	defer conn.Close()

	cs := &connState{}

	connectedPayload, err := wire.EncodeProducerMessage(wire.ProducerConnected{})
	if err != nil || wire.WriteFrame(conn, connectedPayload) != nil {
		return
	}

	// completions carries stream ids whose sink drain has finished;
	// buffered 1 is enough since only one stream drains at a time.
	completions := make(chan uint64, 1)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if s.bargein.Poll() {
			s.handleBargeIn(cs, conn)
		}

		select {
		case id := <-completions:
			s.completeStream(cs, conn, id)
			continue
		default:
		}

		conn.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
		payload, err := wire.ReadFrame(conn)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return
		}
		msg, err := wire.DecodeProducerMessage(payload)
		if err != nil {
			continue
		}
		switch m := msg.(type) {
		case wire.Play:
			s.handlePlay(cs, m)
		case wire.EndOfStream:
			s.handleEndOfStream(cs, m, completions)
		}
	}
}

func (s *Server) handlePlay(cs *connState, m wire.Play) {
	if m.StreamID <= cs.interruptedStreamID {
		return // stale, dropped silently
	}
	raw, err := base64.StdEncoding.DecodeString(m.Data)
	if err != nil {
		return
	}
	if m.StreamID != cs.currentStreamID {
		cs.currentStreamID = m.StreamID
	}
	s.sink.WriteChunk(audio.FrameFromPCMBytes(raw), m.StreamID)
	cs.st = stateBuffering
	s.recorder.ProducerState(cs.st.String(), m.StreamID)
	s.transitions.Add(1)
}

func (s *Server) handleEndOfStream(cs *connState, m wire.EndOfStream, completions chan uint64) {
	if m.StreamID != cs.currentStreamID {
		return
	}
	cs.st = stateDraining
	s.recorder.ProducerState(cs.st.String(), m.StreamID)
	s.transitions.Add(1)
	done := s.sink.EndStream(m.StreamID)
	go func(id uint64) {
		<-done
		select {
		case completions <- id:
		default:
		}
	}(m.StreamID)
}

func (s *Server) completeStream(cs *connState, conn net.Conn, id uint64) {
	if id != cs.currentStreamID {
		return
	}
	payload, err := wire.EncodeProducerMessage(wire.PlaybackComplete{Timestamp: uint64(time.Now().UnixMilli())})
	if err == nil {
		wire.WriteFrame(conn, payload)
	}
	cs.st = stateIdle
	cs.currentStreamID = 0
	s.recorder.ProducerState(cs.st.String(), id)
	s.transitions.Add(1)
}

func (s *Server) handleBargeIn(cs *connState, conn net.Conn) {
	if cs.currentStreamID == 0 {
		return
	}
	interrupted := cs.currentStreamID
	cs.interruptedStreamID = interrupted
	cs.currentStreamID = 0
	s.sink.Abort()
	payload, err := wire.EncodeProducerMessage(wire.PlaybackComplete{Timestamp: uint64(time.Now().UnixMilli())})
	if err == nil {
		wire.WriteFrame(conn, payload)
	}
	cs.st = stateIdle
	s.recorder.ProducerState(cs.st.String(), interrupted)
	s.transitions.Add(1)
	if s.log != nil {
		s.log.Debug("producer: barge-in aborted stream", "stream_id", interrupted)
	}
}
