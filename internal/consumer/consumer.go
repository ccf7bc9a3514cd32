// Package consumer implements C6: a TCP server broadcasting captured
// audio frames and wake events to any number of subscribed clients,
// disconnecting any client that falls behind rather than letting it
// stall the capture pipeline.
package consumer

import (
	"context"
	"encoding/base64"
	"log/slog"
	"net"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/google/uuid"

	"github.com/loqa-edge/wakegate/internal/audio"
	"github.com/loqa-edge/wakegate/internal/audit"
	"github.com/loqa-edge/wakegate/internal/wire"
)

// writeTimeout bounds how long a single frame write may block before
// the client is considered unresponsive, independent of the
// queue-depth-based slow-consumer check.
const writeTimeout = 500 * time.Millisecond

// Config tunes the server.
type Config struct {
	Addr            string
	ClientQueueSize int
	ClientCacheSize int // bounded LRU of recently seen client ids
}

// WakeEvent is what C5 hands the server on a debounced detection.
type WakeEvent struct {
	ModelName        string
	SpotifyWasPaused bool
	TimestampMS      uint64
}

// Server accepts consumer connections and broadcasts frames/wake
// events to all currently subscribed clients.
type Server struct {
	cfg Config
	log *slog.Logger

	mu      sync.Mutex
	clients map[*client]struct{}
	seen    *lru.Cache[string, struct{}]

	listener net.Listener
	recorder *audit.Recorder
}

type client struct {
	conn  net.Conn
	id    string
	queue chan []byte
	once  sync.Once
}

// New constructs a Server. Call Serve to accept connections.
func New(cfg Config, log *slog.Logger) *Server {
	if cfg.ClientQueueSize <= 0 {
		cfg.ClientQueueSize = 16
	}
	if cfg.ClientCacheSize <= 0 {
		cfg.ClientCacheSize = 256
	}
	seen, _ := lru.New[string, struct{}](cfg.ClientCacheSize)
	return &Server{cfg: cfg, log: log, clients: make(map[*client]struct{}), seen: seen}
}

// SetRecorder attaches an audit recorder for connect/disconnect
// reporting. Nil is safe and disables reporting.
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
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	c := &client{conn: conn, queue: make(chan []byte, s.cfg.ClientQueueSize)}
	defer s.removeClient(c)

	connectedPayload, err := wire.EncodeConsumerMessage(wire.Connected{})
	if err != nil || wire.WriteFrame(conn, connectedPayload) != nil {
		conn.Close()
		return
	}

	payload, err := wire.ReadFrame(conn)
	if err != nil {
		conn.Close()
		return
	}
	msg, err := wire.DecodeConsumerMessage(payload)
	if err != nil {
		conn.Close()
		return
	}
	sub, ok := msg.(wire.Subscribe)
	if !ok {
		s.sendError(conn, "expected Subscribe")
		conn.Close()
		return
	}
	c.id = sub.ID
	if c.id == "" {
		c.id = uuid.NewString()
	}
	s.noteClientID(c.id)

	s.addClient(c)
	s.recorder.ClientConnected(c.id, true)
	defer s.recorder.ClientConnected(c.id, false)

	writerDone := make(chan struct{})
	go s.writeLoop(c, writerDone)

	<-writerDone
}

func (s *Server) writeLoop(c *client, done chan struct{}) {
	defer close(done)
	for payload := range c.queue {
		c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := wire.WriteFrame(c.conn, payload); err != nil {
			return
		}
	}
}

func (s *Server) addClient(c *client) {
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) removeClient(c *client) {
	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
	c.once.Do(func() { close(c.queue) })
	c.conn.Close()
}

func (s *Server) noteClientID(id string) {
	if s.seen != nil {
		if s.seen.Contains(id) && s.log != nil {
			s.log.Debug("consumer: recently seen client id reconnected", "client_id", id)
		}
		s.seen.Add(id, struct{}{})
	}
}

func (s *Server) sendError(conn net.Conn, msg string) {
	payload, err := wire.EncodeConsumerMessage(wire.ConsumerErrorMsg{Message: msg})
	if err == nil {
		wire.WriteFrame(conn, payload)
	}
}

// BroadcastAudio fans out one captured frame to every subscribed
// client's bounded queue. A client whose queue is already full is
// disconnected with a "slow consumer" error rather than blocked on.
func (s *Server) BroadcastAudio(frame audio.Frame, speechDetected bool) {
	payload, err := wire.EncodeConsumerMessage(wire.Audio{
		Data:           base64.StdEncoding.EncodeToString(frame.PCMBytes()),
		SpeechDetected: speechDetected,
	})
	if err != nil {
		return
	}
	s.broadcast(payload)
}

// BroadcastWakeword fans out a WakewordDetected event to every
// subscribed client.
func (s *Server) BroadcastWakeword(ev WakeEvent) {
	payload, err := wire.EncodeConsumerMessage(wire.WakewordDetected{
		Model:            ev.ModelName,
		SpotifyWasPaused: ev.SpotifyWasPaused,
		Timestamp:        ev.TimestampMS,
	})
	if err != nil {
		return
	}
	s.broadcast(payload)
}

func (s *Server) broadcast(payload []byte) {
	s.mu.Lock()
	targets := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		targets = append(targets, c)
	}
	s.mu.Unlock()

	for _, c := range targets {
		select {
		case c.queue <- payload:
		default:
			s.disconnectSlow(c)
		}
	}
}

func (s *Server) disconnectSlow(c *client) {
	s.mu.Lock()
	_, stillPresent := s.clients[c]
	delete(s.clients, c)
	s.mu.Unlock()
	if !stillPresent {
		return
	}
	if s.log != nil {
		s.log.Warn("consumer: disconnecting slow client", "client_id", c.id)
	}
	s.recorder.QueueDepth("consumer.client", len(c.queue))
	errPayload, err := wire.EncodeConsumerMessage(wire.ConsumerErrorMsg{Message: "slow consumer"})
	if err == nil {
		// The queue is full by construction (that's why we're here); drop
		// its oldest entry to guarantee the error frame a slot, since an
		// undeliverable disconnect reason defeats the point of sending it.
		select {
		case <-c.queue:
		default:
		}
		select {
		case c.queue <- errPayload:
		default:
		}
	}
	// Closing the queue lets the write loop flush what is queued, error
	// frame included, and then return; handleConn closes the conn after
	// that. A client that stops reading is cut off by writeTimeout.
	c.once.Do(func() { close(c.queue) })
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

// ClientCount reports the number of currently subscribed clients.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}
