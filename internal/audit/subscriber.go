package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/loqa-edge/wakegate/internal/eventstore"
)

// Subscribe drains the four audit subjects into store until ctx is
// cancelled. This is thread 6 from the concurrency model: it never
// touches the real-time capture or playback path, only the store.
func Subscribe(ctx context.Context, conn *nats.Conn, store *eventstore.Store, log *slog.Logger) error {
	subs := make([]*nats.Subscription, 0, 4)
	subscribe := func(subject, eventType string) error {
		sub, err := conn.Subscribe(subject, func(msg *nats.Msg) {
			persist(ctx, store, eventType, msg.Data, log)
		})
		if err != nil {
			return err
		}
		subs = append(subs, sub)
		return nil
	}

	if err := subscribe(SubjectDetectionEvent, "detection"); err != nil {
		return err
	}
	if err := subscribe(SubjectQueueDepth, "queue_depth"); err != nil {
		return err
	}
	if err := subscribe(SubjectClientConnected, "client_connected"); err != nil {
		return err
	}
	if err := subscribe(SubjectProducerState, "producer_state"); err != nil {
		return err
	}

	<-ctx.Done()
	for _, sub := range subs {
		sub.Unsubscribe()
	}
	return nil
}

func persist(ctx context.Context, store *eventstore.Store, eventType string, payload []byte, log *slog.Logger) {
	if store == nil {
		return
	}
	sessionID := extractSessionKey(payload)
	if sessionID == "" {
		sessionID = "unknown"
	}
	if err := store.AppendSession(ctx, sessionID, "", ""); err != nil {
		if log != nil {
			log.Debug("audit: session upsert failed", "type", eventType, "error", err)
		}
		return
	}
	err := store.AppendEvent(ctx, eventstore.Event{
		SessionID: sessionID,
		Type:      eventType,
		Payload:   payload,
		CreatedAt: time.Now(),
	})
	if err != nil && log != nil {
		log.Debug("audit: persist failed", "type", eventType, "error", err)
	}
}

// extractSessionKey pulls whichever id field is present (clientId or
// streamId) so related events group under the same session row; the
// schema's session_id column is otherwise a client-id/stream-id grouping
// key, not a conversation session.
func extractSessionKey(payload []byte) string {
	var probe struct {
		ClientID string `json:"clientId"`
		StreamID uint64 `json:"streamId"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return ""
	}
	if probe.ClientID != "" {
		return probe.ClientID
	}
	if probe.StreamID != 0 {
		return strconv.FormatUint(probe.StreamID, 10)
	}
	return ""
}
