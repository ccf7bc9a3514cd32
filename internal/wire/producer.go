package wire

import (
	"encoding/json"
	"fmt"
)

// ProducerMessage is the tagged-union of messages exchanged on the
// producer endpoint (default TCP 8081).
type ProducerMessage interface {
	producerTag() string
}

// Play carries one chunk of 16kHz mono s16le PCM, base64-encoded, for
// the named stream id.
type Play struct {
	StreamID uint64 `json:"streamId"`
	Data     string `json:"data"`
}

func (Play) producerTag() string { return "Play" }

// EndOfStream marks the end of a logical utterance.
type EndOfStream struct {
	StreamID  uint64 `json:"streamId"`
	Timestamp uint64 `json:"timestamp"`
}

func (EndOfStream) producerTag() string { return "EndOfStream" }

// PlaybackComplete is sent server -> client once the sink has drained
// the stream named by the preceding EndOfStream (or on barge-in abort).
type PlaybackComplete struct {
	Timestamp uint64 `json:"timestamp"`
}

func (PlaybackComplete) producerTag() string { return "PlaybackComplete" }

// ProducerConnected is sent server -> client immediately on accept.
type ProducerConnected struct{}

func (ProducerConnected) producerTag() string { return "Connected" }

// ProducerErrorMsg is sent server -> client on a protocol error or when
// a second producer connection is rejected.
type ProducerErrorMsg struct {
	Message string `json:"message"`
}

func (ProducerErrorMsg) producerTag() string { return "Error" }

// EncodeProducerMessage renders m per the same bare-string/single-key
// convention as the consumer endpoint.
func EncodeProducerMessage(m ProducerMessage) ([]byte, error) {
	switch m.(type) {
	case ProducerConnected:
		return json.Marshal("Connected")
	default:
		return json.Marshal(map[string]ProducerMessage{m.producerTag(): m})
	}
}

// DecodeProducerMessage parses a single tagged-union payload.
func DecodeProducerMessage(data []byte) (ProducerMessage, error) {
	var bare string
	if err := json.Unmarshal(data, &bare); err == nil {
		switch bare {
		case "Connected":
			return ProducerConnected{}, nil
		default:
			return nil, fmt.Errorf("unknown bare producer variant %q", bare)
		}
	}

	var wrapper map[string]json.RawMessage
	if err := json.Unmarshal(data, &wrapper); err != nil {
		return nil, fmt.Errorf("decode producer message: %w", err)
	}
	if len(wrapper) != 1 {
		return nil, fmt.Errorf("expected exactly one tagged variant, got %d", len(wrapper))
	}
	for tag, raw := range wrapper {
		switch tag {
		case "Play":
			var v Play
			if err := json.Unmarshal(raw, &v); err != nil {
				return nil, fmt.Errorf("decode Play: %w", err)
			}
			return v, nil
		case "EndOfStream":
			var v EndOfStream
			if err := json.Unmarshal(raw, &v); err != nil {
				return nil, fmt.Errorf("decode EndOfStream: %w", err)
			}
			return v, nil
		case "PlaybackComplete":
			var v PlaybackComplete
			if err := json.Unmarshal(raw, &v); err != nil {
				return nil, fmt.Errorf("decode PlaybackComplete: %w", err)
			}
			return v, nil
		case "Error":
			var v ProducerErrorMsg
			if err := json.Unmarshal(raw, &v); err != nil {
				return nil, fmt.Errorf("decode Error: %w", err)
			}
			return v, nil
		default:
			return nil, fmt.Errorf("unknown producer variant %q", tag)
		}
	}
	panic("unreachable")
}
