package server

import (
	"encoding/json"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Subprotocols offered on the websocket upgrade. The zstd variant carries
// every frame as a zstd-compressed binary message; the plain variant as a
// JSON text message.
const (
	subprotoJSON = "pvgate.json.v1"
	subprotoZstd = "pvgate.json.zstd.v1"
)

// Frame is the single message envelope in both directions. Type selects
// which fields are meaningful.
type Frame struct {
	Type string `json:"type"`
	ID   uint64 `json:"id,omitempty"`

	// requests
	Name      string            `json:"name,omitempty"`
	Channel   string            `json:"channel,omitempty"`
	Monitor   string            `json:"monitor,omitempty"`
	Options   map[string]string `json:"options,omitempty"`
	FieldMask []string          `json:"fieldMask,omitempty"`
	Count     int               `json:"count,omitempty"`

	// replies and events
	Found   bool           `json:"found,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
	Changed []int          `json:"changed,omitempty"`
	Overrun []int          `json:"overrun,omitempty"`
	State   string         `json:"state,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// Frame types, client to server.
const (
	frameFind          = "find"
	frameCreateChannel = "createChannel"
	frameCloseChannel  = "closeChannel"
	frameMonitor       = "monitor"
	frameStart         = "start"
	frameStop          = "stop"
	frameAck           = "ack"
	frameCancel        = "cancel"
	framePing          = "ping"
)

// Frame types, server to client.
const (
	frameFindResult     = "findResult"
	frameChannelCreated = "channelCreated"
	frameMonitorCreated = "monitorCreated"
	frameEvent          = "event"
	frameState          = "state"
	frameUnlisten       = "unlisten"
	frameError          = "error"
	framePong           = "pong"
)

// Codec frames protocol messages, optionally zstd-compressed per the
// negotiated subprotocol.
type Codec struct {
	compress bool
	enc      *zstd.Encoder
	dec      *zstd.Decoder
}

// NewCodec builds a codec; compress selects the zstd subprotocol framing.
func NewCodec(compress bool) (*Codec, error) {
	c := &Codec{compress: compress}
	if compress {
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return nil, fmt.Errorf("create zstd encoder: %w", err)
		}
		dec, err := zstd.NewReader(nil)
		if err != nil {
			enc.Close()
			return nil, fmt.Errorf("create zstd decoder: %w", err)
		}
		c.enc = enc
		c.dec = dec
	}
	return c, nil
}

// Compressed reports whether frames are binary zstd messages.
func (c *Codec) Compressed() bool { return c.compress }

// Encode renders a frame for the wire.
func (c *Codec) Encode(f *Frame) ([]byte, error) {
	raw, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("marshal frame: %w", err)
	}
	if !c.compress {
		return raw, nil
	}
	return c.enc.EncodeAll(raw, nil), nil
}

// Decode parses a wire message into a frame.
func (c *Codec) Decode(data []byte) (*Frame, error) {
	if c.compress {
		raw, err := c.dec.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("decompress frame: %w", err)
		}
		data = raw
	}
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("unmarshal frame: %w", err)
	}
	if f.Type == "" {
		return nil, fmt.Errorf("frame missing type")
	}
	return &f, nil
}

// Close releases codec resources.
func (c *Codec) Close() {
	if c.enc != nil {
		c.enc.Close()
	}
	if c.dec != nil {
		c.dec.Close()
	}
}
