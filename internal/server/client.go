package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ctrlsys/pvgate/internal/gateway"
	"github.com/ctrlsys/pvgate/internal/pvaccess"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 512 * 1024 // 512KB

	// Send buffer size per client.
	sendBufferSize = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
	Subprotocols:    []string{subprotoZstd, subprotoJSON},
}

// Client is one downstream websocket connection multiplexing channels and
// monitors over protocol frames.
type Client struct {
	provider *gateway.Provider
	conn     *websocket.Conn
	codec    *Codec
	send     chan []byte
	connID   string
	logger   *zap.Logger
	done     chan struct{}
	closer   sync.Once

	mu       sync.Mutex
	channels map[string]*clientChannel
	monitors map[string]*monitorSub
}

// ServeWS upgrades the request and runs the protocol until disconnect.
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	// Negotiate subprotocol: prefer compressed framing when offered (and
	// enabled), otherwise plain JSON framing.
	compress := false
	var responseHeader http.Header
	for _, proto := range websocket.Subprotocols(r) {
		switch {
		case proto == subprotoZstd && s.compression:
			compress = true
			responseHeader = http.Header{"Sec-WebSocket-Protocol": {proto}}
		case proto == subprotoJSON && responseHeader == nil:
			responseHeader = http.Header{"Sec-WebSocket-Protocol": {proto}}
		}
		if compress {
			break
		}
	}

	conn, err := upgrader.Upgrade(w, r, responseHeader)
	if err != nil {
		s.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}

	codec, err := NewCodec(compress)
	if err != nil {
		s.logger.Error("codec setup failed", zap.Error(err))
		conn.Close()
		return
	}

	client := &Client{
		provider: s.provider,
		conn:     conn,
		codec:    codec,
		send:     make(chan []byte, sendBufferSize),
		connID:   uuid.New().String(),
		logger:   s.logger,
		done:     make(chan struct{}),
		channels: make(map[string]*clientChannel),
		monitors: make(map[string]*monitorSub),
	}

	s.logger.Debug("client connected",
		zap.String("connID", client.connID),
		zap.String("remoteAddr", r.RemoteAddr),
		zap.Bool("compressed", compress),
	)

	go client.writePump()
	go client.readPump()
}

// readPump reads frames from the connection until it drops.
func (c *Client) readPump() {
	defer c.teardown()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Debug("websocket read error",
					zap.String("connID", c.connID),
					zap.Error(err),
				)
			}
			return
		}
		frame, err := c.codec.Decode(message)
		if err != nil {
			c.logger.Debug("bad frame",
				zap.String("connID", c.connID),
				zap.Error(err),
			)
			continue
		}
		c.handleFrame(frame)
	}
}

// writePump writes queued messages and keeps the connection alive.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	msgType := websocket.TextMessage
	if c.codec.Compressed() {
		msgType = websocket.BinaryMessage
	}

	for {
		select {
		case <-c.done:
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(msgType, message); err != nil {
				c.logger.Debug("websocket write error",
					zap.String("connID", c.connID),
					zap.Error(err),
				)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// teardown cancels every subscription and channel exactly once.
func (c *Client) teardown() {
	c.closer.Do(func() {
		close(c.done)
		c.conn.Close()

		c.mu.Lock()
		monitors := make([]*monitorSub, 0, len(c.monitors))
		for _, m := range c.monitors {
			monitors = append(monitors, m)
		}
		channels := make([]*clientChannel, 0, len(c.channels))
		for _, ch := range c.channels {
			channels = append(channels, ch)
		}
		c.monitors = make(map[string]*monitorSub)
		c.channels = make(map[string]*clientChannel)
		c.mu.Unlock()

		for _, m := range monitors {
			m.user.Cancel()
		}
		for _, ch := range channels {
			ch.gw.Destroy()
		}
		c.codec.Close()
		c.logger.Debug("client disconnected", zap.String("connID", c.connID))
	})
}

// enqueue pushes an encoded frame toward the write pump. A client too slow
// to keep its buffer drained is disconnected.
func (c *Client) enqueue(f *Frame) {
	data, err := c.codec.Encode(f)
	if err != nil {
		c.logger.Error("frame encode failed",
			zap.String("connID", c.connID),
			zap.Error(err),
		)
		return
	}
	select {
	case c.send <- data:
	case <-c.done:
	default:
		c.logger.Info("client send buffer full, disconnecting",
			zap.String("connID", c.connID),
		)
		go c.teardown()
	}
}

func (c *Client) handleFrame(f *Frame) {
	switch f.Type {
	case frameFind:
		found := c.provider.ChannelFind(f.Name)
		c.enqueue(&Frame{Type: frameFindResult, ID: f.ID, Name: f.Name, Found: found})

	case frameCreateChannel:
		cc := &clientChannel{client: c}
		gw, err := c.provider.CreateChannel(f.Name, cc)
		if err != nil {
			c.enqueue(&Frame{Type: frameError, ID: f.ID, Error: err.Error()})
			return
		}
		cc.gw = gw
		cc.id.Store(gw.ID())
		c.mu.Lock()
		c.channels[gw.ID()] = cc
		c.mu.Unlock()
		c.enqueue(&Frame{Type: frameChannelCreated, ID: f.ID, Channel: gw.ID(), Name: f.Name})

	case frameCloseChannel:
		c.mu.Lock()
		cc := c.channels[f.Channel]
		delete(c.channels, f.Channel)
		c.mu.Unlock()
		if cc != nil {
			cc.gw.Destroy()
		}

	case frameMonitor:
		c.mu.Lock()
		cc := c.channels[f.Channel]
		c.mu.Unlock()
		if cc == nil {
			c.enqueue(&Frame{Type: frameError, ID: f.ID, Error: "no such channel"})
			return
		}
		sub := &monitorSub{
			id:     uuid.New().String(),
			client: c,
			mask:   f.FieldMask,
			wakeCh: make(chan struct{}, 1),
		}
		req := pvaccess.Request{Options: f.Options, FieldMask: f.FieldMask}
		user, err := cc.gw.CreateMonitor(req, sub)
		if err != nil {
			c.enqueue(&Frame{Type: frameError, ID: f.ID, Error: err.Error()})
			return
		}
		sub.user = user
		c.mu.Lock()
		c.monitors[sub.id] = sub
		c.mu.Unlock()
		c.enqueue(&Frame{Type: frameMonitorCreated, ID: f.ID, Monitor: sub.id, Channel: f.Channel})
		go sub.run()
		user.Start()

	case frameStart:
		if sub := c.monitor(f.Monitor); sub != nil {
			sub.user.Start()
		}

	case frameStop:
		if sub := c.monitor(f.Monitor); sub != nil {
			sub.user.Stop()
		}

	case frameAck:
		if sub := c.monitor(f.Monitor); sub != nil {
			sub.user.AckRequest(f.Count)
		}

	case frameCancel:
		c.mu.Lock()
		sub := c.monitors[f.Monitor]
		delete(c.monitors, f.Monitor)
		c.mu.Unlock()
		if sub != nil {
			sub.user.Cancel()
		}

	case framePing:
		c.enqueue(&Frame{Type: framePong})

	default:
		c.logger.Debug("unknown frame type",
			zap.String("connID", c.connID),
			zap.String("frameType", f.Type),
		)
	}
}

func (c *Client) monitor(id string) *monitorSub {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.monitors[id]
}

func (c *Client) dropMonitor(id string) {
	c.mu.Lock()
	delete(c.monitors, id)
	c.mu.Unlock()
}
