package relay

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/mplorentz/keydex-sub000/internal/log"
)

// connection owns one relay's WebSocket, reconnecting with backoff when it
// drops, and routes inbound frames back to the owning gateway.
type connection struct {
	url string
	log log.Logger

	gateway *Gateway

	mu     sync.Mutex
	ws     *websocket.Conn
	writeC chan []byte

	pendingMu sync.Mutex
	pending   map[string]chan PublishResult
}

func newConnection(relayURL string, g *Gateway, logger log.Logger) (*connection, error) {
	if _, err := url.ParseRequestURI(relayURL); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidRelayURL, relayURL, err)
	}
	return &connection{
		url:     relayURL,
		log:     logger.Named(relayURL),
		gateway: g,
		writeC:  make(chan []byte, 64),
		pending: make(map[string]chan PublishResult),
	}, nil
}

// run owns the connection's lifetime: connect, read loop, write loop, and
// reconnect-on-drop with exponential backoff, until ctx is cancelled.
func (c *connection) run(ctx context.Context) {
	b := backoff.NewExponentialBackOff()
	b.MaxInterval = 60 * time.Second
	b.MaxElapsedTime = 0 // retry forever until ctx is cancelled

	for {
		if ctx.Err() != nil {
			return
		}
		ws, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
		if err != nil {
			c.log.Warnw("dial failed", "error", err)
			wait := b.NextBackOff()
			if wait == backoff.Stop {
				return
			}
			select {
			case <-time.After(wait):
				continue
			case <-ctx.Done():
				return
			}
		}
		b.Reset()
		c.log.Infow("connected")

		c.mu.Lock()
		c.ws = ws
		c.mu.Unlock()

		if err := c.gateway.resubscribe(c); err != nil {
			c.log.Warnw("resubscribe failed", "error", err)
		}

		c.serve(ctx, ws)

		c.mu.Lock()
		c.ws = nil
		c.mu.Unlock()
		c.failPending(ErrSubscriptionLost)

		if ctx.Err() != nil {
			return
		}
		c.log.Warnw("connection lost, reconnecting")
	}
}

// serve pumps the read and write loops until the connection dies or ctx is
// cancelled.
func (c *connection) serve(ctx context.Context, ws *websocket.Conn) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			_, raw, err := ws.ReadMessage()
			if err != nil {
				return
			}
			frame, err := decodeInboundFrame(raw)
			if err != nil {
				c.log.Warnw("dropping malformed frame", "error", err)
				continue
			}
			c.handleFrame(frame)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			_ = ws.Close()
			<-done
			return
		case <-done:
			_ = ws.Close()
			return
		case msg := <-c.writeC:
			if err := ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				_ = ws.Close()
				<-done
				return
			}
		}
	}
}

func (c *connection) handleFrame(frame *inboundFrame) {
	switch frame.Type {
	case "EVENT":
		c.gateway.deliver(frame.Event)
	case "OK":
		c.resolvePending(frame.OKEvent, PublishResult{
			RelayURL: c.url,
			Accepted: frame.OKBool,
			Message:  frame.OKMsg,
		})
	case "NOTICE":
		c.log.Infow("notice from relay", "message", frame.Notice)
	case "CLOSED":
		c.log.Warnw("subscription closed by relay", "message", frame.Notice)
	case "EOSE":
		// end of stored events; nothing to do, live events continue streaming.
	default:
		c.log.Debugw("ignoring unhandled frame type", "type", frame.Type)
	}
}

func (c *connection) send(payload []byte) error {
	select {
	case c.writeC <- payload:
		return nil
	default:
		return fmt.Errorf("%w: %s: write queue full", ErrRelayUnreachable, c.url)
	}
}

func (c *connection) awaitOK(eventID string) chan PublishResult {
	ch := make(chan PublishResult, 1)
	c.pendingMu.Lock()
	c.pending[eventID] = ch
	c.pendingMu.Unlock()
	return ch
}

func (c *connection) resolvePending(eventID string, result PublishResult) {
	c.pendingMu.Lock()
	ch, ok := c.pending[eventID]
	if ok {
		delete(c.pending, eventID)
	}
	c.pendingMu.Unlock()
	if ok {
		ch <- result
	}
}

func (c *connection) failPending(err error) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for id, ch := range c.pending {
		ch <- PublishResult{RelayURL: c.url, Accepted: false, Message: err.Error()}
		delete(c.pending, id)
	}
}

func (c *connection) connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws != nil
}
