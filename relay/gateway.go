package relay

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	multierror "github.com/hashicorp/go-multierror"

	"github.com/mplorentz/keydex-sub000/envelope"
	"github.com/mplorentz/keydex-sub000/internal/log"
)

// DedupCacheSize is the minimum bounded LRU size spec.md requires for
// incoming-event deduplication.
const DedupCacheSize = 1024

// PublishTimeout bounds how long Publish waits for relay OK responses
// before treating a relay as non-responsive.
const PublishTimeout = 10 * time.Second

// PublishResult reports one relay's response to a broadcast event.
type PublishResult struct {
	RelayURL string
	Accepted bool
	Message  string
}

// EventHandler receives gift-wrap events the gateway has deduplicated and
// is ready to hand to the event router (C5).
type EventHandler func(ev *envelope.Event)

// Gateway maintains WebSocket connections to a configured set of relays,
// runs one long-lived subscription for gift wraps addressed to the local
// pubkey, and exposes Publish for outgoing events.
type Gateway struct {
	log         log.Logger
	pubkeyHex   string
	subFilter   Filter
	handler     EventHandler
	seen        *lru.Cache
	connections []*connection

	cancel context.CancelFunc
}

// NewGateway builds a gateway for the given relay URLs, subscribing for
// kind-1059 gift wraps p-tagged to pubkeyHex with a 100-event replay
// limit, per spec.md.
func NewGateway(logger log.Logger, relayURLs []string, pubkeyHex string, handler EventHandler) (*Gateway, error) {
	if len(relayURLs) == 0 {
		return nil, fmt.Errorf("%w: at least one relay url is required", ErrInvalidRelayURL)
	}
	seen, err := lru.New(DedupCacheSize)
	if err != nil {
		return nil, fmt.Errorf("relay: init dedup cache: %w", err)
	}
	g := &Gateway{
		log:       logger.Named("relay"),
		pubkeyHex: pubkeyHex,
		handler:   handler,
		seen:      seen,
		subFilter: Filter{
			Kinds: []int{envelope.KindGiftWrap},
			Tags:  []string{pubkeyHex},
			Limit: 100,
		},
	}
	for _, u := range relayURLs {
		conn, err := newConnection(u, g, logger)
		if err != nil {
			return nil, err
		}
		g.connections = append(g.connections, conn)
	}
	return g, nil
}

// Start connects to every configured relay and begins the subscription and
// read/write loops. It returns immediately; connections run in the
// background until ctx is cancelled or Close is called.
func (g *Gateway) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	g.cancel = cancel
	for _, c := range g.connections {
		go c.run(ctx)
	}
}

// Close tears down every relay connection.
func (g *Gateway) Close() {
	if g.cancel != nil {
		g.cancel()
	}
}

func (g *Gateway) resubscribe(c *connection) error {
	frame, err := encodeReqFrame("gift-wraps", g.subFilter)
	if err != nil {
		return err
	}
	return c.send(frame)
}

// deliver is called by a connection for each inbound EVENT frame; it
// dedupes by event id before handing off to the router.
func (g *Gateway) deliver(ev *envelope.Event) {
	if ev == nil {
		return
	}
	if _, seen := g.seen.Get(ev.ID); seen {
		return
	}
	g.seen.Add(ev.ID, struct{}{})
	if g.handler != nil {
		g.handler(ev)
	}
}

// Publish broadcasts ev to every connected relay and waits (up to
// PublishTimeout) for each relay's OK response. Success requires at least
// one relay to report accepted=true; otherwise ErrAllRelaysFailed wraps the
// aggregated per-relay errors.
func (g *Gateway) Publish(ctx context.Context, ev *envelope.Event) ([]PublishResult, error) {
	frame, err := encodeEventFrame(ev)
	if err != nil {
		return nil, fmt.Errorf("relay: encode event: %w", err)
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results []PublishResult
		errs    *multierror.Error
	)

	for _, c := range g.connections {
		c := c
		if !c.connected() {
			mu.Lock()
			results = append(results, PublishResult{RelayURL: c.url, Accepted: false, Message: "not connected"})
			errs = multierror.Append(errs, fmt.Errorf("%w: %s", ErrRelayUnreachable, c.url))
			mu.Unlock()
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			ch := c.awaitOK(ev.ID)
			if err := c.send(frame); err != nil {
				mu.Lock()
				results = append(results, PublishResult{RelayURL: c.url, Accepted: false, Message: err.Error()})
				errs = multierror.Append(errs, err)
				mu.Unlock()
				return
			}
			select {
			case res := <-ch:
				mu.Lock()
				results = append(results, res)
				if !res.Accepted {
					errs = multierror.Append(errs, fmt.Errorf("%s: %s", res.RelayURL, res.Message))
				}
				mu.Unlock()
			case <-time.After(PublishTimeout):
				mu.Lock()
				results = append(results, PublishResult{RelayURL: c.url, Accepted: false, Message: "timeout"})
				errs = multierror.Append(errs, fmt.Errorf("%w: %s: timeout", ErrRelayUnreachable, c.url))
				mu.Unlock()
			case <-ctx.Done():
				mu.Lock()
				results = append(results, PublishResult{RelayURL: c.url, Accepted: false, Message: ctx.Err().Error()})
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	for _, r := range results {
		if r.Accepted {
			return results, nil
		}
	}
	if errs != nil {
		return results, fmt.Errorf("%w: %v", ErrAllRelaysFailed, errs)
	}
	return results, ErrAllRelaysFailed
}
