// Package router dispatches unwrapped gift-wrap events to the engine
// responsible for their inner kind, deduplicating by rumor id so an
// envelope a handler has already processed successfully is not dispatched
// again when it arrives from another relay.
package router

import (
	lru "github.com/hashicorp/golang-lru"

	"github.com/mplorentz/keydex-sub000/envelope"
	"github.com/mplorentz/keydex-sub000/identity"
	"github.com/mplorentz/keydex-sub000/internal/log"
)

// IdempotencyCacheSize bounds the rumor-id dedup cache, independent of the
// relay gateway's own event-id dedup cache.
const IdempotencyCacheSize = 1024

// Handler processes one rumor kind's payload. giftWrapID is the outer
// gift-wrap event's id, which share-delivery confirmations reference.
// Implementations must be idempotent: the router guarantees at-least-once
// delivery per rumor id, not exactly-once.
type Handler func(rumor *envelope.Event, giftWrapID string) error

// Router owns the local identity needed to unwrap gift wraps and a table
// of per-kind handlers registered by the engines.
type Router struct {
	log      log.Logger
	identity *identity.Identity
	handlers map[int]Handler
	seen     *lru.Cache
}

// New builds a router that unwraps gift wraps addressed to id and
// dispatches by inner kind.
func New(logger log.Logger, id *identity.Identity) (*Router, error) {
	seen, err := lru.New(IdempotencyCacheSize)
	if err != nil {
		return nil, err
	}
	return &Router{
		log:      logger.Named("router"),
		identity: id,
		handlers: make(map[int]Handler),
		seen:     seen,
	}, nil
}

// Register binds a handler to an inner rumor kind. Registering twice for
// the same kind replaces the previous handler.
func (r *Router) Register(kind int, h Handler) {
	r.handlers[kind] = h
}

// HandleGiftWrap is the relay gateway's EventHandler: unwrap, dedupe by
// rumor id, dispatch. Envelope-layer errors are logged and swallowed so one
// malformed event cannot poison the stream; dispatch errors are also
// logged and swallowed, since retry is the sending engine's responsibility
// via re-broadcast, not the router's.
func (r *Router) HandleGiftWrap(giftWrap *envelope.Event) {
	rumor, err := envelope.Unwrap(giftWrap, r.identity)
	if err != nil {
		r.log.Warnw("dropping envelope", "error", err, "gift_wrap_id", giftWrap.ID)
		return
	}

	if _, seen := r.seen.Get(rumor.ID); seen {
		r.log.Debugw("dropping duplicate rumor", "rumor_id", rumor.ID)
		return
	}

	handler, ok := r.handlers[rumor.Kind]
	if !ok {
		r.log.Infow("dropping rumor of unknown kind", "kind", rumor.Kind, "rumor_id", rumor.ID)
		return
	}

	if err := handler(rumor, giftWrap.ID); err != nil {
		r.log.Errorw("handler failed", "kind", rumor.Kind, "rumor_id", rumor.ID, "error", err)
		return
	}
	r.seen.Add(rumor.ID, struct{}{})
}
