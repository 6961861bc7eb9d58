package relay

import "errors"

var (
	ErrInvalidRelayURL  = errors.New("relay: invalid relay url")
	ErrRelayUnreachable = errors.New("relay: relay unreachable")
	ErrAllRelaysFailed  = errors.New("relay: all relays failed")
	ErrSubscriptionLost = errors.New("relay: subscription lost")
)
