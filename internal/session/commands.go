package session

import (
	"github.com/fjod/go_cart/cartsync/internal/domain"
	"github.com/fjod/go_cart/cartsync/internal/protocol"
)

// result is what every command answers with.
type result struct {
	snapshot domain.Snapshot
	err      error
}

// command is one entry of the session inbox. Every concrete type below is
// handled in Session.handle.
type command interface {
	replyTo() chan<- result
}

type replier struct {
	reply chan result
}

func (r replier) replyTo() chan<- result {
	return r.reply
}

func newReplier() replier {
	return replier{reply: make(chan result, 1)}
}

type scanBarcode struct {
	replier
	barcode  string
	quantity int
}

type weightReading struct {
	replier
	sample domain.WeightSample
}

type removeItem struct {
	replier
	barcode  string
	quantity int
}

type removalReading struct {
	replier
	sample domain.WeightSample
}

type startCheckout struct {
	replier
}

type linkFailed struct {
	replier
}

type paymentConfirmed struct {
	replier
	paymentID string
}

type checkoutCancelled struct {
	replier
}

// join runs attach on the session goroutine, so the joining socket gets the
// replay followed by every later event and nothing emitted in between.
type join struct {
	replier
	attach func(replay []protocol.Envelope)
}

type abandon struct {
	replier
}

// pendingExpired is enqueued by the pending timer; token identifies the
// pending event it was armed for.
type pendingExpired struct {
	replier
	token uint64
}
