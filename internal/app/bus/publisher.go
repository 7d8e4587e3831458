package bus

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/dkeye/Voicelink/internal/domain"
	"github.com/goccy/go-json"
)

const defaultQueueCap = 32

// Delivery is the outcome of one Publish. It resolves exactly once.
type Delivery struct {
	done   chan struct{}
	once   sync.Once
	err    error
	cancel func() bool
}

func newDelivery() *Delivery {
	return &Delivery{done: make(chan struct{})}
}

func (d *Delivery) resolve(err error) {
	d.once.Do(func() {
		d.err = err
		close(d.done)
	})
}

// Done is closed once the message was sent, failed, dropped or canceled.
func (d *Delivery) Done() <-chan struct{} { return d.done }

// Err reports the outcome; nil means the frame was handed to the transport.
// Only meaningful after Done is closed.
func (d *Delivery) Err() error {
	select {
	case <-d.done:
		return d.err
	default:
		return nil
	}
}

func (d *Delivery) Wait(ctx context.Context) error {
	select {
	case <-d.done:
		return d.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel withdraws a message that is still queued. It reports whether the
// message was withdrawn; a sent or already resolved message is unaffected.
func (d *Delivery) Cancel() bool {
	if d.cancel == nil {
		return false
	}
	return d.cancel()
}

type outbound struct {
	topic string
	body  []byte
	d     *Delivery
}

// publisher holds messages published while the connection is not ready.
// Guarded by Manager.mu.
type publisher struct {
	cap   int
	queue []*outbound
}

func newPublisher(capacity int) *publisher {
	if capacity < 1 {
		capacity = defaultQueueCap
	}
	return &publisher{cap: capacity}
}

// push enqueues out and returns the oldest message if the cap was exceeded.
func (p *publisher) push(out *outbound) *outbound {
	p.queue = append(p.queue, out)
	if len(p.queue) <= p.cap {
		return nil
	}
	oldest := p.queue[0]
	p.queue = p.queue[1:]
	return oldest
}

func (p *publisher) remove(out *outbound) bool {
	i := slices.Index(p.queue, out)
	if i < 0 {
		return false
	}
	p.queue = slices.Delete(p.queue, i, i+1)
	return true
}

func (p *publisher) drain() []*outbound {
	q := p.queue
	p.queue = nil
	return q
}

func (p *publisher) len() int { return len(p.queue) }

func encodeBody(payload any) ([]byte, error) {
	switch v := payload.(type) {
	case nil:
		return nil, fmt.Errorf("%w: nil payload", domain.ErrPublishFailure)
	case []byte:
		if !json.Valid(v) {
			return nil, fmt.Errorf("%w: body is not valid json", domain.ErrPublishFailure)
		}
		return v, nil
	case json.RawMessage:
		return v, nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("%w: encode: %v", domain.ErrPublishFailure, err)
		}
		return b, nil
	}
}

func failAll(items []*outbound, err error) {
	for _, it := range items {
		it.d.resolve(err)
	}
}

// Failed returns a Delivery already resolved with err.
func Failed(err error) *Delivery {
	d := newDelivery()
	d.resolve(err)
	return d
}
