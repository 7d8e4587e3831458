// Package coretest provides an in-memory core.Dialer for tests.
package coretest

import (
	"context"
	"errors"
	"sync"

	"github.com/dkeye/Voicelink/internal/core"
	"github.com/goccy/go-json"
)

var (
	ErrClosed  = errors.New("coretest: connection closed")
	ErrRefused = errors.New("coretest: dial refused")
)

// Conn records outbound frames and lets a test push inbound ones.
type Conn struct {
	mu      sync.Mutex
	frames  []core.Frame
	closed  bool
	sendErr error
	onFrame func(core.Frame)
	onClose func(error)
}

func (c *Conn) Send(_ context.Context, f core.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.sendErr != nil {
		return c.sendErr
	}
	c.frames = append(c.frames, f)
	return nil
}

func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	c.onClose(nil)
	return nil
}

// Drop ends the connection as if the server went away.
func (c *Conn) Drop() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	c.onClose(errors.New("coretest: connection reset"))
}

// FailSends makes every later Send return err. nil restores sending.
func (c *Conn) FailSends(err error) {
	c.mu.Lock()
	c.sendErr = err
	c.mu.Unlock()
}

func (c *Conn) Frames() []core.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]core.Frame(nil), c.frames...)
}

// Sent returns the bodies of SEND frames to dest.
func (c *Conn) Sent(dest string) [][]byte {
	var out [][]byte
	for _, f := range c.Frames() {
		if f.Command == core.CmdSend && f.Destination == dest {
			out = append(out, f.Body)
		}
	}
	return out
}

// Count returns how many cmd frames went to dest, or to any destination
// when dest is empty.
func (c *Conn) Count(cmd core.Command, dest string) int {
	n := 0
	for _, f := range c.Frames() {
		if f.Command == cmd && (dest == "" || f.Destination == dest) {
			n++
		}
	}
	return n
}

// SubID returns the id of the latest SUBSCRIBE for topic.
func (c *Conn) SubID(topic string) string {
	frames := c.Frames()
	for i := len(frames) - 1; i >= 0; i-- {
		if frames[i].Command == core.CmdSubscribe && frames[i].Destination == topic {
			return frames[i].Subscription
		}
	}
	return ""
}

// Deliver pushes a MESSAGE for topic on the current physical subscription.
// It runs the receive callback synchronously.
func (c *Conn) Deliver(topic string, body any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	c.Push(core.Frame{
		Command:      core.CmdMessage,
		Destination:  topic,
		Subscription: c.SubID(topic),
		Body:         raw,
	})
	return nil
}

// Push runs the receive callback with f as if the server sent it.
func (c *Conn) Push(f core.Frame) { c.onFrame(f) }

// Dialer hands out Conns. Block makes dials wait until Release; Fail
// makes the next dials return ErrRefused.
type Dialer struct {
	mu      sync.Mutex
	gate    chan struct{}
	fail    int
	dials   int
	waiting int
	conns   []*Conn
}

func (d *Dialer) Dial(ctx context.Context, onFrame func(core.Frame), onClose func(error)) (core.Transport, error) {
	d.mu.Lock()
	gate := d.gate
	if gate != nil {
		d.waiting++
	}
	d.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
		}
		d.mu.Lock()
		d.waiting--
		d.mu.Unlock()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.fail != 0 {
		if d.fail > 0 {
			d.fail--
		}
		return nil, ErrRefused
	}
	c := &Conn{onFrame: onFrame, onClose: onClose}
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *Dialer) Block() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.gate == nil {
		d.gate = make(chan struct{})
	}
}

func (d *Dialer) Release() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.gate != nil {
		close(d.gate)
		d.gate = nil
	}
}

// Fail refuses the next n dials; a negative n refuses all of them.
func (d *Dialer) Fail(n int) {
	d.mu.Lock()
	d.fail = n
	d.mu.Unlock()
}

// Dials counts dial attempts, refused ones included.
func (d *Dialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// Waiting reports how many dials are held by Block.
func (d *Dialer) Waiting() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.waiting
}

func (d *Dialer) Last() *Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

func (d *Dialer) Count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}
