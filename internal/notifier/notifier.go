// Package notifier implements prioritized callback chains used to broadcast
// events such as guest address-space changes to interested emulators.
package notifier

import (
	"errors"
	"sort"
	"sync"
)

var (
	ErrRegistered    = errors.New("notifier: block already registered")
	ErrNotRegistered = errors.New("notifier: block not registered")
	ErrInvalidBlock  = errors.New("notifier: block has no callback")
)

// Disposition is what a callback reports back to the chain.
type Disposition int

const (
	// Done means the callback was not interested.
	Done Disposition = iota
	// OK means the callback acted on the event.
	OK
	// Stop means the callback acted and later blocks must not see the event.
	Stop
)

func (d Disposition) String() string {
	switch d {
	case Done:
		return "done"
	case OK:
		return "ok"
	case Stop:
		return "stop"
	}
	return "unknown"
}

// Func receives an event kind and its payload.
type Func func(event uint64, data any) Disposition

// Block is one subscription. Higher Priority runs first; equal priorities
// run in registration order.
type Block struct {
	Call     Func
	Priority int

	seq uint64
}

// Chain is a set of blocks notified in priority order.
// The zero value is ready to use.
type Chain struct {
	mu      sync.RWMutex
	blocks  []*Block
	nextSeq uint64
}

// Register adds b to the chain.
func (c *Chain) Register(b *Block) error {
	if b == nil || b.Call == nil {
		return ErrInvalidBlock
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, existing := range c.blocks {
		if existing == b {
			return ErrRegistered
		}
	}
	c.nextSeq++
	b.seq = c.nextSeq
	c.blocks = append(c.blocks, b)
	sort.SliceStable(c.blocks, func(i, j int) bool {
		if c.blocks[i].Priority != c.blocks[j].Priority {
			return c.blocks[i].Priority > c.blocks[j].Priority
		}
		return c.blocks[i].seq < c.blocks[j].seq
	})
	return nil
}

// Unregister removes b from the chain. Once it returns, no new Notify call
// will reach b.
func (c *Chain) Unregister(b *Block) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, existing := range c.blocks {
		if existing == b {
			c.blocks = append(c.blocks[:i], c.blocks[i+1:]...)
			return nil
		}
	}
	return ErrNotRegistered
}

// Len returns the number of registered blocks.
func (c *Chain) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.blocks)
}

// Notify delivers the event to every block until one returns Stop, and
// returns the last disposition seen. Callbacks run without the chain lock
// held so they may register or unregister blocks.
func (c *Chain) Notify(event uint64, data any) Disposition {
	c.mu.RLock()
	blocks := append([]*Block(nil), c.blocks...)
	c.mu.RUnlock()

	ret := Done
	for _, b := range blocks {
		ret = b.Call(event, data)
		if ret == Stop {
			break
		}
	}
	return ret
}
