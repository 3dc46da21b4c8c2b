// Copyright 2023 the Tomoflow authors. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package ctxsync provides a condition variable whose wait is
// context-aware. It underpins the worker communicator's collectives
// and the variant state machine.
package ctxsync

import (
	"context"
	"sync"
)

// A Cond is a condition variable associated with a Locker. Unlike
// sync.Cond, waiting can be abandoned when a context completes.
type Cond struct {
	l     sync.Locker
	waitc chan struct{}
}

// NewCond returns a new Cond based on Locker l.
func NewCond(l sync.Locker) *Cond {
	return &Cond{l: l}
}

// Broadcast wakes all waiters. The cond's lock must be held when
// calling Broadcast.
func (c *Cond) Broadcast() {
	if c.waitc != nil {
		close(c.waitc)
		c.waitc = nil
	}
}

// Done returns a channel that is closed on the next Broadcast. The
// cond's lock must be held when calling Done; the returned channel
// may be received from without the lock.
func (c *Cond) Done() <-chan struct{} {
	if c.waitc == nil {
		c.waitc = make(chan struct{})
	}
	return c.waitc
}

// Wait returns after the next Broadcast, or with the context's error
// if the context completes first. The cond's lock must be held when
// calling Wait; it is dropped while waiting and reacquired before
// returning.
func (c *Cond) Wait(ctx context.Context) error {
	waitc := c.Done()
	c.l.Unlock()
	var err error
	select {
	case <-waitc:
	case <-ctx.Done():
		err = ctx.Err()
	}
	c.l.Lock()
	return err
}
