/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

package engine

import (
	"io"
	"sync"
	"sync/atomic"
	"time"
)

func (c *connReader) lock() {
	c.mu.Lock()
	if c.cond == nil {
		// make a new condition having the locker c.mu
		c.cond = sync.NewCond(&c.mu)
	}
}

func (c *connReader) unlock() { c.mu.Unlock() }

func (c *connReader) abortPendingRead() {
	c.lock()
	defer c.unlock()
	if !c.inRead {
		return
	}
	c.aborted = true
	c.conn.netConIface.SetReadDeadline(aLongTimeAgo)
	// wait awoken by Broadcast or Signal
	for c.inRead {
		c.cond.Wait()
	}
	c.conn.netConIface.SetReadDeadline(time.Time{})
}

func (c *connReader) setReadLimit(remain int64) { c.remain = remain }

func (c *connReader) setInfiniteReadLimit() { c.remain = MaxInt64 }

func (c *connReader) hitReadLimit() bool { return c.remain <= 0 }

// may be called from multiple goroutines.
func (c *connReader) handleReadError(err error) {
	c.conn.cancelCtx()
	c.closeNotify()
}

// may be called from multiple goroutines.
func (c *connReader) closeNotify() {
	// loads it from atomic value
	res, _ := c.conn.curReq.Load().(*response)
	if res != nil {
		if atomic.CompareAndSwapInt32(&res.didCloseNotify, 0, 1) {
			res.closeNotifyCh <- true
		}
	}
}

func (c *connReader) Read(p []byte) (int, error) {
	c.lock()
	if c.inRead {
		c.unlock()
		panic("invalid concurrent Body.Read call")
	}
	if c.hitReadLimit() {
		c.unlock()
		return 0, io.EOF
	}
	if len(p) == 0 {
		c.unlock()
		return 0, nil
	}
	if int64(len(p)) > c.remain {
		p = p[:c.remain]
	}
	if c.hasByte {
		p[0] = c.byteBuf[0]
		c.hasByte = false
		c.unlock()
		return 1, nil
	}
	c.inRead = true
	c.unlock()
	n, err := c.conn.netConIface.Read(p)

	c.lock()
	c.inRead = false
	if err != nil {
		c.handleReadError(err)
	}
	c.remain -= int64(n)
	c.unlock()
	// wake all goroutines waiting on condition.
	c.cond.Broadcast()
	return n, err
}
