/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

package engine

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"time"

	"github.com/vanterhall/httpengine/hdr"
	"github.com/vanterhall/httpengine/url"
)

func (c *conn) hijacked() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.wasHijacked
}

// c.mu must be held.
func (c *conn) hijackLocked(ctx context.Context) (net.Conn, *bufio.ReadWriter, error) {
	if c.wasHijacked {
		return nil, nil, ErrHijacked
	}

	c.reader.abortPendingRead()

	c.wasHijacked = true

	netConn := c.netConIface
	netConn.SetDeadline(time.Time{})

	buf := bufio.NewReadWriter(c.bufReader, bufio.NewWriter(netConn))
	if c.reader.hasByte {
		if _, err := c.bufReader.Peek(c.bufReader.Buffered() + 1); err != nil {
			return nil, nil, fmt.Errorf("unexpected Peek failure reading buffered byte: %v", err)
		}
	}
	srv := ctx.Value(SrvCtxtKey).(*Server)
	srv.setState(c, StateHijacked)
	return netConn, buf, nil
}

// Read next request from connection.
func (c *conn) readRequest(ctx context.Context) (*response, error) {
	if c.hijacked() {
		return nil, ErrHijacked
	}

	var hdrDeadline time.Time // or zero if none
	t0 := time.Now()

	srv := ctx.Value(SrvCtxtKey).(*Server)

	if d := srv.readHeaderTimeout(); d != 0 {
		hdrDeadline = t0.Add(d)
	}

	var wholeReqDeadline time.Time // or zero if none
	if d := srv.ReadTimeout; d != 0 {
		wholeReqDeadline = t0.Add(d)
	}

	c.netConIface.SetReadDeadline(hdrDeadline)

	if d := srv.WriteTimeout; d != 0 {
		defer func() {
			c.netConIface.SetWriteDeadline(time.Now().Add(d))
		}()
	}

	c.reader.setReadLimit(srv.initialReadLimitSize())

	// RFC 2616 section 4.1 tolerance for old buggy clients.
	if c.lastMethod == POST {
		peek, _ := c.bufReader.Peek(4) // ReadRequest will get err below
		c.bufReader.Discard(numLeadingCRorLF(peek))
	}

	// reads info from the request (using textproto.Reader transforms bytes into textproto.MIMEHeader and other usefull info)
	req, err := readRequest(c.bufReader, false)
	if err != nil {
		if c.reader.hitReadLimit() {
			return nil, errTooLarge
		}
		return nil, err
	}

	if !http1ServerSupportsRequest(req) {
		//document
		return nil, badRequestError("unsupported protocol version")
	}

	c.lastMethod = req.Method
	c.reader.setInfiniteReadLimit()

	hosts, haveHost := req.Header[hdr.Host]
	if req.ProtoAtLeast(1, 1) && (!haveHost || len(hosts) == 0) && req.Method != CONNECT {
		//document
		return nil, badRequestError("missing required Host header")
	}
	if len(hosts) > 1 {
		//document
		return nil, badRequestError("too many Host headers")
	}
	if len(hosts) == 1 && !url.ValidHostHeader(hosts[0]) {
		//document
		return nil, badRequestError("malformed Host header")
	}
	for k, vv := range req.Header {
		if !hdr.ValidHeaderFieldName(k) {
			//document
			return nil, badRequestError("invalid header name")
		}
		for _, v := range vv {
			if !hdr.ValidHeaderFieldValue(v) {
				//document
				return nil, badRequestError("invalid header value")
			}
		}
	}
	delete(req.Header, hdr.Host)

	ctx, cancelCtx := context.WithCancel(ctx)
	req.ctx = ctx
	req.RemoteAddr = c.netConIface.RemoteAddr().String()
	req.TLS = c.tlsState
	if body, ok := req.Body.(*body); ok {
		body.doEarlyClose = true
	}

	// Adjust the read deadline if necessary.
	if !hdrDeadline.Equal(wholeReqDeadline) {
		c.netConIface.SetReadDeadline(wholeReqDeadline)
	}

	w := &response{
		conn:          c,
		ctx:           ctx,
		cancelCtx:     cancelCtx,
		req:           req,
		reqBody:       req.Body,
		handlerHeader: make(hdr.Header),
		contentLength: -1,
		closeNotifyCh: make(chan bool, 1),

		// We populate these ahead of time so we're not
		// reading from req.Header after their Handler starts
		// and maybe mutates it (Issue 14940)
		wants10KeepAlive: req.wantsHttp10KeepAlive(),
		wantsClose:       req.wantsClose(),
	}
	w.chunkWriter.res = w
	w.bufWriter = newBufioWriterSize(&w.chunkWriter, bufferBeforeChunkingSize)

	// A client sending "Expect: 100-continue" ahead of a body wants an
	// interim 100 status before it uploads; wrap Body so the first Read
	// triggers that response instead of blocking the client forever.
	if req.ExpectsContinue() && req.ProtoAtLeast(1, 1) && req.ContentLength != 0 {
		req.Body = &expectContinueReader{readCloser: req.Body, resp: w}
	}
	return w, nil
}

func (c *conn) finalFlush() {
	if c.bufReader != nil {
		// Steal the bufio.Reader (~4KB worth of memory) and its associated
		// reader for a future connection.
		putBufioReader(c.bufReader)
		c.bufReader = nil
	}

	if c.bufWriter != nil {
		c.bufWriter.Flush()
		// Steal the bufio.Writer (~4KB worth of memory) and its associated
		// writer for a future connection.
		putBufioWriter(c.bufWriter)
		c.bufWriter = nil
	}
}

// Close the connection.
func (c *conn) close() {
	c.finalFlush()
	c.netConIface.Close()
}

// closeWrite flushes any outstanding data and sends a FIN packet (if
// client is connected via TCP), signalling that we're done. We then
// pause for a bit, hoping the client processes it before any
// subsequent RST.
//
// See https://golang.org/issue/3595
func (c *conn) closeWriteAndWait() {
	c.finalFlush()
	if tcp, ok := c.netConIface.(closeWriter); ok {
		tcp.CloseWrite()
	}
	time.Sleep(rstAvoidanceDelay)
}

// TLS handshaking and protocol negotiation used to live here too, driving a
// bespoke accept-loop (serve) that called down into the Handler directly.
// The connector package now owns that loop: it drives ReadNextRequest
// itself and dispatches each exchange through a channel.Channel instead, so
// TLS setup happens wherever the connector's Endpoint builds its listener.
