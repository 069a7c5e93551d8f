/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

package engine

import (
	"bufio"
	"context"
	"io"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// readHeaderTimeout returns the effective header-read deadline: an
// explicit ReadHeaderTimeout, falling back to ReadTimeout.
func (s *Server) readHeaderTimeout() time.Duration {
	if s.ReadHeaderTimeout != 0 {
		return s.ReadHeaderTimeout
	}
	return s.ReadTimeout
}

// idleTimeout returns the keep-alive idle deadline: an explicit
// IdleTimeout, falling back to ReadTimeout.
func (s *Server) idleTimeout() time.Duration {
	if s.IdleTimeout != 0 {
		return s.IdleTimeout
	}
	return s.ReadTimeout
}

func (s *Server) maxHeaderBytes() int {
	if s.MaxHeaderBytes > 0 {
		return s.MaxHeaderBytes
	}
	return DefaultMaxHeaderBytes
}

// initialReadLimitSize bounds how many bytes readRequest will read before
// giving up on a request line + header block that never terminates.
func (s *Server) initialReadLimitSize() int64 {
	return int64(s.maxHeaderBytes()) + 4096
}

// logf writes to s.ErrorLog if set, falling back to the standard log
// package (matching the teacher's error-reporting convention throughout
// conn.go/response_server.go/chunk_writer.go).
func (s *Server) logf(format string, args ...interface{}) {
	if s.ErrorLog != nil {
		s.ErrorLog.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}

// doKeepAlives reports whether this Server currently allows connection
// reuse between requests.
func (s *Server) doKeepAlives() bool {
	return atomic.LoadInt32(&s.disableKeepAlives) == 0
}

func (s *Server) trackConn(c *conn, add bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeConn == nil {
		s.activeConn = make(map[*conn]struct{})
	}
	if add {
		s.activeConn[c] = struct{}{}
	} else {
		delete(s.activeConn, c)
	}
}

// setState records c's ConnState and invokes the Server's ConnState hook,
// if any (spec's acceptor/connector layer uses this to drive its own
// connection accounting alongside the ConnState callback).
func (s *Server) setState(c *conn, state ConnState) {
	switch state {
	case StateNew:
		s.trackConn(c, true)
	case StateHijacked, StateClosed:
		s.trackConn(c, false)
	}
	if int(state) >= 0 && int(state) < len(connStateInterface) {
		c.curState.Store(connStateInterface[state])
	}
	if hook := s.ConnState; hook != nil {
		hook(c.netConIface, state)
	}
}

// newConn wires rwc into a fresh *conn with pooled read and write buffers.
// Exported as ExportServerNewConn for the connector package, which drives
// conn.readRequest itself; this package has no serve loop of its own.
func (srv *Server) newConn(rwc net.Conn) *conn {
	c := &conn{server: srv, netConIface: rwc}
	c.reader = &connReader{conn: c}
	c.bufReader = newBufioReader(c.reader)
	c.bufWriter = newBufioWriterSize(checkConnErrorWriter{c}, bufferBeforeChunkingSize)
	return c
}

// ContextWithServer returns ctx carrying srv under SrvCtxtKey, as
// conn.readRequest expects.
func ContextWithServer(ctx context.Context, srv *Server) context.Context {
	return context.WithValue(ctx, SrvCtxtKey, srv)
}

// Response is the synchronous response-writing surface a connector-level
// transport drives: the exported subset of *response's methods.
type Response interface {
	Header() Header
	WriteHeader(code int)
	Write(p []byte) (int, error)
	Flush()
	FinishResponse()
	KeepAlive() bool
}

// ServerConn is the exported surface of *conn a connector package needs:
// pull the next request off the wire and close when done. It exists
// because *conn itself is unexported; callers get one from
// ExportServerNewConn and otherwise only interact through this interface.
type ServerConn interface {
	ReadNextRequest(ctx context.Context) (*Request, Response, error)
	Close()
	// CloseWrite half-closes the connection and gives the peer a brief
	// window to see the FIN before the socket goes away entirely, so a
	// non-keepalive connection doesn't look like a reset to the client.
	CloseWrite()
}

// ReadNextRequest parses the next request off the connection via
// conn.readRequest, returning the parsed Request and its bound
// response/ResponseWriter.
func (c *conn) ReadNextRequest(ctx context.Context) (*Request, Response, error) {
	resp, err := c.readRequest(ctx)
	if err != nil {
		return nil, nil, err
	}
	return resp.req, resp, nil
}

// Close tears down the connection and releases its pooled buffers.
func (c *conn) Close() { c.close() }

// CloseWrite exposes closeWriteAndWait to the connector package.
func (c *conn) CloseWrite() { c.closeWriteAndWait() }

// FinishResponse flushes and closes out the response started by
// ReadNextRequest, exposing finishRequest to the connector package.
func (w *response) FinishResponse() { w.finishRequest() }

// KeepAlive reports whether the underlying connection can serve another
// request after this response, exposing shouldReuseConnection.
func (w *response) KeepAlive() bool { return w.shouldReuseConnection() && !w.conn.hijacked() }

// MarkState updates this connection's ConnState via the Server it was
// built from.
func (c *conn) MarkState(srv *Server, state ConnState) { srv.setState(c, state) }

// NewKeepAliveListener wraps l with the package's TCP keep-alive Accept
// behavior, for use by listeners built outside this package (the
// connector's default Endpoint).
func NewKeepAliveListener(l *net.TCPListener) net.Listener {
	return tcpKeepAliveListener{l}
}

func newBufioReader(r io.Reader) *bufio.Reader {
	if v := bufioReaderPool.Get(); v != nil {
		br := v.(*bufio.Reader)
		br.Reset(r)
		return br
	}
	return bufio.NewReader(r)
}

func putBufioReader(br *bufio.Reader) {
	br.Reset(nil)
	bufioReaderPool.Put(br)
}

func bufioWriterPoolFor(size int) *sync.Pool {
	switch size {
	case 4 << 10:
		return &bufioWriter4kPool
	default:
		return &bufioWriter2kPool
	}
}

func newBufioWriterSize(w io.Writer, size int) *bufio.Writer {
	pool := bufioWriterPoolFor(size)
	if v := pool.Get(); v != nil {
		bw := v.(*bufio.Writer)
		bw.Reset(w)
		return bw
	}
	return bufio.NewWriterSize(w, size)
}

func putBufioWriter(bw *bufio.Writer) {
	bw.Reset(nil)
	bufioWriterPoolFor(bufferBeforeChunkingSize).Put(bw)
}
