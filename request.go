/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

package engine

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/vanterhall/httpengine/hdr"
	"github.com/vanterhall/httpengine/url"
)

// Header is the bare name the transfer-encoding and trailer helpers
// (utils_transfer.go) use for hdr.Header, matching how this package's
// exported Request/Response fields are typed.
type Header = hdr.Header

func (e *badStringError) Error() string { return e.what + " " + strconv.Quote(e.str) }

func (e badRequestError) Error() string { return "malformed HTTP request: " + string(e) }

// ProtoAtLeast reports whether the HTTP protocol used in the request is at
// least major.minor.
func (r *Request) ProtoAtLeast(major, minor int) bool {
	return r.ProtoMajor > major ||
		r.ProtoMajor == major && r.ProtoMinor >= minor
}

// wantsHttp10KeepAlive reports whether the request explicitly asked an
// HTTP/1.0 connection to be kept alive.
func (r *Request) wantsHttp10KeepAlive() bool {
	if r.ProtoMajor != 1 || r.ProtoMinor != 0 {
		return false
	}
	return headerValueContainsToken(r.Header.Get(hdr.Connection), "keep-alive")
}

// wantsClose reports whether the request (or its Connection header) asked
// for the connection to be closed after the response.
func (r *Request) wantsClose() bool {
	if r.Close {
		return true
	}
	return headerValueContainsToken(r.Header.Get(hdr.Connection), "close")
}

// ExpectsContinue reports whether the request carries "Expect:
// 100-continue".
func (r *Request) ExpectsContinue() bool {
	return headerValueContainsToken(r.Header.Get(hdr.Expect), "100-continue")
}

// ParseHTTPVersion parses an HTTP version string ("HTTP/1.1") into
// (major, minor, ok).
func ParseHTTPVersion(vers string) (major, minor int, ok bool) {
	switch vers {
	case "HTTP/1.1":
		return 1, 1, true
	case "HTTP/1.0":
		return 1, 0, true
	}
	if !strings.HasPrefix(vers, "HTTP/") {
		return 0, 0, false
	}
	dot := strings.Index(vers, ".")
	if dot < 0 {
		return 0, 0, false
	}
	const maxDigits = 1000000
	major, err := strconv.Atoi(vers[len("HTTP/"):dot])
	if err != nil || major < 0 || major > maxDigits {
		return 0, 0, false
	}
	minor, err = strconv.Atoi(vers[dot+1:])
	if err != nil || minor < 0 || minor > maxDigits {
		return 0, 0, false
	}
	return major, minor, true
}

func byteIndex(s string, c byte) int { return strings.IndexByte(s, c) }

// http1ServerSupportsRequest reports whether this package's HTTP/1.x server
// can serve req: HTTP/0.9 and versions beyond the 1.x line are rejected.
func http1ServerSupportsRequest(req *Request) bool {
	if req.ProtoMajor == 1 {
		return true
	}
	return false
}

// numLeadingCRorLF reports the number of leading CR/LF bytes, per RFC 7230
// §3.5's tolerance for a stray blank line before a request line.
func numLeadingCRorLF(v []byte) (n int) {
	for _, b := range v {
		if b == '\r' || b == '\n' {
			n++
			continue
		}
		break
	}
	return
}

// readRequest reads and parses an incoming HTTP request's request-line and
// headers from b, wiring its body via readTransferRequest. deleteHostHeader
// mirrors stdlib's ReadRequest flag of the same name but is not read:
// either way the Host header stays in req.Header and, when the URL has no
// host, is copied into req.Host. The caller (conn.readRequest) deletes it
// from req.Header afterwards.
func readRequest(b *bufio.Reader, deleteHostHeader bool) (*Request, error) {
	tp := hdr.NewHeaderReader(b)
	req := &Request{}

	line, err := tp.ReadLine()
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil && err != io.EOF {
			// best-effort: nothing further to recover server-side.
		}
	}()

	var ok bool
	req.Method, req.RequestURI, req.Proto, ok = parseRequestLine(line)
	if !ok {
		return nil, &badStringError{"malformed HTTP request", line}
	}
	if !validMethod(req.Method) {
		return nil, &badStringError{"invalid method", req.Method}
	}
	rawurl := req.RequestURI
	if req.ProtoMajor, req.ProtoMinor, ok = ParseHTTPVersion(req.Proto); !ok {
		return nil, &badStringError{"malformed HTTP version", req.Proto}
	}

	justAuthority := req.Method == CONNECT && !strings.HasPrefix(rawurl, "/")
	if justAuthority {
		rawurl = "http://" + rawurl
	}
	if req.URL, err = url.ParseRequestURI(rawurl); err != nil {
		return nil, err
	}
	if justAuthority {
		req.URL.Scheme = ""
	}

	mimeHeader, err := tp.ReadHeader()
	if err != nil {
		return nil, err
	}
	req.Header = hdr.Header(mimeHeader)

	if len(req.Header[hdr.Host]) > 1 {
		return nil, fmt.Errorf("too many Host headers")
	}

	req.Host = req.URL.Host
	if req.Host == "" {
		req.Host = req.Header.Get(hdr.Host)
	}
	if !deleteHostHeader {
		// kept for symmetry with stdlib's ReadRequest signature; the
		// caller (conn.readRequest) always removes Host itself.
	}

	fixPragmaCacheControl(req.Header)

	req.Close = shouldClose(req.ProtoMajor, req.ProtoMinor, req.Header, false)

	err = readTransferRequest(req, b)
	if err != nil {
		return nil, err
	}

	return req, nil
}

func parseRequestLine(line string) (method, requestURI, proto string, ok bool) {
	s1 := strings.IndexByte(line, ' ')
	s2 := strings.IndexByte(line[s1+1:], ' ')
	if s1 < 0 || s2 < 0 {
		return
	}
	s2 += s1 + 1
	return line[:s1], line[s1+1 : s2], line[s2+1:], true
}

func validMethod(method string) bool {
	if method == "" {
		return false
	}
	for i := 0; i < len(method); i++ {
		if !hdr.IsTokenRune(rune(method[i])) {
			return false
		}
	}
	return true
}
