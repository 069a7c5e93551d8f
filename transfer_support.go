/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

package engine

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/vanterhall/httpengine/hdr"
)

// Header field names used throughout transfer handling as bare
// identifiers, mirroring hdr's canonical spellings.
const (
	ContentLength    = hdr.ContentLength
	TransferEncoding = hdr.TransferEncoding
	Trailer          = hdr.Trailer
	Connection       = hdr.Connection
	ContentType      = hdr.ContentType
	Date             = hdr.Date
)

// isSet reports whether b has been set true.
func (b *atomicBool) isSet() bool { return atomic.LoadInt32((*int32)(b)) != 0 }

// setTrue sets b true.
func (b *atomicBool) setTrue() { atomic.StoreInt32((*int32)(b), 1) }

// foreachHeaderElement splits v on commas, trims OWS from each element,
// and calls fn with every non-empty element.
func foreachHeaderElement(v string, fn func(string)) {
	v = trimOWS(v)
	if v == "" {
		return
	}
	for _, f := range splitComma(v) {
		if f = trimOWS(f); f != "" {
			fn(f)
		}
	}
}

func splitComma(v string) []string {
	var out []string
	for {
		comma := indexByte(v, ',')
		if comma == -1 {
			out = append(out, v)
			return out
		}
		out = append(out, v[:comma])
		v = v[comma+1:]
	}
}

func indexByte(s string, c byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == c {
			return i
		}
	}
	return -1
}

// hasToken reports whether v, a comma-separated header value, contains
// token (case-insensitively), matching the single-value case headerValueContainsToken handles.
func hasToken(v, token string) bool {
	if token == "" {
		return false
	}
	return headerValueContainsToken(v, token)
}

// equal reports whether a and b hold the same bytes.
func equal(a, b []byte) bool { return bytes.Equal(a, b) }

// index returns the position of t in s, or -1 if absent.
func index(s []byte, t byte) int { return bytes.IndexByte(s, t) }

// appendTime appends t, formatted per RFC 7231's IMF-fixdate, to b.
func appendTime(b []byte, t time.Time) []byte {
	return t.UTC().AppendFormat(b, hdr.TimeFormat)
}

// writeStatusLine writes the response status line ("HTTP/1.1 200 OK\r\n")
// to bw, using scratch to format the status code without allocating.
func writeStatusLine(bw *bufio.Writer, is11 bool, code int, scratch []byte) {
	if is11 {
		bw.WriteString("HTTP/1.1 ")
	} else {
		bw.WriteString("HTTP/1.0 ")
	}
	if text, ok := statusText[code]; ok {
		bw.Write(strconv.AppendInt(scratch[:0], int64(code), 10))
		bw.WriteByte(' ')
		bw.WriteString(text)
		bw.WriteString("\r\n")
	} else {
		fmt.Fprintf(bw, "%03d status code %d\r\n", code, code)
	}
}

// srcIsRegularFile reports whether src is backed by a regular file,
// unwrapping an io.LimitedReader to inspect its underlying reader, so
// ReadFrom can decide whether the sendfile fast path applies.
func srcIsRegularFile(src io.Reader) (regular bool, err error) {
	switch v := src.(type) {
	case *os.File:
		fi, err := v.Stat()
		if err != nil {
			return false, err
		}
		return fi.Mode().IsRegular(), nil
	case *io.LimitedReader:
		return srcIsRegularFile(v.R)
	default:
		return false, nil
	}
}

// fixTransferEncoding sanitizes t's Transfer-Encoding header, rejecting
// any coding other than "chunked" or "identity" (an "identity" coding
// ends the scan of its field) and dropping any Content-Length once
// chunked framing applies (RFC 7230 3.3.3).
func (t *transferReader) fixTransferEncoding() error {
	raw, present := t.Header[TransferEncoding]
	if !present {
		return nil
	}
	delete(t.Header, TransferEncoding)

	// Transfer-Encoding is meaningless on HTTP/1.0 messages.
	if t.ProtoMajor < 1 || (t.ProtoMajor == 1 && t.ProtoMinor < 1) {
		return nil
	}

	te := make([]string, 0, 1)
	for _, field := range raw {
		for _, part := range splitComma(field) {
			coding := lowerASCIIString(trimOWS(part))
			if coding == DoIdentity {
				break
			}
			if coding != DoChunked {
				return &badStringError{"unsupported transfer encoding", coding}
			}
			te = te[:0]
			te = append(te, coding)
		}
	}
	if len(te) > 1 {
		return &badStringError{"too many transfer encodings", raw[0]}
	}
	if len(te) > 0 {
		delete(t.Header, ContentLength)
		t.TransferEncoding = te
	}
	return nil
}

func lowerASCIIString(s string) string {
	out := make([]byte, len(s))
	for i := 0; i < len(s); i++ {
		out[i] = lowerASCII(s[i])
	}
	return string(out)
}

// shouldSendContentLength reports whether a Content-Length header was
// already committed for this message, so callers don't also emit one
// via the "flush a zero Content-Length at finish" path.
func (t *transferWriter) shouldSendContentLength() bool {
	if chunked(t.TransferEncoding) {
		return false
	}
	if t.ContentLength > 0 {
		return true
	}
	if t.ContentLength < 0 {
		return false
	}
	// Many servers expect a Content-Length for these methods.
	if t.Method == POST || t.Method == PUT || t.Method == PATCH {
		return true
	}
	if t.ContentLength == 0 && isIdentity(t.TransferEncoding) {
		if t.Method == GET || t.Method == HEAD {
			return false
		}
		return true
	}
	return false
}
