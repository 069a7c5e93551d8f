/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

package hdr

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
)

// ReadLine reads a single line from R, stripping the trailing CRLF or LF.
func (r *HeaderReader) ReadLine() (string, error) {
	line, err := r.readLineSlice()
	return string(line), err
}

func (r *HeaderReader) readLineSlice() ([]byte, error) {
	line, err := r.R.ReadSlice('\n')
	if err != nil {
		if err == bufio.ErrBufferFull {
			copied := append([]byte(nil), line...)
			for err == bufio.ErrBufferFull {
				line, err = r.R.ReadSlice('\n')
				copied = append(copied, line...)
			}
			line = copied
		}
		if len(line) == 0 {
			if err == io.EOF {
				return nil, io.EOF
			}
			return nil, err
		}
		err = nil
	}
	n := len(line)
	if n > 0 && line[n-1] == '\n' {
		n--
		if n > 0 && line[n-1] == '\r' {
			n--
		}
	}
	return line[:n], nil
}

// ReadHeader reads header lines up to the blank line terminating a request
// or response, folding repeated keys into a single slice per RFC 7230
// §3.2.2. It does not support the obsolete line-folding syntax; a
// continuation line is treated as a malformed header.
func (r *HeaderReader) ReadHeader() (map[string][]string, error) {
	m := make(map[string][]string)
	for {
		kv, err := r.readLineSlice()
		if err != nil {
			return m, err
		}
		if len(kv) == 0 {
			return m, nil
		}
		if kv[0] == ' ' || kv[0] == '\t' {
			return m, fmt.Errorf("hdr: obsolete line folding is not supported: %q", kv)
		}
		i := bytes.IndexByte(kv, ':')
		if i < 0 {
			return m, fmt.Errorf("hdr: malformed header line: %q", kv)
		}
		key := CanonicalHeaderKey(string(trim(kv[:i])))
		if key == "" {
			continue
		}
		value := string(trim(kv[i+1:]))
		m[key] = append(m[key], value)
	}
}
