/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

// Package sniff implements the content-sniffing algorithm described in
// https://mimesniff.spec.whatwg.org/, used to guess a body's MIME type
// when a handler didn't set one explicitly.
package sniff

import "bytes"

// sniffLen is the number of leading bytes examined; the algorithm
// never needs more.
const sniffLen = 512

// sniffSig matches a byte slice against a signature, returning the
// matched content type or "" on no match. firstNonWS is the offset of
// the first non-whitespace, non-BOM byte, needed by the HTML and text
// signatures.
type sniffSig interface {
	match(data []byte, firstNonWS int) string
}

// Data matching the table in section 6.
var sniffSignatures = []sniffSig{
	htmlSig("<!DOCTYPE HTML"),
	htmlSig("<HTML"),
	htmlSig("<HEAD"),
	htmlSig("<SCRIPT"),
	htmlSig("<IFRAME"),
	htmlSig("<H1"),
	htmlSig("<DIV"),
	htmlSig("<FONT"),
	htmlSig("<TABLE"),
	htmlSig("<A"),
	htmlSig("<STYLE"),
	htmlSig("<TITLE"),
	htmlSig("<B"),
	htmlSig("<BODY"),
	htmlSig("<BR"),
	htmlSig("<P"),
	htmlSig("<!--"),
	&maskedSig{
		mask:   []byte("\xFF\xFF\xFF\xFF\xFF"),
		pat:    []byte("<?xml"),
		skipWS: true,
		ct:     "text/xml; charset=utf-8",
	},
	&exactSig{sig: []byte("%PDF-"), ct: "application/pdf"},
	&exactSig{sig: []byte("%!PS-Adobe-"), ct: "application/postscript"},

	// UTF BOMs.
	&maskedSig{
		mask: []byte("\xFF\xFF\x00\x00"),
		pat:  []byte("\xFE\xFF\x00\x00"),
		ct:   "text/plain; charset=utf-16be",
	},
	&maskedSig{
		mask: []byte("\xFF\xFF\x00\x00"),
		pat:  []byte("\xFF\xFE\x00\x00"),
		ct:   "text/plain; charset=utf-16le",
	},
	&maskedSig{
		mask: []byte("\xFF\xFF\xFF\x00"),
		pat:  []byte("\xEF\xBB\xBF\x00"),
		ct:   "text/plain; charset=utf-8",
	},

	&exactSig{sig: []byte("GIF87a"), ct: "image/gif"},
	&exactSig{sig: []byte("GIF89a"), ct: "image/gif"},
	&exactSig{sig: []byte("\x89PNG\x0D\x0A\x1A\x0A"), ct: "image/png"},
	&exactSig{sig: []byte("\xFF\xD8\xFF"), ct: "image/jpeg"},
	&exactSig{sig: []byte("BM"), ct: "image/bmp"},
	&maskedSig{
		mask: []byte("\xFF\xFF\xFF\xFF\x00\x00\x00\x00\xFF\xFF\xFF\xFF\xFF\xFF"),
		pat:  []byte("RIFF\x00\x00\x00\x00WEBPVP"),
		ct:   "image/webp",
	},
	&exactSig{sig: []byte("\x00\x00\x01\x00"), ct: "image/vnd.microsoft.icon"},
	&exactSig{sig: []byte("\x4F\x67\x67\x53\x00"), ct: "application/ogg"},
	&maskedSig{
		mask: []byte("\xFF\xFF\xFF\xFF\x00\x00\x00\x00\xFF\xFF\xFF\xFF"),
		pat:  []byte("RIFF\x00\x00\x00\x00WAVE"),
		ct:   "audio/wave",
	},
	&exactSig{sig: []byte("\x1A\x45\xDF\xA3"), ct: "video/webm"},
	&exactSig{sig: []byte("\x52\x61\x72\x20\x1A\x07\x00"), ct: "application/x-rar-compressed"},
	&exactSig{sig: []byte("\x50\x4B\x03\x04"), ct: "application/zip"},
	&exactSig{sig: []byte("\x1F\x8B\x08"), ct: "application/x-gzip"},

	// MP3 without ID3, starting with MPEG audio frame header.
	&mp3Sig{},
	&exactSig{sig: []byte("ID3"), ct: "audio/mpeg"},

	mp4Sig{},

	textSig{}, // should be last
}

// exactSig and textSig's match methods live in exact_sig.go and
// text_sig.go; only their type declarations belong here.
type exactSig struct {
	sig []byte
	ct  string
}

type maskedSig struct {
	mask, pat []byte
	skipWS    bool
	ct        string
}

func (m *maskedSig) match(data []byte, firstNonWS int) string {
	if m.skipWS {
		data = data[firstNonWS:]
	}
	if len(data) < len(m.mask) {
		return ""
	}
	for i, mask := range m.mask {
		db := data[i] & mask
		if db != m.pat[i] {
			return ""
		}
	}
	return m.ct
}

type htmlSig []byte

func (h htmlSig) match(data []byte, firstNonWS int) string {
	data = data[firstNonWS:]
	if len(data) < len(h)+1 {
		return ""
	}
	for i, b := range h {
		db := data[i]
		if 'A' <= b && b <= 'Z' {
			db &= 0xDF
		}
		if b != db {
			return ""
		}
	}
	if db := data[len(h)]; db != ' ' && db != '>' {
		return ""
	}
	return "text/html; charset=utf-8"
}

type mp4Sig struct{}

func (mp4Sig) match(data []byte, firstNonWS int) string {
	if len(data) < 8 {
		return ""
	}
	boxSize := int(data[0])<<24 | int(data[1])<<16 | int(data[2])<<8 | int(data[3])
	if len(data) < boxSize || boxSize%4 != 0 {
		return ""
	}
	if !bytes.Equal(data[4:8], []byte("ftyp")) {
		return ""
	}
	for st := 8; st < boxSize; st += 4 {
		if st == 12 {
			continue
		}
		if bytes.Equal(data[st:st+3], []byte("mp4")) {
			return "video/mp4"
		}
	}
	return ""
}

type mp3Sig struct{}

func (mp3Sig) match(data []byte, firstNonWS int) string {
	_, ok := mp3SniffFrameHeader(data)
	if !ok {
		return ""
	}
	return "audio/mpeg"
}

// mp3SniffFrameHeader reports whether data begins with a well-formed
// MPEG audio frame header, and its byte length if so.
func mp3SniffFrameHeader(data []byte) (n int, ok bool) {
	if len(data) < 4 {
		return 0, false
	}
	if data[0] != 0xFF || data[1]&0xE0 != 0xE0 {
		return 0, false
	}
	version := (data[1] >> 3) & 0x3
	layer := (data[1] >> 1) & 0x3
	if version == 1 || layer == 0 {
		return 0, false
	}
	bitrate := (data[2] >> 4) & 0xF
	if bitrate == 0xF {
		return 0, false
	}
	sampleRate := (data[2] >> 2) & 0x3
	if sampleRate == 0x3 {
		return 0, false
	}
	return 4, true
}

type textSig struct{}

// DetectContentType implements the algorithm described at
// https://mimesniff.spec.whatwg.org/#reading-the-resource-header, with
// the encoding-sniffing seam removed; this package always treats data
// as byte content rather than a decoded text stream.
func DetectContentType(data []byte) string {
	if len(data) > sniffLen {
		data = data[:sniffLen]
	}

	firstNonWS := 0
	for ; firstNonWS < len(data) && isWS(data[firstNonWS]); firstNonWS++ {
	}

	for _, sig := range sniffSignatures {
		if ct := sig.match(data, firstNonWS); ct != "" {
			return ct
		}
	}

	return "application/octet-stream" // fallback
}

// isWS reports whether the provided byte is a whitespace byte (0xWS)
// per section 5.
func isWS(b byte) bool {
	switch b {
	case '\t', '\n', '\x0c', '\r', ' ':
		return true
	}
	return false
}
