/*
 * Copyright (c) 2018 The Go Authors. All rights reserved.
 * Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.
 */

package engine

import (
	"github.com/vanterhall/httpengine/hdr"
)

// CanonicalHeaderKey is the bare-identifier spelling of hdr's canonical
// header-key formatter, used throughout this package's transfer code.
func CanonicalHeaderKey(s string) string { return hdr.CanonicalHeaderKey(s) }
