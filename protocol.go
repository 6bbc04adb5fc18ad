// Copyright 2024 Matt Schultz <schultz@sent.com>. All rights reserved.
// Use of this source code is governed by an ISC license that can be found in the LICENSE file.

package a2s

import "errors"

const (
	// RequestHeaderRules is the message type byte of a client A2S_RULES request. It follows the
	// single packet prefix and precedes the challenge number.
	RequestHeaderRules = 0x56

	// ResponseHeaderRules is the message type byte that begins every logical rules response.
	ResponseHeaderRules = 0x45

	// ResponseHeaderChallenge is the message type byte of a server challenge response. It is
	// followed by the four byte challenge number the client must echo in its next request.
	ResponseHeaderChallenge = 0x41
)

// Escape bytes used to stuff reserved values inside null terminated rule values.
const (
	escapeMarker = 0x01
	escapedSelf  = 0x01 // 0x01 0x01 => 0x01
	escapedNull  = 0x02 // 0x01 0x02 => 0x00
	escapedFF    = 0x03 // 0x01 0x03 => 0xFF
)

var (
	// ErrInvalidResponse is returned when a buffer handed to the decoder does not begin with
	// [ResponseHeaderRules].
	ErrInvalidResponse = errors.New("a2s: invalid response")

	// ErrTruncated is returned when a read runs past the end of the available bytes, whether in the
	// rule list itself or in the hidden mod table.
	ErrTruncated = errors.New("a2s: truncated response")
)

// Unescape reverses the byte stuffing applied to rule values. The pairs 0x01 0x01, 0x01 0x02, and
// 0x01 0x03 decode to 0x01, 0x00, and 0xFF respectively. A 0x01 followed by any other byte is not an
// escape and is emitted as is, and a lone 0x01 at the end of the input is dropped.
func Unescape(b []byte) []byte {
	out := make([]byte, 0, len(b))
	for i := 0; i < len(b); i++ {
		c := b[i]
		if c != escapeMarker {
			out = append(out, c)
			continue
		}
		if i+1 == len(b) {
			break
		}
		switch b[i+1] {
		case escapedSelf:
			out = append(out, 0x01)
		case escapedNull:
			out = append(out, 0x00)
		case escapedFF:
			out = append(out, 0xFF)
		default:
			out = append(out, c)
			continue
		}
		i++
	}
	return out
}

// Escape applies the byte stuffing undone by [Unescape], so that the result contains no 0x00 or 0xFF
// bytes and every 0x01 begins an escape pair. For every b, Unescape(Escape(b)) equals b.
func Escape(b []byte) []byte {
	out := make([]byte, 0, len(b))
	for _, c := range b {
		switch c {
		case 0x00:
			out = append(out, escapeMarker, escapedNull)
		case 0x01:
			out = append(out, escapeMarker, escapedSelf)
		case 0xFF:
			out = append(out, escapeMarker, escapedFF)
		default:
			out = append(out, c)
		}
	}
	return out
}

// IsModCarrier reports whether a rule entry with the given name is a fragment of the hidden mod
// table rather than a real rule. Carrier names are exactly two bytes holding a fragment index and
// the total fragment count, where the count must equal numModRules and the index must not exceed it.
func IsModCarrier(name []byte, numModRules byte) bool {
	return len(name) == 2 && name[1] == numModRules && name[0] <= numModRules
}
