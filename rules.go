// Copyright 2024 Matt Schultz <schultz@sent.com>. All rights reserved.
// Use of this source code is governed by an ISC license that can be found in the LICENSE file.

package a2s

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"unicode/utf8"
)

// Sizes of the opaque regions of the hidden mod table.
const (
	modTableHeaderSize  = 5
	modRecordHeaderSize = 5
)

// Rule is a single entry of a rules response. It is either a [Regular] server variable or a [Mod]
// reconstructed from the hidden mod table.
type Rule interface {
	isRule()
}

// Regular is an ordinary server configuration variable.
type Regular struct {
	Name  string
	Value string
}

// Mod is a single installed modification recovered from the hidden mod table.
type Mod struct {
	ID   uint32
	Name string
}

func (Regular) isRule() {}
func (Mod) isRule()     {}

// MarshalJSON satisfies the [json.Marshaler] interface, tagging the output with its rule type.
func (r Regular) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type  string `json:"type"`
		Name  string `json:"name"`
		Value string `json:"value"`
	}{"regular", r.Name, r.Value})
}

// MarshalJSON satisfies the [json.Marshaler] interface, tagging the output with its rule type.
func (m Mod) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type string `json:"type"`
		ID   uint32 `json:"id"`
		Name string `json:"name"`
	}{"mod", m.ID, m.Name})
}

// Rules is an ordered list of rules as carried by a rules response.
type Rules []Rule

// DecodeRules decodes a logical rules response, one that has already had its packet framing removed
// and begins with [ResponseHeaderRules]. Regular rules are returned in wire order, followed by any
// mods recovered from carrier entries. Bytes following the last entry are ignored.
//
// A buffer that does not begin with [ResponseHeaderRules] fails with [ErrInvalidResponse], and any
// read past the end of the buffer fails with [ErrTruncated]. No rules are returned on failure.
func DecodeRules(b []byte) (Rules, error) {
	p := ruleParser{r: byteReader{b: b}}
	return p.parse()
}

// ruleParser holds the state of a single decode. The mod table constants are taken from the first
// entry and stay fixed for the rest of the response.
type ruleParser struct {
	r           byteReader
	numMods     byte
	numModRules byte
	carriers    int
	modBytes    []byte
}

func (p *ruleParser) parse() (Rules, error) {
	header, err := p.r.readUint8()
	if err != nil {
		return nil, fmt.Errorf("%w: reading header", err)
	}
	if header != ResponseHeaderRules {
		return nil, ErrInvalidResponse
	}

	count, err := p.r.readUint16()
	if err != nil {
		return nil, fmt.Errorf("%w: reading rule count", err)
	}

	rules := make(Rules, 0, count)
	for i := 0; i < int(count); i++ {
		name, err := p.r.readCString()
		if err != nil {
			return nil, fmt.Errorf("%w: reading name of rule %d", err, i)
		}
		raw, err := p.r.readCString()
		if err != nil {
			return nil, fmt.Errorf("%w: reading value of rule %d", err, i)
		}
		value := Unescape(raw)

		if i == 0 {
			if len(value) > 4 {
				p.numMods = value[4]
			}
			if len(name) > 1 {
				p.numModRules = name[1]
			}
		}

		// The first entry goes through the same test as every other entry.
		if IsModCarrier(name, p.numModRules) {
			p.carriers++
			p.modBytes = append(p.modBytes, value...)
			continue
		}
		rules = append(rules, Regular{Name: lossyString(name), Value: lossyString(value)})
	}

	// Without carriers the constants are just bytes of an ordinary first rule.
	if p.carriers == 0 {
		return rules, nil
	}
	mods, err := parseMods(p.modBytes, p.numMods)
	if err != nil {
		return nil, err
	}
	return append(rules, mods...), nil
}

// parseMods reads n mod records out of a reassembled mod table. The table begins with a five byte
// header and every record begins with five more bytes, none of which carry anything this package
// understands.
func parseMods(b []byte, n byte) ([]Rule, error) {
	if n == 0 {
		return nil, nil
	}

	r := byteReader{b: b}
	if err := r.skip(modTableHeaderSize); err != nil {
		return nil, fmt.Errorf("%w: reading mod table header", err)
	}

	mods := make([]Rule, 0, n)
	for i := 0; i < int(n); i++ {
		if err := r.skip(modRecordHeaderSize); err != nil {
			return nil, fmt.Errorf("%w: reading header of mod %d", err, i)
		}
		id, err := r.readUint32()
		if err != nil {
			return nil, fmt.Errorf("%w: reading id of mod %d", err, i)
		}
		nameLen, err := r.readUint8()
		if err != nil {
			return nil, fmt.Errorf("%w: reading name length of mod %d", err, i)
		}
		name, err := r.readBytes(int(nameLen))
		if err != nil {
			return nil, fmt.Errorf("%w: reading name of mod %d", err, i)
		}
		mods = append(mods, Mod{ID: id, Name: lossyString(name)})
	}
	return mods, nil
}

// EncodeRules encodes rules into a logical rules response suitable for [DecodeRules]. Regular rules
// are written as a null terminated name and value. Mods are written as a null terminated name
// followed by the four little endian bytes of their ID, without any escaping or carrier entries, so
// decoding a list that contains mods will not reproduce those mods. Only lists of regular rules whose
// names and values hold no null bytes survive a round trip.
//
// The count field is 16 bits wide, so only the first [math.MaxUint16] rules are encoded.
func EncodeRules(rules []Rule) []byte {
	if len(rules) > math.MaxUint16 {
		rules = rules[:math.MaxUint16]
	}

	b := make([]byte, 0, 3+16*len(rules))
	b = append(b, ResponseHeaderRules)
	b = binary.LittleEndian.AppendUint16(b, uint16(len(rules)))
	for _, rule := range rules {
		switch rule := rule.(type) {
		case Regular:
			b = append(b, rule.Name...)
			b = append(b, 0)
			b = append(b, rule.Value...)
			b = append(b, 0)
		case Mod:
			b = append(b, rule.Name...)
			b = append(b, 0)
			b = binary.LittleEndian.AppendUint32(b, rule.ID)
		}
	}
	return b
}

// MarshalBinary encodes the receiving [Rules] with [EncodeRules]. This satisfies the
// [encoding.BinaryMarshaler] interface and never fails.
func (rs Rules) MarshalBinary() ([]byte, error) {
	return EncodeRules(rs), nil
}

// WriteTo writes the encoded form of the receiving [Rules] to [io.Writer] w. This method satisfies the
// [io.WriterTo] interface.
func (rs Rules) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write(EncodeRules(rs))
	return int64(n), err
}

// UnmarshalBinary decodes b with [DecodeRules] into the receiving [Rules]. This satisfies the
// [encoding.BinaryUnmarshaler] interface. The receiver is left untouched on failure.
func (rs *Rules) UnmarshalBinary(b []byte) error {
	decoded, err := DecodeRules(b)
	if err != nil {
		return err
	}
	*rs = decoded
	return nil
}

// lossyString converts b to a string, replacing each maximal run of bytes that starts a valid UTF-8
// sequence but does not complete it with a single [utf8.RuneError]. Any other invalid byte is
// replaced on its own.
func lossyString(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	out := make([]rune, 0, len(b))
	for len(b) > 0 {
		r, size := utf8.DecodeRune(b)
		if r == utf8.RuneError && size == 1 {
			size = invalidSequenceLen(b)
		}
		out = append(out, r)
		b = b[size:]
	}
	return string(out)
}

// invalidSequenceLen returns the length of the incomplete UTF-8 sequence at the start of b, which
// holds at least one byte and does not begin with a valid encoding.
func invalidSequenceLen(b []byte) int {
	// The range of the first continuation byte depends on the lead byte; later ones are 0x80-0xBF.
	lo, hi := byte(0x80), byte(0xBF)
	var need int
	switch c := b[0]; {
	case c >= 0xC2 && c <= 0xDF:
		need = 1
	case c == 0xE0:
		need, lo = 2, 0xA0
	case c == 0xED:
		need, hi = 2, 0x9F
	case c >= 0xE1 && c <= 0xEF:
		need = 2
	case c == 0xF0:
		need, lo = 3, 0x90
	case c == 0xF4:
		need, hi = 3, 0x8F
	case c >= 0xF1 && c <= 0xF3:
		need = 3
	default:
		return 1
	}

	n := 1
	for n <= need && n < len(b) && b[n] >= lo && b[n] <= hi {
		n++
		lo, hi = 0x80, 0xBF
	}
	return n
}
