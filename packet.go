// Copyright 2024 Matt Schultz <schultz@sent.com>. All rights reserved.
// Use of this source code is governed by an ISC license that can be found in the LICENSE file.

package a2s

import (
	"bytes"
	"compress/bzip2"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
)

const (
	// PacketHeaderSingle prefixes every request and every response that fits in a single packet.
	PacketHeaderSingle int32 = -1

	// PacketHeaderSplit prefixes each fragment of a response that was split across several packets.
	PacketHeaderSplit int32 = -2
)

// DefaultMaxPacketSize is the largest packet a [Server] sends before splitting a response. It matches
// the packet size used by Source servers.
const DefaultMaxPacketSize = 1400

// splitHeaderSize is the size of the fixed part of a split packet: the split header, the response ID,
// the fragment count, the fragment number, and the maximum packet size.
const splitHeaderSize = 4 + 4 + 1 + 1 + 2

// splitCompressedFlag is set on the response ID of split responses whose payload is bzip2
// compressed.
const splitCompressedFlag = 1 << 31

var (
	// ErrInvalidPacket is returned when a packet has an unknown header or a malformed split header.
	ErrInvalidPacket = errors.New("a2s: invalid packet")

	// ErrMismatchedPacket is returned when a split packet does not belong to the response being
	// reassembled.
	ErrMismatchedPacket = errors.New("a2s: mismatched split packet")

	// ErrDecompress is returned when a compressed split response fails to decompress or does not
	// match its advertised size and checksum.
	ErrDecompress = errors.New("a2s: decompression failed")
)

var singlePacketPrefix = []byte{0xFF, 0xFF, 0xFF, 0xFF}

// rulesRequest is an A2S_RULES request without its trailing challenge number.
var rulesRequest = []byte{0xFF, 0xFF, 0xFF, 0xFF, RequestHeaderRules}

// initialChallenge is sent with a request before the server has issued a challenge.
var initialChallenge = []byte{0xFF, 0xFF, 0xFF, 0xFF}

// packetHeader returns the leading header of packet b.
func packetHeader(b []byte) (int32, error) {
	if len(b) < 4 {
		return 0, fmt.Errorf("%w: packet too short", ErrInvalidPacket)
	}
	return int32(binary.LittleEndian.Uint32(b)), nil
}

// splitPacket is a single fragment of a split response.
type splitPacket struct {
	ID     uint32
	Total  byte
	Number byte
	Size   uint16

	// DecompressedSize and Checksum are only present on the first fragment of a compressed response.
	DecompressedSize uint32
	Checksum         uint32

	Payload []byte
}

func (p splitPacket) compressed() bool {
	return p.ID&splitCompressedFlag != 0
}

// parseSplitPacket decodes a split packet, including its leading [PacketHeaderSplit].
func parseSplitPacket(b []byte) (splitPacket, error) {
	var p splitPacket
	if len(b) < splitHeaderSize {
		return p, fmt.Errorf("%w: split packet too short", ErrInvalidPacket)
	}
	if int32(binary.LittleEndian.Uint32(b)) != PacketHeaderSplit {
		return p, fmt.Errorf("%w: not a split packet", ErrInvalidPacket)
	}
	p.ID = binary.LittleEndian.Uint32(b[4:8])
	p.Total = b[8]
	p.Number = b[9]
	p.Size = binary.LittleEndian.Uint16(b[10:12])
	b = b[splitHeaderSize:]

	if p.Total == 0 || p.Number >= p.Total {
		return p, fmt.Errorf("%w: fragment %d of %d", ErrInvalidPacket, p.Number, p.Total)
	}

	if p.compressed() && p.Number == 0 {
		if len(b) < 8 {
			return p, fmt.Errorf("%w: compressed split packet too short", ErrInvalidPacket)
		}
		p.DecompressedSize = binary.LittleEndian.Uint32(b[0:4])
		p.Checksum = binary.LittleEndian.Uint32(b[4:8])
		b = b[8:]
	}

	p.Payload = bytes.Clone(b)
	return p, nil
}

// encodeSplitPackets splits payload into uncompressed split packets no larger than maxPacketSize.
func encodeSplitPackets(id uint32, payload []byte, maxPacketSize int) ([][]byte, error) {
	chunk := maxPacketSize - splitHeaderSize
	if chunk <= 0 {
		return nil, fmt.Errorf("%w: maximum packet size %d too small", ErrInvalidPacket, maxPacketSize)
	}
	total := (len(payload) + chunk - 1) / chunk
	if total > 0xFF {
		return nil, fmt.Errorf("%w: response needs %d packets", ErrInvalidPacket, total)
	}

	id &^= splitCompressedFlag
	packets := make([][]byte, 0, total)
	for i := 0; i < total; i++ {
		end := min((i+1)*chunk, len(payload))
		p := make([]byte, 0, splitHeaderSize+end-i*chunk)
		p = append(p, 0xFE, 0xFF, 0xFF, 0xFF)
		p = binary.LittleEndian.AppendUint32(p, id)
		p = append(p, byte(total), byte(i))
		p = binary.LittleEndian.AppendUint16(p, uint16(maxPacketSize))
		p = append(p, payload[i*chunk:end]...)
		packets = append(packets, p)
	}
	return packets, nil
}

// packetAssembler collects the fragments of a single split response, which may arrive in any order.
type packetAssembler struct {
	started   bool
	id        uint32
	fragments [][]byte
	received  int

	decompressedSize uint32
	checksum         uint32
}

// add records fragment p. Repeated fragments replace earlier copies.
func (a *packetAssembler) add(p splitPacket) error {
	if !a.started {
		a.started = true
		a.id = p.ID
		a.fragments = make([][]byte, p.Total)
	}
	if p.ID != a.id {
		return fmt.Errorf("%w: response ID %#x, expected %#x", ErrMismatchedPacket, p.ID, a.id)
	}
	if int(p.Total) != len(a.fragments) {
		return fmt.Errorf("%w: fragment count %d, expected %d", ErrMismatchedPacket, p.Total, len(a.fragments))
	}

	if a.fragments[p.Number] == nil {
		a.received++
	}
	a.fragments[p.Number] = p.Payload
	if p.compressed() && p.Number == 0 {
		a.decompressedSize = p.DecompressedSize
		a.checksum = p.Checksum
	}
	return nil
}

func (a *packetAssembler) complete() bool {
	return a.started && a.received == len(a.fragments)
}

// assemble joins the collected fragments, decompresses them when needed, and strips the single packet
// prefix that begins every reassembled response.
func (a *packetAssembler) assemble() ([]byte, error) {
	payload := bytes.Join(a.fragments, nil)

	if a.id&splitCompressedFlag != 0 {
		r := io.LimitReader(bzip2.NewReader(bytes.NewReader(payload)), int64(a.decompressedSize)+1)
		decompressed, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrDecompress, err)
		}
		if uint32(len(decompressed)) != a.decompressedSize {
			return nil, fmt.Errorf("%w: got %d bytes, expected %d", ErrDecompress, len(decompressed), a.decompressedSize)
		}
		if sum := crc32.ChecksumIEEE(decompressed); sum != a.checksum {
			return nil, fmt.Errorf("%w: checksum %#08x, expected %#08x", ErrDecompress, sum, a.checksum)
		}
		payload = decompressed
	}

	if !bytes.HasPrefix(payload, singlePacketPrefix) {
		return nil, fmt.Errorf("%w: reassembled response missing header", ErrInvalidPacket)
	}
	return payload[len(singlePacketPrefix):], nil
}
