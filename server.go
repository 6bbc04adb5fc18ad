// Copyright 2024 Matt Schultz <schultz@sent.com>. All rights reserved.
// Use of this source code is governed by an ISC license that can be found in the LICENSE file.

package a2s

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"log/slog"
	"math/rand/v2"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// Server answers A2S_RULES queries with a fixed rule list. It is meant for tests and local
// development. Regular rules are served as they are, and [Mod] entries are hidden in a carrier entry
// the way game servers hide them, so [DecodeRules] recovers them after the regular rules.
//
// Servers are safe for concurrent use and may serve several packet connections at once.
type Server struct {
	// response is the encoded single packet response, including its packet header.
	response []byte

	// maxPacketSize is the largest packet sent before a response is split.
	maxPacketSize int

	// logger receives any log output from a server.
	logger *slog.Logger

	// splitID is the source of response IDs for split responses.
	splitID atomic.Uint32

	// mu controls concurrent access to challenges.
	mu sync.Mutex

	// challenges maps peer addresses to the challenge number issued to them.
	challenges map[string][4]byte
}

// maxChallenges bounds the number of peers a [Server] remembers challenges for. Once the limit is
// reached every issued challenge is forgotten and peers are challenged again.
const maxChallenges = 4096

// Limits of the mod table format, which stores the mod count and each name length in a single byte.
const (
	maxServedMods    = 0xFF
	maxServedModName = 0xFF
)

// encodeServedRules encodes rules into a logical rules response. Mods are gathered into a mod table
// that is escaped into a single carrier entry named {1, 1}. The carrier is written first, since the
// decoder takes the carrier count from the name of the first entry and the mod count from the fifth
// byte of its value. Mods past [maxServedMods] are dropped and mod names are cut to
// [maxServedModName] bytes.
func encodeServedRules(rules Rules) []byte {
	var regular []Rule
	var mods []Mod
	for _, rule := range rules {
		switch rule := rule.(type) {
		case Mod:
			mods = append(mods, rule)
		default:
			regular = append(regular, rule)
		}
	}
	if len(mods) == 0 {
		return EncodeRules(regular)
	}
	if len(mods) > maxServedMods {
		mods = mods[:maxServedMods]
	}

	table := make([]byte, modTableHeaderSize, modTableHeaderSize+len(mods)*16)
	table[4] = byte(len(mods))
	for _, m := range mods {
		name := m.Name
		if len(name) > maxServedModName {
			name = name[:maxServedModName]
		}
		table = append(table, make([]byte, modRecordHeaderSize)...)
		table = binary.LittleEndian.AppendUint32(table, m.ID)
		table = append(table, byte(len(name)))
		table = append(table, name...)
	}

	carrier := Regular{Name: "\x01\x01", Value: string(Escape(table))}
	return EncodeRules(append([]Rule{carrier}, regular...))
}

// NewServer creates and returns a [Server] configured by the provided config.
func NewServer(config ServerConfig) *Server {
	s := &Server{
		response:      append(bytes.Clone(singlePacketPrefix), encodeServedRules(config.Rules)...),
		maxPacketSize: config.MaxPacketSize,
		logger:        config.Logger,
		challenges:    make(map[string][4]byte),
	}
	if s.maxPacketSize <= splitHeaderSize {
		s.maxPacketSize = DefaultMaxPacketSize
	}
	return s
}

// Serve reads requests from pc and answers them until ctx is done or pc fails. It returns nil once
// ctx is done.
func (s *Server) Serve(ctx context.Context, pc net.PacketConn) error {
	stop := context.AfterFunc(ctx, func() {
		_ = pc.SetReadDeadline(time.Now())
	})
	defer stop()

	buf := make([]byte, maxDatagramSize)
	for {
		n, addr, err := pc.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return err
		}
		s.handle(ctx, pc, addr, buf[:n])
	}
}

// handle answers a single request packet. Anything other than a rules request is ignored.
func (s *Server) handle(ctx context.Context, pc net.PacketConn, addr net.Addr, packet []byte) {
	s.logPacket(ctx, "received packet", addr, packet)

	if len(packet) < len(rulesRequest)+4 || !bytes.HasPrefix(packet, rulesRequest) {
		s.log(ctx, slog.LevelWarn, "ignoring unknown request", addr)
		return
	}
	var challenge [4]byte
	copy(challenge[:], packet[len(rulesRequest):])

	issued, ok := s.challenge(addr, challenge)
	if !ok {
		resp := append([]byte{0xFF, 0xFF, 0xFF, 0xFF, ResponseHeaderChallenge}, issued[:]...)
		s.send(ctx, pc, addr, resp)
		return
	}

	if len(s.response) <= s.maxPacketSize {
		s.send(ctx, pc, addr, s.response)
		return
	}
	packets, err := encodeSplitPackets(s.splitID.Add(1), s.response, s.maxPacketSize)
	if err != nil {
		s.log(ctx, slog.LevelError, "failed to split response", addr, slog.String("error", err.Error()))
		return
	}
	for _, p := range packets {
		s.send(ctx, pc, addr, p)
	}
}

// challenge reports whether got is the challenge number issued to addr. When it is not, the issued
// challenge number is returned, creating one if addr has not been issued a challenge yet.
func (s *Server) challenge(addr net.Addr, got [4]byte) ([4]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := addr.String()
	issued, ok := s.challenges[key]
	if ok && issued == got {
		return issued, true
	}
	if !ok {
		if len(s.challenges) >= maxChallenges {
			clear(s.challenges)
		}
		// 0xFFFFFFFF is what clients send before they have been challenged.
		v := rand.Uint32()
		for v == 0xFFFFFFFF {
			v = rand.Uint32()
		}
		binary.LittleEndian.PutUint32(issued[:], v)
		s.challenges[key] = issued
	}
	return issued, false
}

func (s *Server) send(ctx context.Context, pc net.PacketConn, addr net.Addr, packet []byte) {
	s.logPacket(ctx, "sending packet", addr, packet)
	if _, err := pc.WriteTo(packet, addr); err != nil {
		s.log(ctx, slog.LevelError, "failed to send packet", addr, slog.String("error", err.Error()))
	}
}

func (s *Server) log(ctx context.Context, level slog.Level, msg string, addr net.Addr, attrs ...slog.Attr) {
	if s.logger == nil {
		return
	}
	s.logger.LogAttrs(ctx, level, msg, append(attrs, slog.String("peer", addr.String()))...)
}

// logPacket logs a packet at debug level. Like its client counterpart, it is essentially a NOP when
// the logger is nil or not level set for debug records.
func (s *Server) logPacket(ctx context.Context, logMsg string, addr net.Addr, packet []byte) {
	if s.logger == nil || !s.logger.Handler().Enabled(ctx, slog.LevelDebug) {
		return
	}
	s.log(ctx, slog.LevelDebug, logMsg, addr, slog.String("packet", hex.EncodeToString(packet)))
}

// ServerConfig contains settings to control [Server] instances.
type ServerConfig struct {
	// Rules is the rule list served in response to every rules query.
	Rules Rules

	// MaxPacketSize is the largest packet the server sends. Larger responses are split across several
	// packets. A value too small to carry a split packet will inform the server to use the
	// [DefaultMaxPacketSize].
	MaxPacketSize int

	// Logger receives log entries from a server.
	Logger *slog.Logger
}
