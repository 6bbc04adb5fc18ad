// Copyright 2024 Matt Schultz <schultz@sent.com>. All rights reserved.
// Use of this source code is governed by an ISC license that can be found in the LICENSE file.

package a2s_test

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/hex"
	"log/slog"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/lmittmann/tint"
	"github.com/stretchr/testify/require"

	"github.com/schultz-is/a2s-go"
)

func testLogger(t *testing.T) *slog.Logger {
	return slog.New(tint.NewHandler(t.Output(), &tint.Options{
		Level:      slog.LevelDebug,
		TimeFormat: "15:04:05",
	}))
}

// single prefixes payload with the single packet header.
func single(payload []byte) []byte {
	return append([]byte{0xFF, 0xFF, 0xFF, 0xFF}, payload...)
}

// readRequest reads a single request packet from conn, reporting failures on t.
func readRequest(t *testing.T, conn net.Conn) []byte {
	buf := make([]byte, 1500)
	n, err := conn.Read(buf)
	if err != nil {
		t.Errorf("Failed to read request packet from client: %s", err)
		return nil
	}
	return buf[:n]
}

func writeResponse(t *testing.T, conn net.Conn, packet []byte) {
	if _, err := conn.Write(packet); err != nil {
		t.Errorf("Failed to send response packet to client: %s", err)
	}
}

func TestClient(t *testing.T) {
	served := a2s.Rules{
		a2s.Regular{Name: "hostname", Value: "test server"},
		a2s.Regular{Name: "sv_gravity", Value: "800"},
	}

	t.Run(
		"challenge then response",
		func(t *testing.T) {
			cc, sc := net.Pipe()
			defer func() {
				_ = cc.Close()
				_ = sc.Close()
			}()

			c := a2s.NewClient(cc, a2s.ClientConfig{Logger: testLogger(t)})

			go func() {
				req := readRequest(t, sc)
				if want := "ffffffff56ffffffff"; hex.EncodeToString(req) != want {
					t.Errorf("Unexpected initial request %0x, want %s", req, want)
				}
				writeResponse(t, sc, single([]byte{a2s.ResponseHeaderChallenge, 0x01, 0x02, 0x03, 0x04}))

				req = readRequest(t, sc)
				if want := "ffffffff5601020304"; hex.EncodeToString(req) != want {
					t.Errorf("Unexpected challenged request %0x, want %s", req, want)
				}
				writeResponse(t, sc, single(a2s.EncodeRules(served)))
			}()

			rules, err := c.Rules(context.Background())
			require.NoError(t, err)
			require.Equal(t, served, rules)
		},
	)

	t.Run(
		"response without challenge",
		func(t *testing.T) {
			cc, sc := net.Pipe()
			defer func() {
				_ = cc.Close()
				_ = sc.Close()
			}()

			c := a2s.NewClient(cc, a2s.ClientConfig{})

			go func() {
				readRequest(t, sc)
				writeResponse(t, sc, single(a2s.EncodeRules(served)))
			}()

			rules, err := c.Rules(context.Background())
			require.NoError(t, err)
			require.Equal(t, served, rules)
		},
	)

	t.Run(
		"split response",
		func(t *testing.T) {
			cc, sc := net.Pipe()
			defer func() {
				_ = cc.Close()
				_ = sc.Close()
			}()

			c := a2s.NewClient(cc, a2s.ClientConfig{Logger: testLogger(t)})

			payload := single(a2s.EncodeRules(served))
			half := len(payload) / 2
			fragment := func(number byte, data []byte) []byte {
				p := []byte{0xFE, 0xFF, 0xFF, 0xFF}
				p = binary.LittleEndian.AppendUint32(p, 99)
				p = append(p, 2, number)
				p = binary.LittleEndian.AppendUint16(p, a2s.DefaultMaxPacketSize)
				return append(p, data...)
			}

			go func() {
				readRequest(t, sc)
				writeResponse(t, sc, fragment(1, payload[half:]))
				writeResponse(t, sc, fragment(0, payload[:half]))
			}()

			rules, err := c.Rules(context.Background())
			require.NoError(t, err)
			require.Equal(t, served, rules)
		},
	)

	t.Run(
		"endless challenges",
		func(t *testing.T) {
			cc, sc := net.Pipe()
			defer func() {
				_ = cc.Close()
				_ = sc.Close()
			}()

			c := a2s.NewClient(cc, a2s.ClientConfig{MaxChallengeAttempts: 2})

			requests := make(chan int, 1)
			go func() {
				n := 0
				defer func() { requests <- n }()

				buf := make([]byte, 1500)
				for {
					if _, err := sc.Read(buf); err != nil {
						return
					}
					n++
					if _, err := sc.Write(single([]byte{a2s.ResponseHeaderChallenge, byte(n), 0, 0, 0})); err != nil {
						return
					}
				}
			}()

			_, err := c.Rules(context.Background())
			require.ErrorIs(t, err, a2s.ErrChallenge)

			_ = sc.Close()
			require.Equal(t, 3, <-requests)
		},
	)

	t.Run(
		"invalid packet header",
		func(t *testing.T) {
			cc, sc := net.Pipe()
			defer func() {
				_ = cc.Close()
				_ = sc.Close()
			}()

			c := a2s.NewClient(cc, a2s.ClientConfig{})

			go func() {
				readRequest(t, sc)
				writeResponse(t, sc, []byte{0x00, 0x00, 0x00, 0x00, a2s.ResponseHeaderRules, 0x00, 0x00})
			}()

			_, err := c.Rules(context.Background())
			require.ErrorIs(t, err, a2s.ErrInvalidPacket)
		},
	)

	t.Run(
		"invalid response",
		func(t *testing.T) {
			cc, sc := net.Pipe()
			defer func() {
				_ = cc.Close()
				_ = sc.Close()
			}()

			c := a2s.NewClient(cc, a2s.ClientConfig{})

			go func() {
				readRequest(t, sc)
				// An A2S_INFO response where a rules response was expected.
				writeResponse(t, sc, single([]byte{0x49, 0x11, 0x00}))
			}()

			_, err := c.Rules(context.Background())
			require.ErrorIs(t, err, a2s.ErrInvalidResponse)
		},
	)

	t.Run(
		"timeout",
		func(t *testing.T) {
			cc, sc := net.Pipe()
			defer func() {
				_ = cc.Close()
				_ = sc.Close()
			}()

			c := a2s.NewClient(cc, a2s.ClientConfig{Timeout: 50 * time.Millisecond})

			go func() {
				// Read the request and never respond.
				readRequest(t, sc)
			}()

			_, err := c.Rules(context.Background())
			require.ErrorIs(t, err, context.DeadlineExceeded)
		},
	)

	t.Run(
		"canceled",
		func(t *testing.T) {
			cc, sc := net.Pipe()
			defer func() {
				_ = cc.Close()
				_ = sc.Close()
			}()

			c := a2s.NewClient(cc, a2s.ClientConfig{})

			ctx, cancel := context.WithCancel(context.Background())
			go func() {
				readRequest(t, sc)
				cancel()
			}()

			_, err := c.Rules(ctx)
			require.ErrorIs(t, err, context.Canceled)

			// The client remains usable after an abandoned request.
			go func() {
				readRequest(t, sc)
				writeResponse(t, sc, single(a2s.EncodeRules(served)))
			}()

			rules, err := c.Rules(context.Background())
			require.NoError(t, err)
			require.Equal(t, served, rules)
		},
	)
}

func TestClientDiscardsStalePackets(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer pc.Close()
	require.NoError(t, pc.SetDeadline(time.Now().Add(5*time.Second)))

	c, err := a2s.Dial(context.Background(), pc.LocalAddr().String(), a2s.ClientConfig{
		Timeout: 200 * time.Millisecond,
		Logger:  testLogger(t),
	})
	require.NoError(t, err)
	defer c.Close()

	// The first request goes unanswered until the client has given up on it.
	_, err = c.Rules(context.Background())
	require.ErrorIs(t, err, context.DeadlineExceeded)

	buf := make([]byte, 1500)
	_, addr, err := pc.ReadFrom(buf)
	require.NoError(t, err)
	late := single(a2s.EncodeRules(a2s.Rules{a2s.Regular{Name: "late", Value: "1"}}))
	_, err = pc.WriteTo(late, addr)
	require.NoError(t, err)

	served := a2s.Rules{a2s.Regular{Name: "sv_gravity", Value: "800"}}
	go func() {
		buf := make([]byte, 1500)
		_, addr, err := pc.ReadFrom(buf)
		if err != nil {
			t.Errorf("Failed to read request packet from client: %s", err)
			return
		}
		if _, err := pc.WriteTo(single(a2s.EncodeRules(served)), addr); err != nil {
			t.Errorf("Failed to send response packet to client: %s", err)
		}
	}()

	rules, err := c.Rules(context.Background())
	require.NoError(t, err)
	require.Equal(t, served, rules)
}

func TestClientPacketLogging(t *testing.T) {
	cc, sc := net.Pipe()
	defer func() {
		_ = cc.Close()
		_ = sc.Close()
	}()

	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	c := a2s.NewClient(cc, a2s.ClientConfig{Logger: logger})

	resp := single(a2s.EncodeRules(nil))
	go func() {
		readRequest(t, sc)
		writeResponse(t, sc, resp)
	}()

	_, err := c.Rules(context.Background())
	require.NoError(t, err)

	out := logs.String()
	require.True(t, strings.Contains(out, "msg=\"sending packet\" packet=ffffffff56ffffffff"), out)
	require.True(t, strings.Contains(out, "msg=\"received packet\" packet="+hex.EncodeToString(resp)), out)
}

func TestClientClose(t *testing.T) {
	cc, sc := net.Pipe()
	defer func() {
		_ = sc.Close()
	}()

	c := a2s.NewClient(cc, a2s.ClientConfig{})
	require.NoError(t, c.Close())

	_, err := c.Rules(context.Background())
	require.Error(t, err)
}
