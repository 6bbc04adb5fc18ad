// Copyright 2024 Matt Schultz <schultz@sent.com>. All rights reserved.
// Use of this source code is governed by an ISC license that can be found in the LICENSE file.

package a2s

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"
)

// DefaultClientTimeout is the default amount of time allowed for a client to complete a request,
// including any challenge round trips and every packet of a split response.
const DefaultClientTimeout = 5 * time.Second

// DefaultMaxChallengeAttempts is the default number of times a client will answer a server challenge
// before giving up on a request.
const DefaultMaxChallengeAttempts = 3

// maxDatagramSize bounds the size of a single packet read from the connection.
const maxDatagramSize = 65535

// drainTimeout is how long a client waits for leftover packets after a failed request before it
// sends the next one.
const drainTimeout = 10 * time.Millisecond

// ErrChallenge is returned when a server keeps answering requests with a new challenge.
var ErrChallenge = errors.New("a2s: challenge not accepted")

// Client is an A2S client that queries a single server. The query protocol is carried over UDP, but
// the client accepts anything that satisfies the [net.Conn] interface as long as each Write and Read
// carries exactly one packet, as a connected [net.UDPConn] does.
//
// Clients are safe for concurrent use. Requests are serialized, since responses carry nothing that
// could correlate them with the request that caused them. For the same reason, packets already
// waiting on the connection after a request fails or times out are discarded before the next request
// is sent. A packet that arrives later than that is still taken as the next response.
type Client struct {
	// mu controls concurrent access to the underlying connection.
	mu sync.Mutex

	// conn is the underlying connection packets are sent and received over.
	conn net.Conn

	// timeout is a limit on the time allowed for a client to complete a request.
	timeout time.Duration

	// maxChallengeAttempts limits the number of challenges a client answers per request.
	maxChallengeAttempts int

	// logger receives any log output from a client.
	logger *slog.Logger

	// stale is set when a request was abandoned or failed, so answers to it may still arrive.
	stale bool
}

// NewClient creates and returns a [Client] that uses conn as its transport, configured by the
// provided config.
//
// Once a conn is provided to a NewClient call, the conn should not be used outside of the client
// in order to ensure responses are matched with the right request.
func NewClient(conn net.Conn, config ClientConfig) *Client {
	c := &Client{
		conn:                 conn,
		timeout:              config.Timeout,
		maxChallengeAttempts: config.MaxChallengeAttempts,
		logger:               config.Logger,
	}
	if c.timeout <= 0 {
		c.timeout = DefaultClientTimeout
	}
	if c.maxChallengeAttempts <= 0 {
		c.maxChallengeAttempts = DefaultMaxChallengeAttempts
	}
	return c
}

// Dial connects to the A2S server at address over UDP and returns a [Client] for it.
func Dial(ctx context.Context, address string, config ClientConfig) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", address)
	if err != nil {
		return nil, err
	}
	return NewClient(conn, config), nil
}

// Close simply closes the receiving client's underlying connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.conn.Close()
}

// Rules requests the rule list of the server and decodes it with [DecodeRules].
func (c *Client) Rules(ctx context.Context) (Rules, error) {
	resp, err := c.Request(ctx, rulesRequest)
	if err != nil {
		return nil, err
	}
	return DecodeRules(resp)
}

// Request sends req, followed by a challenge number, to the server and returns the logical response:
// the payload of a single packet response or the reassembled and decompressed payload of a split
// response, without its leading packet header. When the server answers with a challenge the request
// is sent again carrying the issued challenge number.
func (c *Client) Request(ctx context.Context, req []byte) ([]byte, error) {
	// Specify a result type to communicate the response over the channel.
	type result struct {
		resp []byte
		err  error
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stale {
		c.drain(ctx)
		c.stale = false
	}

	ch := make(chan result, 1)

	// Perform the actual request in a goroutine to support timing out.
	go func() {
		resp, err := c.exchange(ctx, req)
		ch <- result{resp, err}
	}()

	select {
	case <-ctx.Done():
		// Force the pending read or write to fail so the goroutine is done with the connection before
		// the lock is released.
		_ = c.conn.SetDeadline(time.Now())
		<-ch
		_ = c.conn.SetDeadline(time.Time{})
		c.stale = true
		return nil, ctx.Err()
	case res := <-ch:
		c.stale = res.err != nil
		if res.err != nil && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return res.resp, res.err
	}
}

// drain discards packets waiting on the connection, which can only be answers to an earlier request.
func (c *Client) drain(ctx context.Context) {
	if err := c.conn.SetReadDeadline(time.Now().Add(drainTimeout)); err != nil {
		return
	}
	defer func() { _ = c.conn.SetReadDeadline(time.Time{}) }()

	buf := make([]byte, maxDatagramSize)
	for {
		n, err := c.conn.Read(buf)
		if err != nil {
			return
		}
		c.logPacket(ctx, "discarding stale packet", buf[:n])
	}
}

// exchange performs the request and challenge round trips.
func (c *Client) exchange(ctx context.Context, req []byte) ([]byte, error) {
	challenge := initialChallenge
	for attempt := 0; attempt <= c.maxChallengeAttempts; attempt++ {
		packet := make([]byte, 0, len(req)+len(challenge))
		packet = append(packet, req...)
		packet = append(packet, challenge...)

		c.logPacket(ctx, "sending packet", packet)
		if _, err := c.conn.Write(packet); err != nil {
			return nil, err
		}

		resp, err := c.receive(ctx)
		if err != nil {
			return nil, err
		}

		if len(resp) >= 5 && resp[0] == ResponseHeaderChallenge {
			challenge = bytes.Clone(resp[1:5])
			if c.logger != nil {
				c.logger.LogAttrs(ctx, slog.LevelDebug, "received challenge", slog.String("challenge", hex.EncodeToString(challenge)))
			}
			continue
		}
		return resp, nil
	}
	return nil, ErrChallenge
}

// receive reads a single logical response from the connection, reassembling split responses.
func (c *Client) receive(ctx context.Context) ([]byte, error) {
	buf := make([]byte, maxDatagramSize)
	var asm packetAssembler
	for {
		n, err := c.conn.Read(buf)
		if err != nil {
			return nil, err
		}
		packet := buf[:n]
		c.logPacket(ctx, "received packet", packet)

		header, err := packetHeader(packet)
		if err != nil {
			return nil, err
		}

		switch header {
		case PacketHeaderSingle:
			if asm.started {
				return nil, fmt.Errorf("%w: single packet during split response", ErrMismatchedPacket)
			}
			return bytes.Clone(packet[4:]), nil

		case PacketHeaderSplit:
			p, err := parseSplitPacket(packet)
			if err != nil {
				return nil, err
			}
			if err := asm.add(p); err != nil {
				return nil, err
			}
			if asm.complete() {
				return asm.assemble()
			}

		default:
			return nil, fmt.Errorf("%w: unknown header %d", ErrInvalidPacket, header)
		}
	}
}

// logPacket sends a log record containing the provided log message and packet to the client's
// logger for handling. When the logger is nil or is not level set for debug records, this function
// is essentially a NOP.
func (c *Client) logPacket(ctx context.Context, logMsg string, packet []byte) {
	// NOP if the client logger is nil or is not level set for debug log messages.
	if c.logger == nil || !c.logger.Handler().Enabled(ctx, slog.LevelDebug) {
		return
	}

	c.logger.LogAttrs(ctx, slog.LevelDebug, logMsg, slog.String("packet", hex.EncodeToString(packet)))
}

// ClientConfig contains settings to control [Client] instances.
type ClientConfig struct {
	// Timeout limits the amount of time a client can spend completing a request. A value of zero will
	// inform the client to use the [DefaultClientTimeout].
	Timeout time.Duration

	// MaxChallengeAttempts limits the number of server challenges answered per request. A value of
	// zero will inform the client to use the [DefaultMaxChallengeAttempts].
	MaxChallengeAttempts int

	// Logger receives log entries from a client.
	Logger *slog.Logger
}
