// Copyright 2024 Matt Schultz <schultz@sent.com>. All rights reserved.
// Use of this source code is governed by an ISC license that can be found in the LICENSE file.

// Command a2srules queries Source servers for their rules, or serves a fixed rule list for testing
// clients.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"

	"github.com/schultz-is/a2s-go"
)

type CLI struct {
	Config   string `help:"Path to a TOML config file." short:"c" type:"path"`
	LogLevel string `help:"Log level (debug, info, warn, error), overrides the config file." name:"log-level"`

	Query QueryCLI `cmd:"" help:"Query a server for its rules."`
	Serve ServeCLI `cmd:"" help:"Answer rules queries with the rules from the config file."`
}

// QueryCLI is the query subcommand.
type QueryCLI struct {
	Address string `arg:"" help:"Server query address (host:port)."`
	Timeout string `help:"Request timeout, e.g. 5s, overrides the config file." short:"t"`
	JSON    bool   `help:"Output in JSON format." short:"j"`
}

func (q *QueryCLI) Run(conf *Config, logger *slog.Logger) error {
	return q.run(context.Background(), conf, logger, os.Stdout)
}

func (q *QueryCLI) run(ctx context.Context, conf *Config, logger *slog.Logger, w io.Writer) error {
	timeout := conf.Query.Timeout
	if q.Timeout != "" {
		timeout = q.Timeout
	}
	d, err := parseDuration(timeout)
	if err != nil {
		return err
	}

	c, err := a2s.Dial(ctx, q.Address, a2s.ClientConfig{
		Timeout:              d,
		MaxChallengeAttempts: conf.Query.ChallengeAttempts,
		Logger:               logger,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", q.Address, err)
	}
	defer c.Close()

	rules, err := c.Rules(ctx)
	if err != nil {
		return fmt.Errorf("failed to query %s: %w", q.Address, err)
	}
	logger.Info("received rules", "address", q.Address, "count", len(rules))

	if q.JSON {
		return printJSON(w, rules)
	}
	return printTable(w, rules)
}

// ServeCLI is the serve subcommand.
type ServeCLI struct {
	Listen string `help:"Address to listen on, overrides the config file." short:"l"`
}

func (s *ServeCLI) Run(conf *Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	listen := conf.Serve.Listen
	if s.Listen != "" {
		listen = s.Listen
	}

	var lc net.ListenConfig
	pc, err := lc.ListenPacket(ctx, "udp", listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", listen, err)
	}
	defer pc.Close()

	rules := conf.Serve.rules()
	logger.Info("serving rules", "address", pc.LocalAddr().String(), "count", len(rules))

	server := a2s.NewServer(a2s.ServerConfig{
		Rules:         rules,
		MaxPacketSize: conf.Serve.MaxPacketSize,
		Logger:        logger,
	})
	err = server.Serve(ctx, pc)
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	logger.Info("server stopped")
	return nil
}

func newLogger(w io.Writer, level string) (*slog.Logger, error) {
	lvl, err := parseLevel(level)
	if err != nil {
		return nil, err
	}
	return slog.New(tint.NewHandler(w, &tint.Options{
		Level:      lvl,
		TimeFormat: "15:04:05",
	})), nil
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("a2srules"),
		kong.Description("Query and serve Source server rules."),
		kong.UsageOnError(),
	)

	conf, err := loadConfig(cli.Config)
	ctx.FatalIfErrorf(err)
	if cli.LogLevel != "" {
		conf.LogLevel = cli.LogLevel
	}

	logger, err := newLogger(os.Stderr, conf.LogLevel)
	ctx.FatalIfErrorf(err)

	ctx.FatalIfErrorf(ctx.Run(conf, logger))
}
