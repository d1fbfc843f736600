// Command elemwatch hosts one HTML document, keeps watch rules registered
// against it and reports every matching element to the configured sinks.
//
// Usage:
//
//	elemwatch -config elemwatch.yaml             # document, rules and sinks from YAML
//	elemwatch -file page.html -addr :8080        # serve a local file over HTTP
//	elemwatch -url https://example.com -render auto -mcp
//	elemwatch -rules-db rules.db -mcp-quic :9445 # hot-reloaded rules, MCP over QUIC
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/horosdom/elemwatch"
	"github.com/hazyhaar/horosdom/mcpquic"
)

const version = "0.1.0"

type options struct {
	config   string
	file     string
	url      string
	render   string
	rulesDB  string
	addr     string
	mcpStdio bool
	mcpQUIC  string
	tlsCert  string
	tlsKey   string
}

func main() {
	var o options
	flag.StringVar(&o.config, "config", "", "path to elemwatch.yaml")
	flag.StringVar(&o.file, "file", "", "observe a local HTML file")
	flag.StringVar(&o.url, "url", "", "observe a fetched page")
	flag.StringVar(&o.render, "render", "", "render mode for -url: never, always, auto")
	flag.StringVar(&o.rulesDB, "rules-db", "", "SQLite database of hot-reloaded watch rules")
	flag.StringVar(&o.addr, "addr", "", "HTTP API listen address")
	flag.BoolVar(&o.mcpStdio, "mcp", false, "serve MCP on stdin/stdout")
	flag.StringVar(&o.mcpQUIC, "mcp-quic", "", "serve MCP over QUIC on this UDP address")
	flag.StringVar(&o.tlsCert, "tls-cert", "", "certificate for -mcp-quic (self-signed when empty)")
	flag.StringVar(&o.tlsKey, "tls-key", "", "key for -mcp-quic")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	var level slog.Level
	if err := level.UnmarshalText([]byte(*logLevel)); err != nil {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, o); err != nil {
		logger.Error("elemwatch: fatal", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, o options) error {
	cfg, err := buildConfig(o)
	if err != nil {
		return err
	}
	if o.mcpStdio {
		// stdout carries the MCP session.
		kept := cfg.Sinks[:0]
		for _, s := range cfg.Sinks {
			if s.Type == "stdout" {
				logger.Warn("elemwatch: stdout sink disabled in -mcp mode")
				continue
			}
			kept = append(kept, s)
		}
		cfg.Sinks = kept
	}

	d := elemwatch.NewDaemon(cfg, logger, elemwatch.SinksFromConfig(cfg, logger)...)
	if err := d.Start(ctx); err != nil {
		d.Stop()
		return fmt.Errorf("start: %w", err)
	}
	defer d.Stop()

	mcpSrv := mcp.NewServer(&mcp.Implementation{Name: "elemwatch", Version: version}, nil)
	d.RegisterMCP(mcpSrv)

	errc := make(chan error, 3)
	if cfg.Server.Addr != "" {
		go func() { errc <- d.Serve(ctx, cfg.Server.Addr) }()
	}
	if o.mcpQUIC != "" {
		tlsCfg, err := mcpquic.ServerTLSConfig(o.tlsCert, o.tlsKey)
		if err != nil {
			return err
		}
		l, err := mcpquic.Listen(o.mcpQUIC, tlsCfg, mcpSrv, logger)
		if err != nil {
			return fmt.Errorf("mcp quic: %w", err)
		}
		defer l.Close()
		go func() {
			if err := l.Serve(ctx); err != nil && ctx.Err() == nil {
				errc <- fmt.Errorf("mcp quic: %w", err)
			}
		}()
	}
	if o.mcpStdio {
		go func() {
			err := mcpSrv.Run(ctx, &mcp.StdioTransport{})
			logger.Info("elemwatch: mcp stdio session ended", "error", err)
			errc <- nil
		}()
	}

	select {
	case <-ctx.Done():
		return nil
	case err := <-errc:
		return err
	}
}

func buildConfig(o options) (*elemwatch.DaemonConfig, error) {
	cfg := &elemwatch.DaemonConfig{}
	if o.config != "" {
		var err error
		if cfg, err = elemwatch.LoadConfigFile(o.config); err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
	}
	if o.file != "" {
		cfg.Document = elemwatch.DocumentConfig{Path: o.file}
	}
	if o.url != "" {
		cfg.Document = elemwatch.DocumentConfig{URL: o.url}
	}
	if o.render != "" {
		cfg.Document.Render = o.render
	}
	if o.rulesDB != "" {
		cfg.RulesDB = o.rulesDB
	}
	if o.addr != "" {
		cfg.Server.Addr = o.addr
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
