package mcpquic

import (
	"context"
	"crypto/tls"
	"io"
	"log/slog"
	"net"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/quic-go/quic-go"
)

// Listener accepts QUIC connections and serves each one as an MCP session
// of a shared server.
type Listener struct {
	ql     *quic.Listener
	srv    *mcp.Server
	logger *slog.Logger
}

// Listen binds addr.
func Listen(addr string, tlsCfg *tls.Config, srv *mcp.Server, logger *slog.Logger) (*Listener, error) {
	if logger == nil {
		logger = slog.Default()
	}
	ql, err := quic.ListenAddr(addr, tlsCfg, QUICConfig())
	if err != nil {
		return nil, err
	}
	logger.Info("mcpquic: listening", "addr", ql.Addr().String())
	return &Listener{ql: ql, srv: srv, logger: logger}, nil
}

// Addr returns the bound UDP address.
func (l *Listener) Addr() net.Addr { return l.ql.Addr() }

// Serve accepts connections until ctx is cancelled or the listener closes.
func (l *Listener) Serve(ctx context.Context) error {
	for {
		conn, err := l.ql.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if p := conn.ConnectionState().TLS.NegotiatedProtocol; p != ALPNProtocol {
			conn.CloseWithError(CodeUnsupportedALPN, "unsupported ALPN "+p)
			continue
		}
		go l.serveConn(ctx, conn)
	}
}

// Close stops accepting connections.
func (l *Listener) Close() error { return l.ql.Close() }

func (l *Listener) serveConn(ctx context.Context, conn *quic.Conn) {
	remote := conn.RemoteAddr().String()
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		l.logger.Warn("mcpquic: accept stream", "remote", remote, "error", err)
		conn.CloseWithError(CodeProtocolViolation, "no stream")
		return
	}
	if err := ReadMagic(stream); err != nil {
		l.logger.Warn("mcpquic: rejected connection", "remote", remote, "error", err)
		stream.CancelRead(CodeBadPreamble)
		stream.CancelWrite(CodeBadPreamble)
		conn.CloseWithError(CodeProtocolViolation, "bad preamble")
		return
	}

	id := uuid.NewString()
	log := l.logger.With("session", id, "remote", remote)
	ss, err := l.srv.Connect(ctx, &streamTransport{stream: stream, id: id}, nil)
	if err != nil {
		log.Warn("mcpquic: connect", "error", err)
		stream.Close()
		return
	}
	log.Info("mcpquic: session started")
	if err := ss.Wait(); err != nil {
		log.Debug("mcpquic: session error", "error", err)
	}
	conn.CloseWithError(CodeNoError, "")
	log.Info("mcpquic: session ended")
}

// streamTransport is an mcp.Transport over one QUIC stream.
type streamTransport struct {
	stream *quic.Stream
	id     string
}

func (t *streamTransport) Connect(ctx context.Context) (mcp.Connection, error) {
	c, err := ioTransport(t.stream).Connect(ctx)
	if err != nil {
		return nil, err
	}
	return &sessionConn{Connection: c, id: t.id}, nil
}

func ioTransport(s *quic.Stream) *mcp.IOTransport {
	return &mcp.IOTransport{Reader: io.NopCloser(s), Writer: s}
}

type sessionConn struct {
	mcp.Connection
	id string
}

func (c *sessionConn) SessionID() string { return c.id }
