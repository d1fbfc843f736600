package mcpquic

import (
	"context"
	"crypto/tls"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/quic-go/quic-go"
)

// Client is an MCP client session over QUIC.
type Client struct {
	addr    string
	tlsCfg  *tls.Config
	conn    *quic.Conn
	session *mcp.ClientSession
}

// NewClient returns an unconnected client. A nil tlsCfg verifies the
// server certificate.
func NewClient(addr string, tlsCfg *tls.Config) *Client {
	if tlsCfg == nil {
		tlsCfg = ClientTLSConfig(false)
	}
	return &Client{addr: addr, tlsCfg: tlsCfg}
}

// Connect dials, sends the preamble and runs the MCP handshake.
func (c *Client) Connect(ctx context.Context) error {
	conn, err := quic.DialAddr(ctx, c.addr, c.tlsCfg, QUICConfig())
	if err != nil {
		return fmt.Errorf("mcpquic: dial %s: %w", c.addr, err)
	}
	if p := conn.ConnectionState().TLS.NegotiatedProtocol; p != ALPNProtocol {
		conn.CloseWithError(CodeUnsupportedALPN, "")
		return fmt.Errorf("%w: %q", ErrUnsupportedALPN, p)
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(CodeProtocolViolation, "")
		return fmt.Errorf("mcpquic: open stream: %w", err)
	}
	if err := WriteMagic(stream); err != nil {
		conn.CloseWithError(CodeProtocolViolation, "")
		return err
	}

	client := mcp.NewClient(&mcp.Implementation{Name: "elemwatch-quic-client", Version: "1.0.0"}, nil)
	session, err := client.Connect(ctx, ioTransport(stream), nil)
	if err != nil {
		conn.CloseWithError(CodeProtocolViolation, "")
		return fmt.Errorf("mcpquic: handshake: %w", err)
	}
	c.conn = conn
	c.session = session
	return nil
}

// ListTools lists the server tools.
func (c *Client) ListTools(ctx context.Context) (*mcp.ListToolsResult, error) {
	if c.session == nil {
		return nil, ErrNotConnected
	}
	return c.session.ListTools(ctx, nil)
}

// CallTool calls a tool by name.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	if c.session == nil {
		return nil, ErrNotConnected
	}
	return c.session.CallTool(ctx, &mcp.CallToolParams{Name: name, Arguments: args})
}

// Close ends the session and the connection.
func (c *Client) Close() error {
	var err error
	if c.session != nil {
		err = c.session.Close()
		c.session = nil
	}
	if c.conn != nil {
		c.conn.CloseWithError(CodeNoError, "")
		c.conn = nil
	}
	return err
}
