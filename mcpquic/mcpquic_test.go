package mcpquic

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/horosdom/kit"
)

func TestMagic(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteMagic(&buf); err != nil {
		t.Fatal(err)
	}
	if err := ReadMagic(&buf); err != nil {
		t.Fatal(err)
	}

	err := ReadMagic(bytes.NewReader([]byte("HTTP")))
	if !errors.Is(err, ErrBadMagic) {
		t.Fatalf("got %v, want ErrBadMagic", err)
	}
	if err := ReadMagic(bytes.NewReader([]byte("EW"))); err == nil {
		t.Fatal("expected error on short preamble")
	}
}

func TestServerTLSConfig_SelfSigned(t *testing.T) {
	cfg, err := ServerTLSConfig("", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.Certificates) != 1 {
		t.Fatalf("certificates: got %d", len(cfg.Certificates))
	}
	if len(cfg.NextProtos) != 1 || cfg.NextProtos[0] != ALPNProtocol {
		t.Fatalf("ALPN: got %v", cfg.NextProtos)
	}
}

func TestClient_NotConnected(t *testing.T) {
	c := NewClient("127.0.0.1:1", nil)
	if c.tlsCfg.InsecureSkipVerify {
		t.Error("default client config must verify certificates")
	}
	if _, err := c.ListTools(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("ListTools: got %v", err)
	}
	if _, err := c.CallTool(context.Background(), "x", nil); !errors.Is(err, ErrNotConnected) {
		t.Errorf("CallTool: got %v", err)
	}
}

func TestRoundTrip(t *testing.T) {
	srv := mcp.NewServer(&mcp.Implementation{Name: "test", Version: "0.0.1"}, nil)
	kit.RegisterMCPTool(srv, &mcp.Tool{
		Name:        "echo",
		InputSchema: kit.InputSchema(map[string]any{"msg": map[string]any{"type": "string"}}, "msg"),
	}, func(_ context.Context, req any) (any, error) {
		return req, nil
	}, kit.DecodeArgs[map[string]any]())

	tlsCfg, err := ServerTLSConfig("", "")
	if err != nil {
		t.Fatal(err)
	}
	l, err := Listen("127.0.0.1:0", tlsCfg, srv, nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Serve(ctx)
	defer l.Close()

	cctx, ccancel := context.WithTimeout(ctx, 5*time.Second)
	defer ccancel()
	c := NewClient(l.Addr().String(), ClientTLSConfig(true))
	if err := c.Connect(cctx); err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	tools, err := c.ListTools(cctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(tools.Tools) != 1 || tools.Tools[0].Name != "echo" {
		t.Fatalf("tools: %+v", tools.Tools)
	}

	res, err := c.CallTool(cctx, "echo", map[string]any{"msg": "hi"})
	if err != nil {
		t.Fatal(err)
	}
	if res.IsError {
		t.Fatalf("tool error: %+v", res.Content)
	}
	text := res.Content[0].(*mcp.TextContent).Text
	if text != `{"msg":"hi"}` {
		t.Errorf("echo: got %s", text)
	}
}
