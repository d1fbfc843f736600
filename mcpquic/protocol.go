// Package mcpquic carries MCP sessions over QUIC: one bidirectional stream
// per connection, opened by the client and prefixed with a magic preamble.
package mcpquic

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net"
	"time"

	"github.com/quic-go/quic-go"
)

const (
	// ALPNProtocol is negotiated by both ends; other protocols are refused.
	ALPNProtocol = "elemwatch-mcp/1"
	// Magic is written by the client before the first JSON-RPC message.
	Magic = "EWM1"

	DefaultIdleTimeout = 5 * time.Minute
	DefaultKeepAlive   = 30 * time.Second
	MaxMessageSize     = 10 << 20
)

// Application error codes sent on connection and stream close.
const (
	CodeNoError           quic.ApplicationErrorCode = 0x00
	CodeUnsupportedALPN   quic.ApplicationErrorCode = 0x01
	CodeProtocolViolation quic.ApplicationErrorCode = 0x02
	CodeBadPreamble       quic.StreamErrorCode      = 0x10
)

var (
	ErrBadMagic        = errors.New("mcpquic: bad magic preamble")
	ErrUnsupportedALPN = errors.New("mcpquic: unsupported ALPN")
	ErrNotConnected    = errors.New("mcpquic: client not connected")
)

// WriteMagic writes the preamble.
func WriteMagic(w io.Writer) error {
	if _, err := io.WriteString(w, Magic); err != nil {
		return fmt.Errorf("mcpquic: write preamble: %w", err)
	}
	return nil
}

// ReadMagic consumes and checks the preamble.
func ReadMagic(r io.Reader) error {
	buf := make([]byte, len(Magic))
	if _, err := io.ReadFull(r, buf); err != nil {
		return fmt.Errorf("mcpquic: read preamble: %w", err)
	}
	if string(buf) != Magic {
		return fmt.Errorf("%w: %q", ErrBadMagic, buf)
	}
	return nil
}

// QUICConfig is shared by the listener and the client.
func QUICConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:             DefaultIdleTimeout,
		KeepAlivePeriod:            DefaultKeepAlive,
		MaxStreamReceiveWindow:     MaxMessageSize,
		MaxConnectionReceiveWindow: MaxMessageSize,
		Allow0RTT:                  false,
	}
}

// ServerTLSConfig loads a certificate pair. Empty paths yield a throwaway
// self-signed certificate for localhost.
func ServerTLSConfig(certFile, keyFile string) (*tls.Config, error) {
	var cert tls.Certificate
	var err error
	if certFile == "" && keyFile == "" {
		cert, err = selfSigned()
	} else {
		cert, err = tls.LoadX509KeyPair(certFile, keyFile)
	}
	if err != nil {
		return nil, fmt.Errorf("mcpquic: tls: %w", err)
	}
	return &tls.Config{
		MinVersion:   tls.VersionTLS13,
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{ALPNProtocol},
	}, nil
}

// ClientTLSConfig returns the client side. insecure skips certificate
// verification and is meant for the self-signed development listener.
func ClientTLSConfig(insecure bool) *tls.Config {
	return &tls.Config{
		MinVersion:         tls.VersionTLS13,
		NextProtos:         []string{ALPNProtocol},
		InsecureSkipVerify: insecure,
	}
}

func selfSigned() (tls.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, err
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, err
	}
	now := time.Now()
	tmpl := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: "localhost"},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(30 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{"localhost"},
		IPAddresses:           []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}, nil
}
