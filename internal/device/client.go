package device

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"
	"time"

	"pufattest/internal/transport"
)

const maxGreetingSize = 1024

// ErrNotAccepted is returned by Attest when the verifier closes the
// connection instead of answering the message.
var ErrNotAccepted = errors.New("verifier closed the connection without a greeting")

// ClientTLSConfig builds the TLS configuration for dialing a verifier.
// certFile and keyFile are optional and present a client certificate.
func ClientTLSConfig(certFile, keyFile, caFile, serverName string, insecure bool) (*tls.Config, error) {
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		ServerName:         serverName,
		InsecureSkipVerify: insecure, //nolint:gosec
	}

	if caFile != "" {
		pem, err := os.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("read CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", caFile)
		}
		cfg.RootCAs = pool
	}

	if (certFile == "") != (keyFile == "") {
		return nil, errors.New("client certificate and key must be set together")
	}
	if certFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, fmt.Errorf("load client key pair: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}

// Dial connects to a verifier, over TLS when tlsCfg is non-nil.
func Dial(ctx context.Context, address string, tlsCfg *tls.Config) (net.Conn, error) {
	d := &net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}
	if tlsCfg == nil {
		conn, err := d.DialContext(ctx, "tcp", address)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", address, err)
		}
		return conn, nil
	}

	td := &tls.Dialer{NetDialer: d, Config: tlsCfg}
	conn, err := td.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", address, err)
	}
	return conn, nil
}

// Attest answers the verifier's requests on conn, then sends message and
// returns the verifier's greeting. Verifiers only greet provers they
// accepted.
func (r *Responder) Attest(ctx context.Context, conn net.Conn, poll time.Duration, message string) (string, error) {
	if err := r.Serve(ctx, transport.NonBlocking(conn, poll)); err != nil {
		return "", err
	}

	deadline := time.Time{}
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return "", err
	}

	if _, err := conn.Write([]byte(message)); err != nil {
		if closedByPeer(err) {
			return "", ErrNotAccepted
		}
		return "", fmt.Errorf("send message: %w", err)
	}

	buf := make([]byte, maxGreetingSize)
	n, err := conn.Read(buf)
	if err != nil && n == 0 {
		if closedByPeer(err) {
			return "", ErrNotAccepted
		}
		return "", fmt.Errorf("read greeting: %w", err)
	}
	return string(bytes.TrimRight(buf[:n], "\x00")), nil
}

func closedByPeer(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE)
}
