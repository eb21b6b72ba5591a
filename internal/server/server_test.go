package server

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pufattest/internal/attestation"
	"pufattest/internal/challenge"
	"pufattest/internal/device"
	"pufattest/internal/hardware"
	"pufattest/internal/metrics"
	"pufattest/internal/store"
)

type memJournal struct {
	mu      sync.Mutex
	entries []*store.Attestation
}

func (j *memJournal) Record(a *store.Attestation) (uuid.UUID, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, a)
	return a.ID, nil
}

func (j *memJournal) all() []*store.Attestation {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]*store.Attestation(nil), j.entries...)
}

func attestConfig() attestation.Config {
	cfg := attestation.DefaultConfig()
	cfg.ReadTimeout = 5 * time.Second
	return cfg
}

func startServer(t *testing.T, cfg Config, attest attestation.Config, opts ...Option) *Server {
	t.Helper()
	if cfg.Address == "" {
		cfg.Address = "127.0.0.1:0"
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 2 * time.Millisecond
	}
	if cfg.SessionTimeout == 0 {
		cfg.SessionTimeout = 10 * time.Second
	}
	srv, err := New(cfg, attest, opts...)
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	t.Cleanup(func() { srv.Stop() })
	return srv
}

func prove(t *testing.T, srv *Server, clientTLS *tlsParams, message string) (string, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	r, err := device.NewResponder(hardware.NewSoftwarePUFFromSeed([32]byte{0x42}), device.DefaultConfig())
	require.NoError(t, err)

	conn, err := device.Dial(ctx, srv.Addr().String(), clientTLS.config(t))
	require.NoError(t, err)
	defer conn.Close()

	return r.Attest(ctx, conn, 2*time.Millisecond, message)
}

func TestAcceptedSessionIsGreeted(t *testing.T) {
	journal := &memJournal{}
	m := metrics.NewAttestationMetrics(nil)
	srv := startServer(t, Config{}, attestConfig(), WithJournal(journal), WithMetrics(m))

	reply, err := prove(t, srv, nil, "Hello from pufprover")
	require.NoError(t, err)
	assert.Equal(t, DefaultGreeting, reply)

	entries := journal.all()
	require.Len(t, entries, 1)
	assert.Equal(t, "accepted", entries[0].Verdict)
	assert.Equal(t, "complete", entries[0].State)
	assert.NotEqual(t, uuid.Nil, entries[0].ID)
	assert.Contains(t, string(entries[0].Transcript), `"nonce"`)

	assert.EqualValues(t, 1, m.Sessions("accepted"))
	assert.Eventually(t, func() bool { return m.GreetingsTotal.Value() == 1 }, time.Second, 5*time.Millisecond)

	select {
	case <-srv.Done():
		t.Fatal("server signalled shutdown for an ordinary message")
	default:
	}
}

func TestRejectedSessionLocksOutPeer(t *testing.T) {
	journal := &memJournal{}
	m := metrics.NewAttestationMetrics(nil)
	srv := startServer(t, Config{MaxFailures: 1, LockoutDuration: time.Minute}, attestConfig(),
		WithJournal(journal), WithMetrics(m))

	// The prover answers proofs for a challenge pair it was never
	// committed to.
	cfg := attestConfig()
	cfg.Challenges.ProofsP1 = bytes.Repeat([]byte{0x01}, challenge.ChallengeSize)
	require.NoError(t, srv.SetAttestationConfig(cfg))

	_, err := prove(t, srv, nil, "hello")
	require.ErrorIs(t, err, device.ErrNotAccepted)

	entries := journal.all()
	require.Len(t, entries, 1)
	assert.Equal(t, "rejected", entries[0].Verdict)
	assert.EqualValues(t, 1, m.Sessions("rejected"))

	// Locked out: the connection is dropped before any request is sent.
	require.NoError(t, srv.SetAttestationConfig(attestConfig()))
	_, err = prove(t, srv, nil, "hello")
	require.Error(t, err)
	assert.Len(t, journal.all(), 1)
}

func TestSetAttestationConfigValidates(t *testing.T) {
	srv, err := New(Config{Address: "127.0.0.1:0"}, attestConfig())
	require.NoError(t, err)

	bad := attestConfig()
	bad.Challenges.Nonce = []byte{1, 2, 3}
	assert.Error(t, srv.SetAttestationConfig(bad))

	_, err = New(Config{Address: "127.0.0.1:0"}, bad)
	assert.Error(t, err)
}

func TestShutdownMessage(t *testing.T) {
	srv := startServer(t, Config{Greeting: "bye"}, attestConfig())

	reply, err := prove(t, srv, nil, ShutdownMessage)
	require.NoError(t, err)
	assert.Equal(t, "bye", reply)

	select {
	case <-srv.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("server did not signal shutdown")
	}

	require.NoError(t, srv.Stop())
	assert.False(t, srv.IsRunning())
	require.NoError(t, srv.Stop(), "second stop is a no-op")
}

func TestMutualTLS(t *testing.T) {
	params := newTLSParams(t)
	serverTLS, err := LoadTLSConfig(params.certFile, params.keyFile, params.certFile, true)
	require.NoError(t, err)

	journal := &memJournal{}
	srv := startServer(t, Config{TLS: serverTLS}, attestConfig(), WithJournal(journal))

	reply, err := prove(t, srv, params, "over tls")
	require.NoError(t, err)
	assert.Equal(t, DefaultGreeting, reply)

	entries := journal.all()
	require.Len(t, entries, 1)
	assert.Equal(t, "accepted", entries[0].Verdict)
	assert.Contains(t, entries[0].ClientSubject, "pufattest test")
}

func TestLoadTLSConfigErrors(t *testing.T) {
	_, err := LoadTLSConfig("", "", "", false)
	assert.Error(t, err)

	params := newTLSParams(t)
	_, err = LoadTLSConfig(params.certFile, params.keyFile, "", true)
	assert.Error(t, err, "client certs cannot be required without a CA")

	bogus := filepath.Join(t.TempDir(), "ca.pem")
	require.NoError(t, os.WriteFile(bogus, []byte("not pem"), 0600))
	_, err = LoadTLSConfig(params.certFile, params.keyFile, bogus, false)
	assert.Error(t, err)
}

// tlsParams is a self-signed certificate usable as server, client and CA.
type tlsParams struct {
	certFile string
	keyFile  string
}

func (p *tlsParams) config(t *testing.T) *tls.Config {
	t.Helper()
	if p == nil {
		return nil
	}
	cfg, err := device.ClientTLSConfig(p.certFile, p.keyFile, p.certFile, "localhost", false)
	require.NoError(t, err)
	return cfg
}

func newTLSParams(t *testing.T) *tlsParams {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "pufattest test"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
		DNSNames:              []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)

	dir := t.TempDir()
	p := &tlsParams{
		certFile: filepath.Join(dir, "cert.pem"),
		keyFile:  filepath.Join(dir, "key.pem"),
	}
	require.NoError(t, os.WriteFile(p.certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0600))
	require.NoError(t, os.WriteFile(p.keyFile, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0600))
	return p
}
