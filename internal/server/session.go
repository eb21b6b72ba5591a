package server

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"time"

	"github.com/google/uuid"

	"pufattest/internal/attestation"
	"pufattest/internal/store"
	"pufattest/internal/transport"
	"pufattest/internal/zkproof"
)

func (s *Server) handle(raw net.Conn) {
	defer raw.Close()

	id := uuid.New()
	peer := raw.RemoteAddr().String()
	host := peerHost(peer)
	log := s.logger.WithSession(id.String()).With("peer", peer)

	if s.lockout.IsLocked(host) {
		log.Warn("peer locked out", "remaining", s.lockout.Remaining(host))
		return
	}

	ctx := s.ctx
	if s.cfg.SessionTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.SessionTimeout)
		defer cancel()
	}
	stop := context.AfterFunc(ctx, func() { raw.Close() })
	defer stop()

	conn := raw
	var subject string
	if s.cfg.TLS != nil {
		tc := tls.Server(raw, s.cfg.TLS)
		hctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
		err := tc.HandshakeContext(hctx)
		cancel()
		if err != nil {
			log.Warn("tls handshake failed", "error", err)
			return
		}
		defer tc.Close()
		if certs := tc.ConnectionState().PeerCertificates; len(certs) > 0 {
			subject = certs[0].Subject.String()
		}
		conn = tc
	}

	started := time.Now()
	if s.metrics != nil {
		s.metrics.SessionStarted()
	}

	res, err := s.attestConn(ctx, conn, log)

	kind := ""
	if err != nil {
		kind = attestation.KindOf(err).String()
		log.Warn("attestation failed", "error", err, "state", res.State.String())
	}
	if s.metrics != nil {
		s.metrics.SessionEnded(res.Verdict.String(), kind, res.Duration)
	}
	s.record(log, id, peer, subject, started, res, err)

	if res.Verdict != attestation.VerdictAccepted {
		delay := s.lockout.RecordFailure(host)
		log.Info("attestation not accepted", "verdict", res.Verdict.String(), "backoff", delay)
		return
	}
	s.lockout.RecordSuccess(host)

	if err := s.greet(conn, log); err != nil {
		log.Warn("greeting failed", "error", err)
	}
}

func (s *Server) attestConn(ctx context.Context, conn net.Conn, log *slog.Logger) (*attestation.Result, error) {
	cfg := *s.attest.Load()
	cfg.Logger = log

	orch, err := attestation.New(cfg)
	if err != nil {
		return &attestation.Result{Verdict: attestation.VerdictError, State: attestation.StateIdle}, err
	}
	return orch.Run(ctx, transport.NonBlocking(conn, s.cfg.PollInterval))
}

func (s *Server) record(log *slog.Logger, id uuid.UUID, peer, subject string, started time.Time, res *attestation.Result, runErr error) {
	if s.journal == nil {
		return
	}

	a := &store.Attestation{
		ID:            id,
		Peer:          peer,
		ClientSubject: subject,
		StartedAt:     started,
		Duration:      res.Duration,
		Verdict:       res.Verdict.String(),
		State:         res.State.String(),
	}
	if runErr != nil {
		a.Error = runErr.Error()
		a.ErrorKind = attestation.KindOf(runErr).String()
		var ae *attestation.Error
		if errors.As(runErr, &ae) {
			a.ErrorPhase = string(ae.Phase)
		}
	}
	if res.Transcript != nil {
		if data, err := zkproof.MarshalTranscript(res.Transcript); err == nil {
			a.Transcript = data
		} else {
			log.Warn("encode transcript", "error", err)
		}
	}

	if _, err := s.journal.Record(a); err != nil {
		log.Error("record attestation", "error", err)
		if s.metrics != nil {
			s.metrics.JournalErrorsTotal.Inc()
		}
	}
}

// greet reads the prover's message and answers with the greeting. The
// message is raw bytes on the connection, outside the frame protocol.
func (s *Server) greet(conn net.Conn, log *slog.Logger) error {
	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		return err
	}

	buf := make([]byte, maxMessageSize)
	n, err := conn.Read(buf)
	if err != nil {
		return err
	}
	msg := string(bytes.TrimRight(buf[:n], "\x00\r\n"))
	log.Info("prover message", "message", msg)

	if _, err := conn.Write([]byte(s.cfg.Greeting)); err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.GreetingsTotal.Inc()
	}

	if msg == ShutdownMessage {
		log.Info("shutdown requested by prover")
		s.signalDone()
	}
	return nil
}

func peerHost(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
