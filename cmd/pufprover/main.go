// pufprover attests a device to a pufattestd verifier.
//
// The device secrets come from a software PUF whose seed is kept at the
// configured seed path. After the exchange the prover sends a message;
// only an accepting verifier answers it.
//
// Usage:
//
//	pufprover [-config path] [-server host:port] [-message text] [-tls]
//
// Send the message "shutdown" to stop the verifier.
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"pufattest/internal/config"
	"pufattest/internal/device"
	"pufattest/internal/hardware"
	"pufattest/internal/logging"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "", "configuration file")
	serverAddr := flag.String("server", "", "verifier address (overrides config)")
	message := flag.String("message", "", "message sent after attestation (overrides config)")
	useTLS := flag.Bool("tls", false, "connect over TLS even if the config says insecure")
	skipVerify := flag.Bool("skip-verify", false, "do not verify the verifier certificate")
	timeout := flag.Duration("timeout", 2*time.Minute, "overall timeout")
	versionFlag := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *versionFlag {
		fmt.Printf("pufprover %s (commit: %s, built: %s)\n", version, commit, buildTime)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	p := cfg.Prover
	if *serverAddr != "" {
		p.ServerAddress = *serverAddr
	}
	if *message != "" {
		p.Message = *message
	}
	if *useTLS {
		p.Insecure = false
	}

	lc, err := cfg.LoggerConfig("pufprover")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(lc)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer logger.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	reply, err := run(ctx, cfg, p, *skipVerify, logger)
	if errors.Is(err, device.ErrNotAccepted) {
		fmt.Fprintln(os.Stderr, "Attestation was not accepted")
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}
	fmt.Println(reply)
}

func run(ctx context.Context, cfg *config.Config, p config.ProverConfig, skipVerify bool, logger *logging.Logger) (string, error) {
	puf, err := hardware.NewSoftwarePUF(p.SeedPath)
	if err != nil {
		return "", err
	}
	defer puf.Close()

	dc, err := cfg.Device()
	if err != nil {
		return "", err
	}
	dc.Logger = logger.Logger
	responder, err := device.NewResponder(puf, dc)
	if err != nil {
		return "", err
	}

	var tlsCfg *tls.Config
	if !p.Insecure {
		tlsCfg, err = device.ClientTLSConfig(p.CertFile, p.KeyFile, p.CAFile, p.ServerName, skipVerify)
		if err != nil {
			return "", err
		}
	}

	conn, err := device.Dial(ctx, p.ServerAddress, tlsCfg)
	if err != nil {
		return "", err
	}
	defer conn.Close()

	logger.Info("attesting", "server", p.ServerAddress, "device_id", puf.DeviceID(), "tls", tlsCfg != nil)
	return responder.Attest(ctx, conn, cfg.Protocol.PollInterval(), p.Message)
}
