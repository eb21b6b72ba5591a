// pufattestd is the PUF attestation verifier daemon.
//
// It accepts prover connections, runs the setup, commitment and proof
// exchanges, verifies the zero-knowledge proof and greets accepted
// provers. Outcomes are journaled to SQLite and exposed over HTTP.
//
// Usage:
//
//	pufattestd [-config path] [-init] [-version]
package main

import (
	"flag"
	"fmt"
	"os"

	"pufattest/internal/config"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "", "configuration file (default: "+config.ConfigPath()+")")
	initFlag := flag.Bool("init", false, "write a default configuration file and exit")
	versionFlag := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *versionFlag {
		fmt.Printf("pufattestd %s (commit: %s, built: %s)\n", version, commit, buildTime)
		return
	}

	path := *configPath
	if path == "" {
		if found := config.FindConfigFile(); found != "" {
			path = found
		} else {
			path = config.ConfigPath()
		}
	}

	if *initFlag {
		_, created, err := config.LoadOrCreate(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if created {
			fmt.Printf("Wrote default configuration to %s\n", path)
		} else {
			fmt.Printf("Configuration already exists at %s\n", path)
		}
		return
	}

	d, err := newDaemon(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if err := d.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
