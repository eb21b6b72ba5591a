// pufverify checks a PUF attestation proof offline.
//
// The transcript is given either as a JSON file written by pufattestd's
// journal API or as individual decimal or 0x-hexadecimal values.
//
// Usage:
//
//	pufverify -transcript transcript.json
//	pufverify -gx .. -gy .. -hx .. -hy .. -COMx .. -COMy .. -Px .. -Py .. -nonce .. -v .. -w ..
//
// Exit codes: 0 accepted, 1 rejected, 2 usage or input error.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math/big"
	"os"

	"pufattest/internal/bigutil"
	"pufattest/internal/ecc"
	"pufattest/internal/zkproof"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

const (
	exitAccepted = 0
	exitRejected = 1
	exitError    = 2
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// scalarFlags are the textual transcript values, in flag order.
var scalarFlags = []string{"gx", "gy", "hx", "hy", "COMx", "COMy", "Px", "Py", "nonce", "v", "w"}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("pufverify", flag.ContinueOnError)
	fs.SetOutput(stderr)

	transcriptFile := fs.String("transcript", "", "transcript JSON file")
	formatStr := fs.String("format", "text", "output format: text, json")
	out := fs.String("out", "", "also write the transcript as JSON to this file")
	versionFlag := fs.Bool("version", false, "print version and exit")

	values := make(map[string]*string, len(scalarFlags))
	for _, name := range scalarFlags {
		values[name] = fs.String(name, "", name+" as decimal or 0x-prefixed hex")
	}

	fs.Usage = func() {
		fmt.Fprintf(stderr, "pufverify - Verify a PUF attestation proof\n\n")
		fmt.Fprintf(stderr, "Usage:\n")
		fmt.Fprintf(stderr, "  pufverify -transcript file.json\n")
		fmt.Fprintf(stderr, "  pufverify -gx X -gy Y -hx X -hy Y -COMx X -COMy Y -Px X -Py Y -nonce N -v V -w W\n\n")
		fmt.Fprintf(stderr, "Flags:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return exitError
	}

	if *versionFlag {
		fmt.Fprintf(stdout, "pufverify %s (commit: %s, built: %s)\n", version, commit, buildTime)
		return exitAccepted
	}
	if *formatStr != "text" && *formatStr != "json" {
		fmt.Fprintf(stderr, "Error: unknown format %q\n", *formatStr)
		return exitError
	}

	var (
		t   *zkproof.Transcript
		err error
	)
	if *transcriptFile != "" {
		t, err = loadTranscript(*transcriptFile)
	} else {
		t, err = transcriptFromFlags(values)
	}
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		if *transcriptFile == "" {
			fs.Usage()
		}
		return exitError
	}

	if *out != "" {
		data, err := zkproof.MarshalTranscript(t)
		if err == nil {
			err = os.WriteFile(*out, data, 0644)
		}
		if err != nil {
			fmt.Fprintf(stderr, "Error writing transcript: %v\n", err)
			return exitError
		}
	}

	result, err := zkproof.Verify(t)
	if err != nil {
		fmt.Fprintf(stderr, "Error: verification could not complete: %v\n", err)
		return exitError
	}

	report(stdout, *formatStr, result)
	if result == zkproof.Accepted {
		return exitAccepted
	}
	return exitRejected
}

func report(w io.Writer, format string, result zkproof.Result) {
	if format == "json" {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"result":   result.String(),
			"accepted": result == zkproof.Accepted,
		})
		return
	}
	if result == zkproof.Accepted {
		fmt.Fprintln(w, "Accepted")
	} else {
		fmt.Fprintln(w, "Rejected")
	}
}

func loadTranscript(path string) (*zkproof.Transcript, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return zkproof.ParseTranscript(data)
}

func transcriptFromFlags(values map[string]*string) (*zkproof.Transcript, error) {
	parsed := make(map[string]*big.Int, len(scalarFlags))
	var missing []string
	for _, name := range scalarFlags {
		text := *values[name]
		if text == "" {
			missing = append(missing, "-"+name)
			continue
		}
		v, err := bigutil.ParseTextualScalar(text)
		if err != nil {
			return nil, fmt.Errorf("-%s: %w", name, err)
		}
		parsed[name] = v
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("missing %v (or use -transcript)", missing)
	}

	point := func(x, y string) ecc.Point {
		return ecc.NewPoint(parsed[x], parsed[y])
	}
	return &zkproof.Transcript{
		G:     point("gx", "gy"),
		H:     point("hx", "hy"),
		COM:   point("COMx", "COMy"),
		P:     point("Px", "Py"),
		Nonce: parsed["nonce"],
		V:     parsed["v"],
		W:     parsed["w"],
	}, nil
}
