package main

import (
	"bytes"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pufattest/internal/bigutil"
	"pufattest/internal/ecc"
	"pufattest/internal/zkproof"
)

func validTranscript(t *testing.T) *zkproof.Transcript {
	t.Helper()
	g := ecc.Generator()
	h, err := ecc.HashToPoint([]byte("pufverify test h"))
	require.NoError(t, err)

	s1, s2 := big.NewInt(123456789), big.NewInt(987654321)
	nonce := new(big.Int).SetBytes(bytes.Repeat([]byte{0x5a}, zkproof.NonceSize))

	com, err := zkproof.Commit(g, h, s1, s2)
	require.NoError(t, err)
	proof, err := zkproof.Prove(nil, g, h, s1, s2, nonce)
	require.NoError(t, err)

	return &zkproof.Transcript{G: g, H: h, COM: com, P: proof.P, Nonce: nonce, V: proof.V, W: proof.W}
}

func flagArgs(tr *zkproof.Transcript) []string {
	vals := []*big.Int{tr.G.X, tr.G.Y, tr.H.X, tr.H.Y, tr.COM.X, tr.COM.Y, tr.P.X, tr.P.Y, tr.Nonce, tr.V, tr.W}
	var args []string
	for i, name := range scalarFlags {
		// Mix both accepted notations.
		text := vals[i].String()
		if i%2 == 0 {
			text = bigutil.Hex(vals[i])
		}
		args = append(args, "-"+name, text)
	}
	return args
}

func TestRunAcceptsValidFlags(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := run(flagArgs(validTranscript(t)), &stdout, &stderr)
	assert.Equal(t, exitAccepted, code, stderr.String())
	assert.Equal(t, "Accepted\n", stdout.String())
}

func TestRunRejectsTamperedProof(t *testing.T) {
	tr := validTranscript(t)
	tr.V = new(big.Int).Add(tr.V, big.NewInt(1))

	var stdout, stderr bytes.Buffer
	code := run(append(flagArgs(tr), "-format", "json"), &stdout, &stderr)
	assert.Equal(t, exitRejected, code)
	assert.JSONEq(t, `{"result":"rejected","accepted":false}`, stdout.String())
}

func TestRunTranscriptFile(t *testing.T) {
	data, err := zkproof.MarshalTranscript(validTranscript(t))
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "transcript.json")
	require.NoError(t, os.WriteFile(path, data, 0600))

	var stdout, stderr bytes.Buffer
	assert.Equal(t, exitAccepted, run([]string{"-transcript", path}, &stdout, &stderr))
}

func TestRunWritesTranscript(t *testing.T) {
	out := filepath.Join(t.TempDir(), "out.json")
	var stdout, stderr bytes.Buffer
	require.Equal(t, exitAccepted, run(append(flagArgs(validTranscript(t)), "-out", out), &stdout, &stderr))

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	parsed, err := zkproof.ParseTranscript(data)
	require.NoError(t, err)
	res, err := zkproof.Verify(parsed)
	require.NoError(t, err)
	assert.Equal(t, zkproof.Accepted, res)
}

func TestRunInputErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"no input", nil, "missing"},
		{"bad scalar", append(flagArgs(validTranscript(t)), "-v", "-5"), "-v"},
		{"missing file", []string{"-transcript", filepath.Join(t.TempDir(), "nope.json")}, "no such file"},
		{"bad format", []string{"-format", "xml"}, "unknown format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			code := run(tt.args, &stdout, &stderr)
			assert.Equal(t, exitError, code)
			if !strings.Contains(stderr.String(), tt.want) {
				t.Errorf("stderr %q does not mention %q", stderr.String(), tt.want)
			}
		})
	}
}
