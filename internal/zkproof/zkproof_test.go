package zkproof

import (
	"crypto/sha256"
	"math/big"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pufattest/internal/bigutil"
	"pufattest/internal/ecc"
)

func baseH(t *testing.T) ecc.Point {
	t.Helper()
	h, err := ecc.HashToPoint([]byte("zkproof-test/h"))
	require.NoError(t, err)
	return h
}

// validTranscript runs the reference prover with deterministic randomness.
func validTranscript(t *testing.T, seed int64, nonce *big.Int) *Transcript {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	g, h := ecc.Generator(), baseH(t)

	s1 := new(big.Int).Rand(rng, ecc.Order())
	s2 := new(big.Int).Rand(rng, ecc.Order())
	com, err := Commit(g, h, s1, s2)
	require.NoError(t, err)

	proof, err := Prove(rng, g, h, s1, s2, nonce)
	require.NoError(t, err)

	return &Transcript{G: g, H: h, COM: com, P: proof.P, Nonce: nonce, V: proof.V, W: proof.W}
}

func flipBit(v *big.Int, bit int) *big.Int {
	return new(big.Int).SetBit(v, bit, v.Bit(bit)^1)
}

func TestPreimageLayout(t *testing.T) {
	p := ecc.Generator()
	nonce := big.NewInt(0x0102)

	pre, err := Preimage(p, nonce)
	require.NoError(t, err)
	require.Len(t, pre, 128)

	px, py, err := p.Coordinates()
	require.NoError(t, err)
	assert.Equal(t, px, pre[:32])
	assert.Equal(t, py, pre[32:64])
	assert.Equal(t, byte(0x01), pre[126])
	assert.Equal(t, byte(0x02), pre[127])
	assert.Equal(t, make([]byte, 62), pre[64:126])
}

func TestChallenge_IsUnreducedDigest(t *testing.T) {
	p := ecc.Generator()
	nonce := new(big.Int)

	alpha, err := Challenge(p, nonce)
	require.NoError(t, err)

	pre, err := Preimage(p, nonce)
	require.NoError(t, err)
	sum := sha256.Sum256(pre)
	assert.Zero(t, new(big.Int).SetBytes(sum[:]).Cmp(alpha))
}

func TestChallenge_NonceTooWide(t *testing.T) {
	wide := new(big.Int).Lsh(big.NewInt(1), 512)
	_, err := Challenge(ecc.Generator(), wide)
	assert.ErrorIs(t, err, bigutil.ErrOverflow)
}

func TestVerify_WideNonceRejects(t *testing.T) {
	tr := validTranscript(t, 7, big.NewInt(0x42))
	tr.Nonce = new(big.Int).Lsh(big.NewInt(1), 8*NonceSize)

	res, err := Verify(tr)
	require.NoError(t, err)
	assert.Equal(t, Rejected, res)
}

func TestVerify_Accepts(t *testing.T) {
	nonce, _ := new(big.Int).SetString("8899aabbccddeeff00112233445566778899aabbccddeeff0011223344556677"+
		"8899aabbccddeeff00112233445566778899aabbccddeeff0011223344556677", 16)

	for seed := int64(1); seed <= 5; seed++ {
		res, err := Verify(validTranscript(t, seed, nonce))
		require.NoError(t, err)
		assert.Equal(t, Accepted, res, "seed %d", seed)
	}
}

func TestVerify_SingleBitCorruptionRejects(t *testing.T) {
	nonce := new(big.Int).Lsh(big.NewInt(0xAB), 300)

	tests := []struct {
		name    string
		corrupt func(tr *Transcript)
	}{
		{"v low bit", func(tr *Transcript) { tr.V = flipBit(tr.V, 0) }},
		{"v high bit", func(tr *Transcript) { tr.V = flipBit(tr.V, 200) }},
		{"w", func(tr *Transcript) { tr.W = flipBit(tr.W, 17) }},
		{"P.x", func(tr *Transcript) { tr.P.X = flipBit(tr.P.X, 3) }},
		{"P.y", func(tr *Transcript) { tr.P.Y = flipBit(tr.P.Y, 100) }},
		{"nonce low bit", func(tr *Transcript) { tr.Nonce = flipBit(tr.Nonce, 0) }},
		{"nonce top bit", func(tr *Transcript) { tr.Nonce = flipBit(tr.Nonce, 511) }},
		{"COM.x", func(tr *Transcript) { tr.COM.X = flipBit(tr.COM.X, 9) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := validTranscript(t, 42, nonce)
			tt.corrupt(tr)

			res, err := Verify(tr)
			require.NoError(t, err)
			assert.Equal(t, Rejected, res)
		})
	}
}

func TestVerify_FixedVectorScenario(t *testing.T) {
	rng := rand.New(rand.NewSource(99))
	g, h := ecc.Generator(), baseH(t)
	v := new(big.Int).Rand(rng, ecc.Order())
	w := new(big.Int).Rand(rng, ecc.Order())
	nonce := new(big.Int)

	com, err := Commit(g, h, v, w)
	require.NoError(t, err)
	p, err := ecc.ScalarMul(big.NewInt(7), g)
	require.NoError(t, err)

	tr := &Transcript{G: g, H: h, COM: com, P: p, Nonce: nonce, V: v, W: w}

	alpha, err := Challenge(p, nonce)
	require.NoError(t, err)
	ac, err := ecc.ScalarMul(alpha, com)
	require.NoError(t, err)
	rhs, err := ecc.Add(p, ac)
	require.NoError(t, err)

	want := Rejected
	if com.Equal(rhs) {
		want = Accepted
	}
	res, err := Verify(tr)
	require.NoError(t, err)
	assert.Equal(t, want, res)

	// A genuine proof over the same bases and zero nonce is accepted, and
	// corrupting COM breaks it.
	good := validTranscript(t, 99, nonce)
	res, err = Verify(good)
	require.NoError(t, err)
	assert.Equal(t, Accepted, res)

	good.COM.Y = flipBit(good.COM.Y, 0)
	res, err = Verify(good)
	require.NoError(t, err)
	assert.Equal(t, Rejected, res)
}

func TestVerify_ArithmeticErrorIsNotRejection(t *testing.T) {
	tr := validTranscript(t, 3, big.NewInt(1))
	tr.G = ecc.Point{X: big.NewInt(5), Y: new(big.Int)}
	tr.V = big.NewInt(2)

	_, err := Verify(tr)
	assert.ErrorIs(t, err, ecc.ErrArithmetic)
}

func TestResultString(t *testing.T) {
	assert.Equal(t, "accepted", Accepted.String())
	assert.Equal(t, "rejected", Rejected.String())
}

func TestTranscriptJSON(t *testing.T) {
	tr := validTranscript(t, 11, big.NewInt(12345))

	data, err := MarshalTranscript(tr)
	require.NoError(t, err)

	parsed, err := ParseTranscript(data)
	require.NoError(t, err)
	assert.True(t, parsed.P.Equal(tr.P))
	assert.Equal(t, tr.Nonce, parsed.Nonce)

	res, err := Verify(parsed)
	require.NoError(t, err)
	assert.Equal(t, Accepted, res)
}

func TestParseTranscript_DecimalScalars(t *testing.T) {
	doc := `{
		"g": {"x": "1", "y": "2"}, "h": {"x": "0x3", "y": "0x4"},
		"com": {"x": "5", "y": "6"}, "p": {"x": "7", "y": "8"},
		"nonce": "0", "v": "10", "w": "0X0b"
	}`
	tr, err := ParseTranscript([]byte(doc))
	require.NoError(t, err)
	assert.Zero(t, big.NewInt(4).Cmp(tr.H.Y), "got %s", tr.H.Y)
	assert.Zero(t, big.NewInt(11).Cmp(tr.W), "got %s", tr.W)
}

func TestParseTranscript_Invalid(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"not json", `{`},
		{"missing field", `{"g": {"x": "1", "y": "2"}}`},
		{"bad scalar", `{"g": {"x": "0xZZ", "y": "2"}, "h": {"x": "1", "y": "1"}, "com": {"x": "1", "y": "1"},
			"p": {"x": "1", "y": "1"}, "nonce": "0", "v": "1", "w": "1"}`},
		{"numeric scalar", `{"g": {"x": 1, "y": "2"}, "h": {"x": "1", "y": "1"}, "com": {"x": "1", "y": "1"},
			"p": {"x": "1", "y": "1"}, "nonce": "0", "v": "1", "w": "1"}`},
		{"unknown field", `{"g": {"x": "1", "y": "2"}, "h": {"x": "1", "y": "1"}, "com": {"x": "1", "y": "1"},
			"p": {"x": "1", "y": "1"}, "nonce": "0", "v": "1", "w": "1", "extra": true}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseTranscript([]byte(tt.doc))
			assert.ErrorIs(t, err, ErrInvalidTranscript)
		})
	}
}
