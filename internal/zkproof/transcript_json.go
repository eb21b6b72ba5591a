package zkproof

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"pufattest/internal/bigutil"
	"pufattest/internal/ecc"
)

// ErrInvalidTranscript is returned for documents that do not match the
// transcript schema.
var ErrInvalidTranscript = errors.New("zkproof: invalid transcript document")

const transcriptSchemaURL = "transcript-v1.schema.json"

const transcriptSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "title": "PUF attestation transcript",
  "type": "object",
  "required": ["g", "h", "com", "p", "nonce", "v", "w"],
  "additionalProperties": false,
  "properties": {
    "version": {"const": 1},
    "g": {"$ref": "#/$defs/point"},
    "h": {"$ref": "#/$defs/point"},
    "com": {"$ref": "#/$defs/point"},
    "p": {"$ref": "#/$defs/point"},
    "nonce": {"$ref": "#/$defs/scalar"},
    "v": {"$ref": "#/$defs/scalar"},
    "w": {"$ref": "#/$defs/scalar"}
  },
  "$defs": {
    "scalar": {
      "type": "string",
      "pattern": "^(0[xX][0-9a-fA-F]+|[0-9]+)$"
    },
    "point": {
      "type": "object",
      "required": ["x", "y"],
      "additionalProperties": false,
      "properties": {
        "x": {"$ref": "#/$defs/scalar"},
        "y": {"$ref": "#/$defs/scalar"}
      }
    }
  }
}`

var compiledSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(transcriptSchemaURL, strings.NewReader(transcriptSchema)); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	return compiler.Compile(transcriptSchemaURL)
})

type pointJSON struct {
	X string `json:"x"`
	Y string `json:"y"`
}

type transcriptJSON struct {
	Version int       `json:"version,omitempty"`
	G       pointJSON `json:"g"`
	H       pointJSON `json:"h"`
	COM     pointJSON `json:"com"`
	P       pointJSON `json:"p"`
	Nonce   string    `json:"nonce"`
	V       string    `json:"v"`
	W       string    `json:"w"`
}

func encodePoint(p ecc.Point) pointJSON {
	return pointJSON{X: bigutil.Hex(p.X), Y: bigutil.Hex(p.Y)}
}

// MarshalTranscript encodes t as an indented JSON document with
// hexadecimal scalars.
func MarshalTranscript(t *Transcript) ([]byte, error) {
	doc := transcriptJSON{
		Version: 1,
		G:       encodePoint(t.G),
		H:       encodePoint(t.H),
		COM:     encodePoint(t.COM),
		P:       encodePoint(t.P),
		Nonce:   bigutil.Hex(t.Nonce),
		V:       bigutil.Hex(t.V),
		W:       bigutil.Hex(t.W),
	}
	return json.MarshalIndent(doc, "", "  ")
}

// ParseTranscript validates data against the transcript schema and decodes
// it. Scalars may be decimal or 0x-prefixed hexadecimal.
func ParseTranscript(data []byte) (*Transcript, error) {
	schema, err := compiledSchema()
	if err != nil {
		return nil, err
	}

	var instance any
	if err := json.Unmarshal(data, &instance); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidTranscript, err)
	}
	if err := schema.Validate(instance); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidTranscript, err)
	}

	var doc transcriptJSON
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidTranscript, err)
	}

	var (
		t    Transcript
		perr error
	)
	scalar := func(field, text string) *big.Int {
		if perr != nil {
			return nil
		}
		v, err := bigutil.ParseTextualScalar(text)
		if err != nil {
			perr = fmt.Errorf("%s: %w", field, err)
		}
		return v
	}
	point := func(field string, p pointJSON) ecc.Point {
		return ecc.Point{X: scalar(field+".x", p.X), Y: scalar(field+".y", p.Y)}
	}

	t.G = point("g", doc.G)
	t.H = point("h", doc.H)
	t.COM = point("com", doc.COM)
	t.P = point("p", doc.P)
	t.Nonce = scalar("nonce", doc.Nonce)
	t.V = scalar("v", doc.V)
	t.W = scalar("w", doc.W)
	if perr != nil {
		return nil, perr
	}
	return &t, nil
}
