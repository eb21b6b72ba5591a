// Package challenge models the function-call envelopes exchanged during
// attestation: a 32-bit function identifier followed by up to four data
// portions whose sizes are fixed by a pattern.
package challenge

import (
	"fmt"
)

// FunctionID identifies the operation a call requests.
type FunctionID uint32

// Standard function identifiers.
const (
	FuncInit          FunctionID = 0x00112233
	FuncGetCommitment FunctionID = 0x11223344
	FuncGetZKProofs   FunctionID = 0x22334455
)

func (id FunctionID) String() string {
	switch id {
	case FuncInit:
		return "INIT"
	case FuncGetCommitment:
		return "GET_COMMITMENT"
	case FuncGetZKProofs:
		return "GET_ZK_PROOFS"
	}
	return fmt.Sprintf("0x%08x", uint32(id))
}

// IDSet names the identifier used for each attestation phase.
type IDSet struct {
	Init       FunctionID
	Commitment FunctionID
	Proofs     FunctionID
}

// StandardIDs is the identifier set used by current provers.
var StandardIDs = IDSet{
	Init:       FuncInit,
	Commitment: FuncGetCommitment,
	Proofs:     FuncGetZKProofs,
}

// CompactIDs is the numbering of legacy provers, which used 69 and 70 for
// the commitment and proof requests. Setup takes the preceding value.
var CompactIDs = IDSet{
	Init:       68,
	Commitment: 69,
	Proofs:     70,
}

// IDSetByName returns "standard" or "compact".
func IDSetByName(name string) (IDSet, error) {
	switch name {
	case "", "standard":
		return StandardIDs, nil
	case "compact":
		return CompactIDs, nil
	}
	return IDSet{}, fmt.Errorf("unknown function id set %q", name)
}

// MaxPortions is the number of data portion slots in a call.
const MaxPortions = 4

// Pattern holds the per-slot portion lengths of a call. A zero length
// leaves the slot absent.
type Pattern [MaxPortions]uint8

// Patterns used by the attestation phases.
var (
	PatternEmpty      = Pattern{}
	PatternCommitment = Pattern{32, 32, 0, 0}
	PatternProofs     = Pattern{32, 32, 64, 0}
	PatternResponse   = Pattern{32, 32, 32, 32}
)

// Present returns the number of non-empty slots.
func (p Pattern) Present() int {
	n := 0
	for _, l := range p {
		if l > 0 {
			n++
		}
	}
	return n
}

// DataPortion is an opaque buffer whose length is fixed at construction.
type DataPortion struct {
	Data []byte
}

// Len returns the portion length; zero means absent.
func (d DataPortion) Len() int { return len(d.Data) }

// Present reports whether the slot was allocated.
func (d DataPortion) Present() bool { return len(d.Data) > 0 }

// FunctionCall is one request or response envelope.
type FunctionCall struct {
	ID       FunctionID
	Portions [MaxPortions]DataPortion
}

// Construct allocates a call with zeroed portions sized by pattern.
func Construct(id FunctionID, pattern Pattern) *FunctionCall {
	c := &FunctionCall{ID: id}
	for i, l := range pattern {
		if l > 0 {
			c.Portions[i].Data = make([]byte, l)
		}
	}
	return c
}

// Destroy wipes and releases all portions. It is safe on nil and on calls
// that were already destroyed.
func (c *FunctionCall) Destroy() {
	if c == nil {
		return
	}
	for i := range c.Portions {
		clear(c.Portions[i].Data)
		c.Portions[i].Data = nil
	}
}

// Pattern returns the current portion layout.
func (c *FunctionCall) Pattern() Pattern {
	var p Pattern
	for i, d := range c.Portions {
		p[i] = uint8(d.Len())
	}
	return p
}

// Portion returns the contents of slot i, or nil when absent or out of
// range.
func (c *FunctionCall) Portion(i int) []byte {
	if i < 0 || i >= MaxPortions {
		return nil
	}
	return c.Portions[i].Data
}

// Set copies data into slot i. The slot must be present and data must match
// its length exactly.
func (c *FunctionCall) Set(i int, data []byte) error {
	if i < 0 || i >= MaxPortions {
		return fmt.Errorf("portion index %d out of range", i)
	}
	p := c.Portions[i]
	if !p.Present() {
		return fmt.Errorf("portion %d is absent", i)
	}
	if len(data) != p.Len() {
		return fmt.Errorf("portion %d holds %d bytes, got %d", i, p.Len(), len(data))
	}
	copy(p.Data, data)
	return nil
}
