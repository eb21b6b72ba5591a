package hardware

// This file implements a software PUF backed by a random seed file. It
// stands in for a hardware PUF on development machines and in tests; the
// seed file can be copied, so it offers no anti-cloning guarantee.

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/crypto/hkdf"
)

// Software PUF errors
var (
	ErrSoftwarePUFSeedCorrupted = errors.New("hardware: software PUF seed file corrupted")
	ErrSoftwarePUFSeedMissing   = errors.New("hardware: software PUF seed not loaded")
	ErrSoftwarePUFWriteFailed   = errors.New("hardware: failed to write software PUF seed")
)

const (
	seedSize     = 32
	responseSize = 32
	responseInfo = "pufattest-software-puf-response-v1"
)

// SoftwarePUF derives responses as HKDF-SHA256(seed, challenge).
type SoftwarePUF struct {
	mu sync.RWMutex

	seedPath string
	seed     [seedSize]byte
	deviceID string
	loaded   bool
}

// NewSoftwarePUF loads the seed at seedPath, creating it if missing.
func NewSoftwarePUF(seedPath string) (*SoftwarePUF, error) {
	p := &SoftwarePUF{seedPath: seedPath}
	if err := p.loadOrCreateSeed(); err != nil {
		return nil, fmt.Errorf("failed to initialize seed: %w", err)
	}
	return p, nil
}

// NewSoftwarePUFFromSeed creates a software PUF from an in-memory seed.
func NewSoftwarePUFFromSeed(seed [seedSize]byte) *SoftwarePUF {
	p := &SoftwarePUF{seed: seed, loaded: true}
	p.computeDeviceID()
	return p
}

func (p *SoftwarePUF) loadOrCreateSeed() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(p.seedPath), 0700); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	data, err := os.ReadFile(p.seedPath)
	switch {
	case err == nil && len(data) == seedSize:
		copy(p.seed[:], data)
		p.computeDeviceID()
		p.loaded = true
		return nil
	case err == nil && len(data) > 0:
		return ErrSoftwarePUFSeedCorrupted
	case err != nil && !errors.Is(err, os.ErrNotExist):
		return fmt.Errorf("read seed: %w", err)
	}

	if _, err := rand.Read(p.seed[:]); err != nil {
		return fmt.Errorf("random generation failed: %w", err)
	}

	// Write atomically so a crash never leaves a truncated seed.
	tmpPath := fmt.Sprintf("%s.tmp.%d", p.seedPath, time.Now().UnixNano())
	if err := os.WriteFile(tmpPath, p.seed[:], 0600); err != nil {
		return fmt.Errorf("%w: %v", ErrSoftwarePUFWriteFailed, err)
	}
	if err := os.Rename(tmpPath, p.seedPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("%w: %v", ErrSoftwarePUFWriteFailed, err)
	}

	p.computeDeviceID()
	p.loaded = true
	return nil
}

func (p *SoftwarePUF) computeDeviceID() {
	h := sha256.Sum256(p.seed[:])
	p.deviceID = "swpuf-" + hex.EncodeToString(h[:8])
}

// Type implements PUF.Type.
func (p *SoftwarePUF) Type() PUFType { return PUFTypeSoftware }

// DeviceID implements PUF.DeviceID.
func (p *SoftwarePUF) DeviceID() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.deviceID
}

// Challenge implements PUF.Challenge.
func (p *SoftwarePUF) Challenge(challenge []byte) ([]byte, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if !p.loaded {
		return nil, ErrSoftwarePUFSeedMissing
	}
	if len(challenge) == 0 {
		return nil, ErrPUFChallengeInvalid
	}

	reader := hkdf.New(sha256.New, p.seed[:], challenge, []byte(responseInfo))
	response := make([]byte, responseSize)
	if _, err := io.ReadFull(reader, response); err != nil {
		return nil, fmt.Errorf("HKDF expand failed: %w", err)
	}
	return response, nil
}

// SeedPath returns where the seed is stored, or "" for in-memory seeds.
func (p *SoftwarePUF) SeedPath() string { return p.seedPath }

// Close implements PUF.Close.
func (p *SoftwarePUF) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	clear(p.seed[:])
	p.loaded = false
	return nil
}
