// Copyright (C) 2026 DevSync AI (engineering@devsync.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/awnumar/memguard"
	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// ReplyBufferSize is the capacity of the mlocked buffer holding an
	// in-flight assistant reply. 512 KB matches the file tree size cap, so
	// a structured code-edit reply always fits.
	ReplyBufferSize = 512 * 1024

	// MinMlockLimitKB is the minimum mlock limit required in kilobytes.
	MinMlockLimitKB = 512

	// insecureMemoryEnv acknowledges running without mlocked buffers.
	insecureMemoryEnv = "DEVSYNC_INSECURE_MEMORY"
)

// =============================================================================
// Package Variables
// =============================================================================

var (
	memguardInitOnce    sync.Once
	mlockSufficient     bool
	currentMlockLimitKB int64
)

// =============================================================================
// Interface Definition
// =============================================================================

// ReplyAccumulator collects streamed assistant chunks into a single reply.
//
// # Description
//
// Chunks may contain user project source, so the accumulator keeps them in
// mlocked memory where the system allows it, wiping on finalize or destroy.
// The fallback chain holds one accumulator per model attempt; the finalized
// buffer is the text the chain returns, and a failed attempt's partial
// accumulation is wiped, never surfaced. Chunks are hashed incrementally;
// Finalize returns the reply together with its SHA-256 so callers can log
// an integrity fingerprint without logging content.
//
// # Thread Safety
//
// Implementations are safe for concurrent use.
//
// # Limitations
//
//   - Fixed capacity; an oversized reply poisons the accumulator.
//   - Single use: unusable after Finalize() or Destroy().
type ReplyAccumulator interface {
	// Write appends one streamed chunk.
	Write(chunk string) error

	// Finalize returns the accumulated reply and its SHA-256 hex digest,
	// then wipes the buffer.
	Finalize() (reply string, digest string, err error)

	// Destroy wipes the buffer without returning data. Idempotent.
	Destroy()

	// ID identifies the accumulator instance for logging.
	ID() string
}

// =============================================================================
// Struct Definitions
// =============================================================================

// secureReplyAccumulator stores chunks in a memguard LockedBuffer.
type secureReplyAccumulator struct {
	id        string
	createdAt time.Time
	mu        sync.Mutex
	buffer    *memguard.LockedBuffer
	offset    int
	hasher    hash.Hash
	overflow  bool
	destroyed bool
}

// insecureReplyAccumulator is the fallback for systems without sufficient
// mlock. Same contract, standard Go memory: data may be swapped to disk.
type insecureReplyAccumulator struct {
	id        string
	createdAt time.Time
	mu        sync.Mutex
	data      []byte
	hasher    hash.Hash
	overflow  bool
	destroyed bool
}

// =============================================================================
// Constructors
// =============================================================================

// NewReplyAccumulator allocates an accumulator for one model attempt.
//
// # Description
//
// Prefers an mlocked buffer. When the mlock limit is below MinMlockLimitKB,
// returns an error unless DEVSYNC_INSECURE_MEMORY=true, in which case the
// insecure fallback is used with a warning.
func NewReplyAccumulator() (ReplyAccumulator, error) {
	initMemguard()

	if !mlockSufficient {
		if os.Getenv(insecureMemoryEnv) == "true" {
			return newInsecureReplyAccumulator(), nil
		}
		return nil, fmt.Errorf(
			"mlock limit insufficient: have %d KB, need %d KB. Raise the limit or set %s=true",
			currentMlockLimitKB, MinMlockLimitKB, insecureMemoryEnv,
		)
	}

	buf := memguard.NewBuffer(ReplyBufferSize)
	if buf == nil {
		return nil, fmt.Errorf("failed to allocate secure buffer of %d bytes", ReplyBufferSize)
	}
	buf.Melt()

	return &secureReplyAccumulator{
		id:        uuid.New().String(),
		createdAt: time.Now(),
		buffer:    buf,
		hasher:    sha256.New(),
	}, nil
}

func newInsecureReplyAccumulator() ReplyAccumulator {
	accID := uuid.New().String()
	slog.Warn("Created INSECURE reply accumulator - data may be swapped to disk",
		"accumulator_id", accID,
	)
	return &insecureReplyAccumulator{
		id:        accID,
		createdAt: time.Now(),
		data:      make([]byte, 0, ReplyBufferSize),
		hasher:    sha256.New(),
	}
}

// =============================================================================
// secureReplyAccumulator Methods
// =============================================================================

func (a *secureReplyAccumulator) Write(chunk string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return fmt.Errorf("accumulator already destroyed")
	}
	if a.overflow {
		return fmt.Errorf("secure buffer overflow - reply too large")
	}

	chunkBytes := []byte(chunk)
	if a.offset+len(chunkBytes) > ReplyBufferSize {
		a.overflow = true
		return fmt.Errorf("secure buffer overflow: need %d bytes, have %d remaining",
			len(chunkBytes), ReplyBufferSize-a.offset)
	}

	copy(a.buffer.Bytes()[a.offset:], chunkBytes)
	a.offset += len(chunkBytes)
	a.hasher.Write(chunkBytes)
	return nil
}

func (a *secureReplyAccumulator) Finalize() (string, string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return "", "", fmt.Errorf("accumulator already destroyed")
	}
	if a.overflow {
		a.wipe()
		return "", "", fmt.Errorf("buffer overflowed during accumulation")
	}

	reply := string(a.buffer.Bytes()[:a.offset])
	digest := hex.EncodeToString(a.hasher.Sum(nil))
	a.wipe()

	slog.Debug("Finalized reply accumulator",
		"accumulator_id", a.id,
		"reply_length", len(reply),
		"digest", digest[:16],
	)
	return reply, digest, nil
}

func (a *secureReplyAccumulator) Destroy() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.destroyed {
		return
	}
	a.wipe()
	slog.Debug("Destroyed reply accumulator", "accumulator_id", a.id)
}

func (a *secureReplyAccumulator) ID() string {
	return a.id
}

// wipe destroys the locked buffer and marks the accumulator as dead.
// Caller holds a.mu.
func (a *secureReplyAccumulator) wipe() {
	if a.buffer != nil {
		a.buffer.Destroy()
	}
	a.destroyed = true
}

// =============================================================================
// insecureReplyAccumulator Methods
// =============================================================================

func (a *insecureReplyAccumulator) Write(chunk string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return fmt.Errorf("accumulator already destroyed")
	}
	if a.overflow {
		return fmt.Errorf("buffer overflow - reply too large")
	}

	chunkBytes := []byte(chunk)
	if len(a.data)+len(chunkBytes) > ReplyBufferSize {
		a.overflow = true
		return fmt.Errorf("buffer overflow: need %d bytes, have %d remaining",
			len(chunkBytes), ReplyBufferSize-len(a.data))
	}

	a.data = append(a.data, chunkBytes...)
	a.hasher.Write(chunkBytes)
	return nil
}

func (a *insecureReplyAccumulator) Finalize() (string, string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.destroyed {
		return "", "", fmt.Errorf("accumulator already destroyed")
	}
	if a.overflow {
		a.wipe()
		return "", "", fmt.Errorf("buffer overflowed during accumulation")
	}

	reply := string(a.data)
	digest := hex.EncodeToString(a.hasher.Sum(nil))
	a.wipe()
	return reply, digest, nil
}

func (a *insecureReplyAccumulator) Destroy() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.destroyed {
		return
	}
	a.wipe()
}

func (a *insecureReplyAccumulator) ID() string {
	return a.id
}

// wipe zeroes the slice best-effort. Caller holds a.mu.
func (a *insecureReplyAccumulator) wipe() {
	for i := range a.data {
		a.data[i] = 0
	}
	a.data = nil
	a.destroyed = true
}

// =============================================================================
// Package Initialization
// =============================================================================

// initMemguard checks mlock limits once and arms interrupt purging.
func initMemguard() {
	memguardInitOnce.Do(func() {
		memguard.CatchInterrupt()
		mlockSufficient, currentMlockLimitKB = checkMlockLimit()
		if mlockSufficient {
			slog.Info("Secure memory initialized",
				"mlock_limit_kb", currentMlockLimitKB,
				"required_kb", MinMlockLimitKB,
			)
		} else {
			slog.Warn("mlock limit insufficient for secure reply buffers",
				"current_limit_kb", currentMlockLimitKB,
				"required_kb", MinMlockLimitKB,
				"env_override", insecureMemoryEnv+"=true",
			)
		}
	})
}

// checkMlockLimit reports whether RLIMIT_MEMLOCK allows a reply buffer.
// Returns -1 for an unlimited or unknown limit.
func checkMlockLimit() (bool, int64) {
	var rlimit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_MEMLOCK, &rlimit); err != nil {
		slog.Warn("Could not determine mlock limit", "error", err)
		return true, -1
	}
	if rlimit.Cur == unix.RLIM_INFINITY {
		return true, -1
	}
	limitKB := int64(rlimit.Cur / 1024)
	return limitKB >= MinMlockLimitKB, limitKB
}

// PurgeAllSecureMemory wipes all memguard-allocated memory. Called during
// graceful shutdown.
func PurgeAllSecureMemory() {
	memguard.Purge()
}

// =============================================================================
// Compile-time Interface Checks
// =============================================================================

var _ ReplyAccumulator = (*secureReplyAccumulator)(nil)
var _ ReplyAccumulator = (*insecureReplyAccumulator)(nil)
