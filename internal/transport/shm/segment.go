/*
 * Copyright 2025 The shmbus Authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package shm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Role records which side of the channel a Segment was opened for.
type Role int

const (
	RoleWriter Role = iota
	RoleReader
)

func (r Role) String() string {
	if r == RoleWriter {
		return "writer"
	}
	return "reader"
}

// Option configures segment opening.
type Option func(*options)

type options struct {
	backend         Backend
	logger          *slog.Logger
	keepOnClose     bool
	expectedCeiling uint64
}

// WithBackend overrides the platform backend.
func WithBackend(b Backend) Option {
	return func(o *options) { o.backend = b }
}

// WithLogger sets the logger for cold-path events.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithKeepOnClose disables the eager unlink when the last attached process
// detaches, leaving the OS object in place until an explicit Remove.
func WithKeepOnClose() Option {
	return func(o *options) { o.keepOnClose = true }
}

// WithExpectedCeiling records the caller's configured ceiling so attach-only
// opens can flag a mismatch with the region's recorded value. The recorded
// value always wins; the mismatch is a non-fatal warning.
func WithExpectedCeiling(n uint64) Option {
	return func(o *options) { o.expectedCeiling = n }
}

func applyOptions(opts []Option) options {
	o := options{
		backend: DefaultBackend(),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Segment is one process's handle to a channel's shared region. The bytes
// behind it are shared; the handle and its mapping are not. Close is safe
// to call from multiple goroutines and runs its teardown exactly once.
type Segment struct {
	channel string
	role    Role
	backend Backend
	mapping Mapping
	state   *SegmentState
	arena   *Arena
	logger  *slog.Logger
	keep    bool

	closeOnce sync.Once
	closeErr  error
}

// Retry bounds for a caller that loses the create race while the winner is
// still constructing the region in place. Bounded so a creator that died
// mid-construction surfaces as an error instead of an endless wait.
const (
	createRaceRetries = 50
	createRaceBackoff = 2 * time.Millisecond
)

// OpenOrCreate opens the region for a channel, creating it when it does not
// exist. Exactly one of a set of racing callers performs the in-place
// construction; the rest fall back to attach-only, which is a success path.
// A loser that attaches before the winner has stored the magic word sees an
// unready region and retries with backoff until the winner finishes (or
// unwinds and unlinks, in which case the loser's own create succeeds).
// The caller becomes the channel's writer by contract.
func OpenOrCreate(channel string, ceiling, budget uint64, opts ...Option) (*Segment, error) {
	o := applyOptions(opts)
	o.expectedCeiling = ceiling

	geo, err := ComputeGeometry(ceiling, budget)
	if err != nil {
		return nil, err
	}

	for attempt := 0; ; attempt++ {
		mapping, err := o.backend.Create(channel, geo.TotalSize)
		if err == nil {
			seg, err := constructSegment(channel, mapping, geo, o)
			if err != nil {
				// Unwind in reverse order: unmap, then unlink. A half-built
				// region must never be left for another process to attach to.
				mapping.Close()
				if rerr := o.backend.Remove(channel); rerr != nil && !errors.Is(rerr, os.ErrNotExist) {
					o.logger.Error("segment unwind failed", "channel", channel, "err", rerr)
				}
				return nil, err
			}
			return seg, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("%w: %v", ErrBackendFailure, err)
		}

		// Expected race: another process created the region first. It may
		// still be mid-construction (ErrNotFound from openExisting), or it
		// may yet unwind and unlink; keep retrying until its outcome is
		// visible.
		seg, err := openExisting(channel, RoleWriter, o)
		if err == nil || !errors.Is(err, ErrNotFound) {
			return seg, err
		}
		if attempt >= createRaceRetries {
			return nil, fmt.Errorf("%w: construction of channel %q never completed", ErrCorrupt, channel)
		}
		time.Sleep(createRaceBackoff)
	}
}

// constructSegment builds SegmentState and the slot descriptors in place
// inside a freshly created mapping. The magic word is stored last, so an
// attacher racing with construction sees either a zero word (region not
// ready yet, it waits) or the full constructed header, never a half-built
// one.
func constructSegment(channel string, mapping Mapping, geo Geometry, o options) (*Segment, error) {
	mem := mapping.Bytes()
	if uint64(len(mem)) < geo.TotalSize {
		return nil, fmt.Errorf("%w: mapping is %d bytes, need %d", ErrBackendFailure, len(mem), geo.TotalSize)
	}

	state := stateAt(mem)
	state.SetVersion(SegmentVersion)
	state.SetCeilingMsgSize(geo.CeilingMsgSize)
	state.SetSlotCount(geo.SlotCount)
	state.SetSlotBufSize(geo.SlotBufSize)
	state.SetTotalSize(geo.TotalSize)

	arena := newArena(mem, state, geo)
	for i := uint64(0); i < geo.SlotCount; i++ {
		d := arena.descriptor(i)
		d.SetTag(SlotEmpty)
		d.SetGeneration(0)
		d.SetSeq(0)
		d.SetLength(0)
	}

	state.SetMagic(SegmentMagic)
	state.AddAttach(1)

	return &Segment{
		channel: channel,
		role:    RoleWriter,
		backend: o.backend,
		mapping: mapping,
		state:   state,
		arena:   arena,
		logger:  o.logger,
		keep:    o.keepOnClose,
	}, nil
}

// OpenExisting attaches to an already-created region. Fails with
// ErrNotFound when no region exists for the channel (or one exists but its
// creator has not finished constructing it) and ErrCorrupt when the header
// fails its sanity check.
func OpenExisting(channel string, opts ...Option) (*Segment, error) {
	return openExisting(channel, RoleReader, applyOptions(opts))
}

// OpenExistingWait attaches to a region, polling with backoff until it
// exists or ctx ends. Cold path only.
func OpenExistingWait(ctx context.Context, channel string, opts ...Option) (*Segment, error) {
	o := applyOptions(opts)
	backoff := time.Millisecond
	const maxBackoff = 100 * time.Millisecond

	for {
		seg, err := openExisting(channel, RoleReader, o)
		if !errors.Is(err, ErrNotFound) {
			return seg, err
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", ErrNotFound, ctx.Err())
		case <-time.After(backoff):
		}
		if backoff < maxBackoff {
			backoff *= 2
		}
	}
}

// openExisting maps the region, validates the header, and recomputes the
// local geometry from the recorded ceiling. o.expectedCeiling, when
// nonzero, is checked against the recorded value: the recorded value always
// wins, a mismatch is a non-fatal warning.
func openExisting(channel string, role Role, o options) (*Segment, error) {
	mapping, err := o.backend.Open(channel)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: channel %q", ErrNotFound, channel)
		}
		return nil, fmt.Errorf("%w: %v", ErrBackendFailure, err)
	}

	mem := mapping.Bytes()
	if len(mem) < SegmentStateSize {
		mapping.Close()
		return nil, fmt.Errorf("%w: region is %d bytes, smaller than the header", ErrCorrupt, len(mem))
	}

	state := stateAt(mem)
	if state.Magic() == 0 {
		// The creator has not stored the magic word yet: the region exists
		// but is not ready. Recoverable, callers wait or retry.
		mapping.Close()
		return nil, fmt.Errorf("%w: channel %q is still being constructed", ErrNotFound, channel)
	}
	if err := ValidateSegmentState(state, uint64(len(mem))); err != nil {
		mapping.Close()
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}

	recorded := state.CeilingMsgSize()
	if o.expectedCeiling != 0 && o.expectedCeiling != recorded {
		o.logger.Warn("configured ceiling differs from segment, using recorded value",
			"channel", channel, "configured", o.expectedCeiling, "recorded", recorded)
	}

	geo := geometryFromState(recorded, state.SlotCount(), state.SlotBufSize())
	state.AddAttach(1)

	return &Segment{
		channel: channel,
		role:    role,
		backend: o.backend,
		mapping: mapping,
		state:   state,
		arena:   newArena(mem, state, geo),
		logger:  o.logger,
		keep:    o.keepOnClose,
	}, nil
}

// Channel returns the channel identifier this segment was opened for.
func (s *Segment) Channel() string {
	return s.channel
}

// Role returns the role the segment was opened for.
func (s *Segment) Role() Role {
	return s.role
}

// Arena returns the slot arena inside the region.
func (s *Segment) Arena() *Arena {
	return s.arena
}

// State returns the shared header.
func (s *Segment) State() *SegmentState {
	return s.state
}

// Close detaches from the region: it decrements the attach count and unmaps
// the local view, exactly once even under concurrent teardown from other
// goroutines of the same process. When the count reaches zero the OS object
// is unlinked eagerly, unless the segment was opened WithKeepOnClose.
func (s *Segment) Close() error {
	s.closeOnce.Do(func() {
		remaining := s.state.AddAttach(-1)
		if remaining == 0 && !s.keep {
			if err := s.backend.Remove(s.channel); err != nil && !errors.Is(err, os.ErrNotExist) {
				s.logger.Warn("segment unlink failed", "channel", s.channel, "err", err)
			}
		}

		s.arena = nil
		s.state = nil
		s.closeErr = s.mapping.Close()
	})
	return s.closeErr
}

// Remove unlinks a channel's OS object independent of attach state. It is
// an operator-facing best-effort cleanup and must not be called while a
// process still holds an attached Segment.
func Remove(channel string, opts ...Option) error {
	o := applyOptions(opts)
	if err := o.backend.Remove(channel); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: channel %q", ErrNotFound, channel)
		}
		return fmt.Errorf("%w: %v", ErrBackendFailure, err)
	}
	return nil
}
