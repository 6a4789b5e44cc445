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
	"fmt"
	"unsafe"
)

// Arena is the typed view over a segment's slot descriptors and their
// backing buffers. Every operation is bounded and non-blocking; the only
// cross-process coordination is the per-slot generation number.
//
// Generation discipline: a slot's generation is bumped to an odd value
// before any payload byte is written and to an even value after the last
// byte. A reader that records an even generation at pin time and re-reads
// the same value after its copy holds a consistent snapshot. The writer
// never waits for pinned readers; staleness is detected, not prevented.
type Arena struct {
	mem   []byte
	state *SegmentState
	geo   Geometry
}

// SlotHandle is the writer's claim on one slot between ClaimNext and
// Publish.
type SlotHandle struct {
	Index      uint64
	generation uint64
}

// PinnedView is a reader's pinned snapshot of one published slot. It stays
// valid for reading until Unpin; Read reports ErrStale when the slot was
// overwritten in between.
type PinnedView struct {
	Index      uint64
	Generation uint64
	Seq        uint64
	Length     uint64
}

func newArena(mem []byte, state *SegmentState, geo Geometry) *Arena {
	return &Arena{mem: mem, state: state, geo: geo}
}

// Geometry returns the arena's layout.
func (a *Arena) Geometry() Geometry {
	return a.geo
}

// SlotCount returns the number of slots.
func (a *Arena) SlotCount() uint64 {
	return a.geo.SlotCount
}

// Ceiling returns the max payload size a slot accepts.
func (a *Arena) Ceiling() uint64 {
	return a.geo.CeilingMsgSize
}

// descriptor returns the typed view of slot i's control record.
func (a *Arena) descriptor(i uint64) *SlotDescriptor {
	off := a.geo.HeaderSize + i*SlotDescriptorSize
	return (*SlotDescriptor)(unsafe.Pointer(&a.mem[off]))
}

// buffer returns slot i's backing byte range.
func (a *Arena) buffer(i uint64) []byte {
	off := a.geo.HeaderSize + a.geo.SlotCount*SlotDescriptorSize + i*a.geo.SlotBufSize
	return a.mem[off : off+a.geo.SlotBufSize]
}

// ClaimNext advances the claim cursor and takes the next slot for writing,
// invalidating its previous content. Single writer per channel by contract.
// A slot with pinned readers is claimed anyway: blocking the writer would
// starve a real-time producer, and readers detect the overwrite through the
// generation check.
func (a *Arena) ClaimNext() SlotHandle {
	cursor := a.state.IncClaimCursor()
	idx := (cursor - 1) % a.geo.SlotCount

	d := a.descriptor(idx)
	d.SetTag(SlotWriting)

	// Bump to the next odd value. Plain +1 is wrong after a writer crash
	// left the generation odd; the target parity keeps generations
	// strictly increasing either way.
	g := d.Generation()
	if g%2 == 0 {
		g++
	} else {
		g += 2
	}
	d.SetGeneration(g)

	return SlotHandle{Index: idx, generation: g}
}

// Buffer returns the claimed slot's backing buffer for the writer to fill.
func (a *Arena) Buffer(h SlotHandle) []byte {
	return a.buffer(h.Index)
}

// Publish completes a claim: records the payload length and the channel
// publish sequence, then bumps the generation to even. The even generation
// store is the release point; it must happen only after the payload bytes
// are fully written, so a reader observing it also observes the payload.
// Readers trust only the generation, never the tag, as a completion signal.
func (a *Arena) Publish(h SlotHandle, length uint64) error {
	if length > a.geo.CeilingMsgSize {
		return fmt.Errorf("%w: payload %d exceeds ceiling %d", ErrInvalidConfiguration, length, a.geo.CeilingMsgSize)
	}

	d := a.descriptor(h.Index)
	d.SetLength(length)
	d.SetSeq(a.state.IncPublishSeq())
	d.SetGeneration(h.generation + 1)
	d.SetTag(SlotReadable)
	return nil
}

// PinLatest pins the most recently published slot. The probe starts at the
// last claimed index and falls back one slot at a time past unpublished
// claims (writer mid-write, or crashed between claim and publish). A live
// writer leaves at most one such slot, but each crash-and-restart can leave
// another, so the probe walks up to a full ring before reporting ErrEmpty.
// Returns ErrEmpty when no published slot remains.
func (a *Arena) PinLatest() (PinnedView, error) {
	cursor := a.state.ClaimCursor()

	for probe := uint64(0); probe < a.geo.SlotCount && probe < cursor; probe++ {
		idx := (cursor - 1 - probe) % a.geo.SlotCount
		d := a.descriptor(idx)

		gen := d.Generation()
		if gen == 0 || gen%2 == 1 {
			continue
		}

		d.AddPin(1)
		return PinnedView{
			Index:      idx,
			Generation: gen,
			Seq:        d.Seq(),
			Length:     d.Length(),
		}, nil
	}
	return PinnedView{}, ErrEmpty
}

// Read copies the pinned payload into dst (growing it as needed) and
// verifies the slot generation afterwards. A changed generation means the
// writer overwrote the slot mid-read; the copied bytes are torn and the
// call fails with ErrStale. Callers retry PinLatest with a bound.
func (a *Arena) Read(v PinnedView, dst []byte) ([]byte, error) {
	d := a.descriptor(v.Index)

	n := v.Length
	if n > a.geo.SlotBufSize {
		// Torn length from a lost race; the generation check below would
		// fail too, but never index past the slot.
		return nil, ErrStale
	}

	dst = append(dst[:0], a.buffer(v.Index)[:n]...)

	if d.Generation() != v.Generation {
		return nil, ErrStale
	}
	return dst, nil
}

// Unpin releases a pinned slot. Never blocks, never fails. Every PinLatest
// is paired with exactly one Unpin on all exit paths.
func (a *Arena) Unpin(v PinnedView) {
	a.descriptor(v.Index).AddPin(-1)
}
