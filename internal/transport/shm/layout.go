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
	"sync/atomic"
	"unsafe"
)

// Memory layout constants
const (
	// Magic word for segment identification ("SHMBUS\0\0" in region byte
	// order). The creator stores it last, atomically, after the region is
	// fully constructed, so it doubles as the readiness signal: a mapped
	// region with a zero magic word is still being constructed.
	SegmentMagic = uint64('S') | uint64('H')<<8 | uint64('M')<<16 | uint64('B')<<24 | uint64('U')<<32 | uint64('S')<<40

	// Current layout version. Any skew between processes attaching to the
	// same region is a hard error on the header sanity check.
	SegmentVersion = uint32(1)

	// SegmentState size (aligned to 128 bytes)
	SegmentStateSize = 128

	// SlotDescriptor size (one cache line)
	SlotDescriptorSize = 64

	// MinSlotCount is the smallest usable arena: below a double buffer the
	// overwrite-tolerant protocol cannot make progress.
	MinSlotCount = 2

	// MaxSlotCount bounds what a sane header may record.
	MaxSlotCount = 1 << 16
)

// Slot state tags.
const (
	SlotEmpty    = uint32(0)
	SlotWriting  = uint32(1)
	SlotReadable = uint32(2)
)

// SegmentState is the in-region header shared by every attached process.
// Layout is fixed; field offsets are pinned by tests.
type SegmentState struct {
	magic          uint64   // 0x00: readiness magic, zero until constructed
	version        uint32   // 0x08: layout version
	flags          uint32   // 0x0C: reserved flags
	ceilingMsgSize uint64   // 0x10: max payload bytes per slot
	slotCount      uint64   // 0x18: number of slots
	slotBufSize    uint64   // 0x20: per-slot buffer size
	totalSize      uint64   // 0x28: total region size
	attachCount    int32    // 0x30: attached-process reference count
	epoch          uint32   // 0x34: reserved for ceiling-change detection
	claimCursor    uint64   // 0x38: writer's monotonic claim counter
	publishSeq     uint64   // 0x40: arena-wide publish sequence
	reserved       [56]byte // 0x48-0x7F: padding to 128B
}

// Magic returns the magic word.
func (s *SegmentState) Magic() uint64 {
	return atomic.LoadUint64(&s.magic)
}

// SetMagic stores the magic word. The creator writes it last, after the
// full region is constructed; the atomic store is the release point that
// publishes the constructed header to racing attachers.
func (s *SegmentState) SetMagic(magic uint64) {
	atomic.StoreUint64(&s.magic, magic)
}

// Version returns the layout version.
func (s *SegmentState) Version() uint32 {
	return atomic.LoadUint32(&s.version)
}

// SetVersion sets the layout version.
func (s *SegmentState) SetVersion(v uint32) {
	atomic.StoreUint32(&s.version, v)
}

// CeilingMsgSize returns the recorded message-size ceiling.
func (s *SegmentState) CeilingMsgSize() uint64 {
	return atomic.LoadUint64(&s.ceilingMsgSize)
}

// SetCeilingMsgSize records the message-size ceiling.
func (s *SegmentState) SetCeilingMsgSize(n uint64) {
	atomic.StoreUint64(&s.ceilingMsgSize, n)
}

// SlotCount returns the recorded slot count.
func (s *SegmentState) SlotCount() uint64 {
	return atomic.LoadUint64(&s.slotCount)
}

// SetSlotCount records the slot count.
func (s *SegmentState) SetSlotCount(n uint64) {
	atomic.StoreUint64(&s.slotCount, n)
}

// SlotBufSize returns the recorded per-slot buffer size.
func (s *SegmentState) SlotBufSize() uint64 {
	return atomic.LoadUint64(&s.slotBufSize)
}

// SetSlotBufSize records the per-slot buffer size.
func (s *SegmentState) SetSlotBufSize(n uint64) {
	atomic.StoreUint64(&s.slotBufSize, n)
}

// TotalSize returns the recorded total region size.
func (s *SegmentState) TotalSize() uint64 {
	return atomic.LoadUint64(&s.totalSize)
}

// SetTotalSize records the total region size.
func (s *SegmentState) SetTotalSize(n uint64) {
	atomic.StoreUint64(&s.totalSize, n)
}

// AttachCount returns the attached-process reference count.
func (s *SegmentState) AttachCount() int32 {
	return atomic.LoadInt32(&s.attachCount)
}

// AddAttach adjusts the attached-process reference count and returns the
// new value. Callers pair every +1 with exactly one -1.
func (s *SegmentState) AddAttach(delta int32) int32 {
	return atomic.AddInt32(&s.attachCount, delta)
}

// ClaimCursor returns the writer's monotonic claim counter.
func (s *SegmentState) ClaimCursor() uint64 {
	return atomic.LoadUint64(&s.claimCursor)
}

// IncClaimCursor advances the claim counter and returns the new value.
func (s *SegmentState) IncClaimCursor() uint64 {
	return atomic.AddUint64(&s.claimCursor, 1)
}

// PublishSeq returns the arena-wide publish sequence.
func (s *SegmentState) PublishSeq() uint64 {
	return atomic.LoadUint64(&s.publishSeq)
}

// IncPublishSeq advances the publish sequence and returns the new value.
func (s *SegmentState) IncPublishSeq() uint64 {
	return atomic.AddUint64(&s.publishSeq, 1)
}

// SlotDescriptor is one per-slot control record. pinCount is independent of
// the tag: it is a reader's staleness-detection claim, not an exclusion.
type SlotDescriptor struct {
	tag        uint32   // 0x00: Empty / Writing / Readable
	pinCount   int32    // 0x04: pinned-reader count
	generation uint64   // 0x08: seqlock, odd while writing, even when published
	seq        uint64   // 0x10: publish sequence captured at publish time
	length     uint64   // 0x18: payload length of the last publish
	reserved   [32]byte // 0x20-0x3F: padding to 64B
}

// Tag returns the slot state tag.
func (d *SlotDescriptor) Tag() uint32 {
	return atomic.LoadUint32(&d.tag)
}

// SetTag sets the slot state tag.
func (d *SlotDescriptor) SetTag(tag uint32) {
	atomic.StoreUint32(&d.tag, tag)
}

// PinCount returns the pinned-reader count.
func (d *SlotDescriptor) PinCount() int32 {
	return atomic.LoadInt32(&d.pinCount)
}

// AddPin adjusts the pinned-reader count and returns the new value.
func (d *SlotDescriptor) AddPin(delta int32) int32 {
	return atomic.AddInt32(&d.pinCount, delta)
}

// Generation returns the slot generation.
func (d *SlotDescriptor) Generation() uint64 {
	return atomic.LoadUint64(&d.generation)
}

// SetGeneration stores the slot generation. The even store in Publish is
// the release point of the whole protocol: a reader that observes it also
// observes the fully written payload.
func (d *SlotDescriptor) SetGeneration(g uint64) {
	atomic.StoreUint64(&d.generation, g)
}

// Seq returns the publish sequence captured at the last publish.
func (d *SlotDescriptor) Seq() uint64 {
	return atomic.LoadUint64(&d.seq)
}

// SetSeq stores the publish sequence.
func (d *SlotDescriptor) SetSeq(n uint64) {
	atomic.StoreUint64(&d.seq, n)
}

// Length returns the payload length of the last publish.
func (d *SlotDescriptor) Length() uint64 {
	return atomic.LoadUint64(&d.length)
}

// SetLength stores the payload length.
func (d *SlotDescriptor) SetLength(n uint64) {
	atomic.StoreUint64(&d.length, n)
}

// stateAt interprets the start of a mapped region as the SegmentState.
func stateAt(mem []byte) *SegmentState {
	return (*SegmentState)(unsafe.Pointer(&mem[0]))
}

// ValidateSegmentState sanity-checks a header read from an existing region.
// mappedSize is the size of the local mapping; the recorded geometry must
// fit inside it.
func ValidateSegmentState(s *SegmentState, mappedSize uint64) error {
	if s.Magic() != SegmentMagic {
		return fmt.Errorf("invalid magic word")
	}
	if s.Version() != SegmentVersion {
		return fmt.Errorf("unsupported layout version %d, expected %d", s.Version(), SegmentVersion)
	}
	if s.CeilingMsgSize() == 0 {
		return fmt.Errorf("ceiling message size is zero")
	}
	if n := s.SlotCount(); n < MinSlotCount || n > MaxSlotCount {
		return fmt.Errorf("impossible slot count %d", n)
	}
	if s.SlotBufSize() < s.CeilingMsgSize() {
		return fmt.Errorf("slot buffer %d smaller than ceiling %d", s.SlotBufSize(), s.CeilingMsgSize())
	}
	if s.SlotBufSize()%64 != 0 {
		return fmt.Errorf("slot buffer %d not 64-byte aligned", s.SlotBufSize())
	}

	expected := geometryFromState(s.CeilingMsgSize(), s.SlotCount(), s.SlotBufSize())
	if s.TotalSize() != expected.TotalSize {
		return fmt.Errorf("total size mismatch: recorded %d, computed %d", s.TotalSize(), expected.TotalSize)
	}
	if s.TotalSize() > mappedSize {
		return fmt.Errorf("recorded size %d exceeds mapping %d", s.TotalSize(), mappedSize)
	}
	return nil
}
