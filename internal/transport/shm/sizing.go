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

import "fmt"

// Geometry describes the computed layout of one segment. It is derived once
// from (ceiling, budget) at creation time and recomputed by attachers from
// the fields recorded in SegmentState.
type Geometry struct {
	CeilingMsgSize uint64 // max payload bytes a slot accepts
	SlotCount      uint64 // number of slots, >= MinSlotCount
	SlotBufSize    uint64 // per-slot buffer bytes, 64-byte aligned, >= ceiling
	HeaderSize     uint64 // SegmentStateSize
	TotalSize      uint64 // full region size in bytes
}

// ComputeGeometry derives a segment layout from a requested message-size
// ceiling and a total memory budget. Pure function, no I/O.
//
// The result satisfies:
//
//	SlotBufSize >= ceiling
//	SlotCount >= MinSlotCount
//	HeaderSize + SlotCount*(SlotDescriptorSize+SlotBufSize) <= budget
//
// Fails with ErrInvalidConfiguration when the ceiling alone cannot fit at
// least MinSlotCount slots inside the budget.
func ComputeGeometry(ceiling, budget uint64) (Geometry, error) {
	if ceiling == 0 {
		return Geometry{}, fmt.Errorf("%w: ceiling message size is zero", ErrInvalidConfiguration)
	}

	slotBuf := alignTo64(ceiling)
	perSlot := SlotDescriptorSize + slotBuf

	if budget <= SegmentStateSize {
		return Geometry{}, fmt.Errorf("%w: budget %d does not cover the %d-byte header", ErrInvalidConfiguration, budget, SegmentStateSize)
	}

	slotCount := (budget - SegmentStateSize) / perSlot
	if slotCount < MinSlotCount {
		return Geometry{}, fmt.Errorf("%w: budget %d fits %d slots of %d bytes, need at least %d",
			ErrInvalidConfiguration, budget, slotCount, perSlot, MinSlotCount)
	}
	if slotCount > MaxSlotCount {
		slotCount = MaxSlotCount
	}

	return Geometry{
		CeilingMsgSize: ceiling,
		SlotCount:      slotCount,
		SlotBufSize:    slotBuf,
		HeaderSize:     SegmentStateSize,
		TotalSize:      SegmentStateSize + slotCount*perSlot,
	}, nil
}

// geometryFromState rebuilds the local Geometry from header fields recorded
// at creation time. Attachers must use this instead of their own configured
// sizing; the recorded values win.
func geometryFromState(ceiling, slotCount, slotBufSize uint64) Geometry {
	return Geometry{
		CeilingMsgSize: ceiling,
		SlotCount:      slotCount,
		SlotBufSize:    slotBufSize,
		HeaderSize:     SegmentStateSize,
		TotalSize:      SegmentStateSize + slotCount*(SlotDescriptorSize+slotBufSize),
	}
}

// alignTo64 aligns a size to a 64-byte boundary.
func alignTo64(size uint64) uint64 {
	return (size + 63) &^ 63
}
