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
	"errors"
	"fmt"
	"testing"
)

func TestComputeGeometryProperties(t *testing.T) {
	// For every valid (ceiling, budget) pair the result must hold at least
	// a double buffer within budget, with per-slot buffers covering the
	// ceiling.
	cases := []struct {
		ceiling uint64
		budget  uint64
	}{
		{1, 1 << 12},
		{64, 1 << 12},
		{100, 1 << 16},
		{4096, 1 << 20},
		{1 << 20, 16 << 20},
		{3, SegmentStateSize + 2*(SlotDescriptorSize+64)}, // exact double-buffer fit
	}

	for _, tc := range cases {
		t.Run(fmt.Sprintf("ceiling_%d_budget_%d", tc.ceiling, tc.budget), func(t *testing.T) {
			geo, err := ComputeGeometry(tc.ceiling, tc.budget)
			if err != nil {
				t.Fatalf("ComputeGeometry(%d, %d) failed: %v", tc.ceiling, tc.budget, err)
			}
			if geo.SlotCount < MinSlotCount {
				t.Errorf("SlotCount = %d, want >= %d", geo.SlotCount, MinSlotCount)
			}
			if geo.SlotBufSize < tc.ceiling {
				t.Errorf("SlotBufSize = %d, want >= ceiling %d", geo.SlotBufSize, tc.ceiling)
			}
			if geo.SlotBufSize%64 != 0 {
				t.Errorf("SlotBufSize = %d, not 64-byte aligned", geo.SlotBufSize)
			}
			if geo.TotalSize > tc.budget {
				t.Errorf("TotalSize = %d exceeds budget %d", geo.TotalSize, tc.budget)
			}
			want := geo.HeaderSize + geo.SlotCount*(SlotDescriptorSize+geo.SlotBufSize)
			if geo.TotalSize != want {
				t.Errorf("TotalSize = %d, want %d", geo.TotalSize, want)
			}
		})
	}
}

func TestComputeGeometryInvalid(t *testing.T) {
	cases := []struct {
		name    string
		ceiling uint64
		budget  uint64
	}{
		{"zero_ceiling", 0, 1 << 20},
		{"zero_budget", 1024, 0},
		{"budget_below_header", 1024, SegmentStateSize},
		{"ceiling_exceeds_budget", 1 << 20, 1 << 16},
		{"single_slot_only", 64, SegmentStateSize + SlotDescriptorSize + 64},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ComputeGeometry(tc.ceiling, tc.budget)
			if !errors.Is(err, ErrInvalidConfiguration) {
				t.Errorf("ComputeGeometry(%d, %d) = %v, want ErrInvalidConfiguration", tc.ceiling, tc.budget, err)
			}
		})
	}
}

func TestComputeGeometrySlotCountCap(t *testing.T) {
	// A huge budget caps the slot count rather than recording an
	// impossible value.
	geo, err := ComputeGeometry(64, 1<<34)
	if err != nil {
		t.Fatalf("ComputeGeometry failed: %v", err)
	}
	if geo.SlotCount > MaxSlotCount {
		t.Errorf("SlotCount = %d, want <= %d", geo.SlotCount, MaxSlotCount)
	}
}

func TestGeometryFromStateMatchesCompute(t *testing.T) {
	geo, err := ComputeGeometry(512, 1<<20)
	if err != nil {
		t.Fatalf("ComputeGeometry failed: %v", err)
	}
	rebuilt := geometryFromState(geo.CeilingMsgSize, geo.SlotCount, geo.SlotBufSize)
	if rebuilt != geo {
		t.Errorf("geometryFromState = %+v, want %+v", rebuilt, geo)
	}
}

func TestAlignTo64(t *testing.T) {
	cases := []struct {
		in, want uint64
	}{
		{0, 0},
		{1, 64},
		{63, 64},
		{64, 64},
		{65, 128},
		{4096, 4096},
	}
	for _, tc := range cases {
		if got := alignTo64(tc.in); got != tc.want {
			t.Errorf("alignTo64(%d) = %d, want %d", tc.in, got, tc.want)
		}
	}
}
