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

// Package shm implements the shared-memory segment and slot-arena layer of
// the shmbus transport. One named region exists per channel; a single writer
// process claims fixed-size slots inside it and publishes them, and any
// number of reader processes map the same region and pin published slots.
//
// The region layout is:
//
//	[ SegmentState 128B ][ slotCount x SlotDescriptor 64B ][ slotCount x slotBufSize ]
//
// Hot-path operations (claim, publish, pin, read, unpin) never block and use
// no cross-process lock: readers detect overwrite races through per-slot
// generation numbers (odd while a write is in progress, even once
// published). Cold-path operations (open, close, remove) go through a
// Backend, which binds the OS shared-memory primitives.
package shm
