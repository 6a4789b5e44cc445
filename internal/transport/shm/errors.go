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

import "errors"

var (
	// ErrInvalidConfiguration indicates sizing or payload input that cannot
	// produce a usable region (ceiling exceeds budget, payload exceeds
	// ceiling). Fatal at configuration time.
	ErrInvalidConfiguration = errors.New("invalid configuration")

	// ErrBackendFailure indicates an OS-level failure (permission, no
	// space, mmap failure). Fatal; callers should not retry silently.
	ErrBackendFailure = errors.New("backend failure")

	// ErrNotFound indicates an attach-only open for a channel whose region
	// does not exist yet. Recoverable: callers may wait and retry, or fall
	// back to create.
	ErrNotFound = errors.New("segment not found")

	// ErrCorrupt indicates a region whose header failed a sanity check.
	// Fatal; the region must not be used.
	ErrCorrupt = errors.New("segment corrupt")

	// ErrStale indicates a reader lost a race to the writer: the pinned
	// slot was overwritten between pin and read. Recoverable with a
	// bounded retry.
	ErrStale = errors.New("slot overwritten during read")

	// ErrEmpty indicates that nothing has ever been published on the
	// channel.
	ErrEmpty = errors.New("no published slot")
)
