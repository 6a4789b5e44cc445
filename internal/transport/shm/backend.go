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

// Mapping is one process's local view of a named region. The bytes it
// exposes are shared; the mapping object itself is exclusive to the process
// that opened it.
type Mapping interface {
	// Bytes returns the mapped region. Valid until Close.
	Bytes() []byte

	// Close unmaps the local view. It does not remove the underlying
	// object.
	Close() error
}

// Backend binds the OS primitives for named shared-memory objects. Create
// has exclusive semantics: when the name is already taken it returns an
// error satisfying errors.Is(err, os.ErrExist), which callers treat as the
// expected creation race, not a failure. Open and Remove report a missing
// object with os.ErrNotExist.
type Backend interface {
	Create(name string, size uint64) (Mapping, error)
	Open(name string) (Mapping, error)
	Remove(name string) error
}

// newDefaultBackend is set by the platform-specific files: the POSIX
// backend on Linux, the in-process memory backend elsewhere.
var newDefaultBackend func() Backend

// DefaultBackend returns the platform's backend.
func DefaultBackend() Backend {
	return newDefaultBackend()
}
