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
	"os"
	"sync"
)

// MemoryBackend implements Backend over process-local heap regions. All
// mappings of one name share the same byte slice, so the full protocol is
// exercised without OS shared memory. Intended for single-process setups
// and tests.
type MemoryBackend struct {
	mu      sync.Mutex
	regions map[string][]byte
}

// NewMemoryBackend returns an empty in-process backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{regions: make(map[string][]byte)}
}

func (b *MemoryBackend) Create(name string, size uint64) (Mapping, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.regions[name]; ok {
		return nil, fmt.Errorf("create region %s: %w", name, os.ErrExist)
	}
	mem := make([]byte, size)
	b.regions[name] = mem
	return &memoryMapping{mem: mem}, nil
}

func (b *MemoryBackend) Open(name string) (Mapping, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	mem, ok := b.regions[name]
	if !ok {
		return nil, fmt.Errorf("open region %s: %w", name, os.ErrNotExist)
	}
	return &memoryMapping{mem: mem}, nil
}

// Remove unlinks the region name. Existing mappings keep their bytes, which
// mirrors POSIX unlink semantics.
func (b *MemoryBackend) Remove(name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.regions[name]; !ok {
		return fmt.Errorf("remove region %s: %w", name, os.ErrNotExist)
	}
	delete(b.regions, name)
	return nil
}

type memoryMapping struct {
	mu  sync.Mutex
	mem []byte
}

func (m *memoryMapping) Bytes() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mem
}

func (m *memoryMapping) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mem = nil
	return nil
}
