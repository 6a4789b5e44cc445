//go:build linux && (amd64 || arm64)

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
	"path/filepath"
	"syscall"
)

func init() {
	newDefaultBackend = func() Backend { return posixBackend{} }
}

// posixBackend implements Backend over memory-mapped files under /dev/shm
// (with a TempDir fallback when it is unavailable).
type posixBackend struct{}

// PosixBackend returns the POSIX shared-memory backend.
func PosixBackend() Backend {
	return posixBackend{}
}

const segmentFilePrefix = "shmbus_"

// SegmentPath returns the file path backing a channel's region.
func SegmentPath(name string) string {
	if info, err := os.Stat("/dev/shm"); err == nil && info.IsDir() {
		return filepath.Join("/dev/shm", segmentFilePrefix+name)
	}
	return filepath.Join(os.TempDir(), segmentFilePrefix+name)
}

func (posixBackend) Create(name string, size uint64) (Mapping, error) {
	path := SegmentPath(name)

	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0600)
	if err != nil {
		// os.ErrExist passes through for the create-race fallback.
		return nil, fmt.Errorf("create segment file %s: %w", path, err)
	}

	if err := file.Truncate(int64(size)); err != nil {
		file.Close()
		os.Remove(path)
		return nil, fmt.Errorf("resize segment file to %d: %w", size, err)
	}

	mem, err := mmapFile(file, int(size))
	if err != nil {
		file.Close()
		os.Remove(path)
		return nil, err
	}

	return &posixMapping{file: file, mem: mem}, nil
}

func (posixBackend) Open(name string) (Mapping, error) {
	path := SegmentPath(name)

	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open segment file %s: %w", path, err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("stat segment file: %w", err)
	}

	mem, err := mmapFile(file, int(info.Size()))
	if err != nil {
		file.Close()
		return nil, err
	}

	return &posixMapping{file: file, mem: mem}, nil
}

func (posixBackend) Remove(name string) error {
	return os.Remove(SegmentPath(name))
}

// posixMapping owns one process-local mmap view and its file descriptor.
type posixMapping struct {
	file *os.File
	mem  []byte
}

func (m *posixMapping) Bytes() []byte {
	return m.mem
}

func (m *posixMapping) Close() error {
	var firstErr error

	if m.mem != nil {
		if err := syscall.Munmap(m.mem); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("munmap failed: %w", err)
		}
		m.mem = nil
	}

	if m.file != nil {
		if err := m.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		m.file = nil
	}

	return firstErr
}

// mmapFile maps a file shared and read-write.
func mmapFile(file *os.File, size int) ([]byte, error) {
	if size <= 0 {
		return nil, fmt.Errorf("mmap size %d", size)
	}
	data, err := syscall.Mmap(int(file.Fd()), 0, size, syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap failed: %w", err)
	}
	return data, nil
}
