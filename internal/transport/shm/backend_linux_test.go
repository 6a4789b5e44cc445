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
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func uniqueName(t *testing.T) string {
	name := fmt.Sprintf("test_%d_%d", os.Getpid(), time.Now().UnixNano())
	t.Cleanup(func() { _ = PosixBackend().Remove(name) })
	return name
}

func TestPosixBackendCreateOpenRemove(t *testing.T) {
	b := PosixBackend()
	name := uniqueName(t)

	m1, err := b.Create(name, 4096)
	require.NoError(t, err)
	defer m1.Close()
	require.Len(t, m1.Bytes(), 4096)

	// Exclusive create: the name is taken.
	_, err = b.Create(name, 4096)
	assert.ErrorIs(t, err, os.ErrExist)

	// A second mapping sees bytes written through the first.
	m1.Bytes()[100] = 0x5A
	m2, err := b.Open(name)
	require.NoError(t, err)
	defer m2.Close()
	assert.Equal(t, byte(0x5A), m2.Bytes()[100])

	require.NoError(t, b.Remove(name))
	_, err = b.Open(name)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestPosixBackendOpenMissing(t *testing.T) {
	_, err := PosixBackend().Open(uniqueName(t))
	var missing = errors.Is(err, os.ErrNotExist)
	assert.True(t, missing, "want os.ErrNotExist, got %v", err)
}

func TestPosixSegmentLifecycle(t *testing.T) {
	name := uniqueName(t)
	b := PosixBackend()

	w, err := OpenOrCreate(name, 512, 1<<16, WithBackend(b), WithLogger(testLogger()))
	require.NoError(t, err)

	r, err := OpenExisting(name, WithBackend(b), WithLogger(testLogger()))
	require.NoError(t, err)
	require.Equal(t, int32(2), r.State().AttachCount())

	payload := []byte("mmap round trip")
	h := w.Arena().ClaimNext()
	copy(w.Arena().Buffer(h), payload)
	require.NoError(t, w.Arena().Publish(h, uint64(len(payload))))

	v, err := r.Arena().PinLatest()
	require.NoError(t, err)
	got, err := r.Arena().Read(v, nil)
	r.Arena().Unpin(v)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	require.NoError(t, r.Close())
	require.NoError(t, w.Close())

	// Last close unlinked the file eagerly.
	_, err = os.Stat(SegmentPath(name))
	assert.True(t, os.IsNotExist(err))
}
