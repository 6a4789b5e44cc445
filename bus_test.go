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

package shmbus

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shmbus/shmbus/internal/config"
	"github.com/shmbus/shmbus/internal/transport/shm"
)

func testCfg(channel string) config.ChannelConfig {
	return config.ChannelConfig{
		Channel:            channel,
		CeilingMessageSize: 1024,
		MemoryBudget:       1 << 16,
	}
}

func testOpts(b shm.Backend) []shm.Option {
	log := slog.New(slog.NewTextHandler(bytes.NewBuffer(nil), nil))
	return []shm.Option{shm.WithBackend(b), shm.WithLogger(log)}
}

func TestPublishPollRoundTrip(t *testing.T) {
	b := shm.NewMemoryBackend()

	w, err := OpenWriter(testCfg("imu"), testOpts(b)...)
	require.NoError(t, err)
	defer w.Close()

	r, err := OpenReader(testCfg("imu"), testOpts(b)...)
	require.NoError(t, err)
	defer r.Close()

	payload := []byte("accel=9.81 gyro=0.02")
	require.NoError(t, w.Publish(payload))

	msg, err := r.Poll()
	require.NoError(t, err)
	assert.Equal(t, payload, msg.Payload)
	assert.Equal(t, uint64(1), msg.Seq)
	assert.Equal(t, uint64(1), r.LastSeq())
}

func TestPollEmpty(t *testing.T) {
	b := shm.NewMemoryBackend()

	w, err := OpenWriter(testCfg("silent"), testOpts(b)...)
	require.NoError(t, err)
	defer w.Close()

	r, err := OpenReader(testCfg("silent"), testOpts(b)...)
	require.NoError(t, err)
	defer r.Close()

	_, err = r.Poll()
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestPublishTooLarge(t *testing.T) {
	b := shm.NewMemoryBackend()

	w, err := OpenWriter(testCfg("big"), testOpts(b)...)
	require.NoError(t, err)
	defer w.Close()

	err = w.Publish(make([]byte, 1025))
	assert.ErrorIs(t, err, ErrInvalidConfiguration)
}

func TestReaderBeforeWriter(t *testing.T) {
	b := shm.NewMemoryBackend()

	_, err := OpenReader(testCfg("early"), testOpts(b)...)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReaderCeilingMismatchWarns(t *testing.T) {
	b := shm.NewMemoryBackend()

	w, err := OpenWriter(testCfg("sized"), testOpts(b)...)
	require.NoError(t, err)
	defer w.Close()

	var logBuf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&logBuf, nil))
	cfg := testCfg("sized")
	cfg.CeilingMessageSize = 2048

	// The recorded ceiling wins over the reader's stale configuration;
	// the mismatch is flagged, not fatal.
	r, err := OpenReader(cfg, shm.WithBackend(b), shm.WithLogger(log))
	require.NoError(t, err)
	defer r.Close()
	assert.Contains(t, logBuf.String(), "configured ceiling differs")

	require.NoError(t, w.Publish(make([]byte, 1024)))
	msg, err := r.Poll()
	require.NoError(t, err)
	assert.Len(t, msg.Payload, 1024)
}

func TestOpenReaderWait(t *testing.T) {
	b := shm.NewMemoryBackend()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	go func() {
		time.Sleep(10 * time.Millisecond)
		w, err := OpenWriter(testCfg("waited"), testOpts(b)...)
		if assert.NoError(t, err) {
			assert.NoError(t, w.Publish([]byte("first")))
			// Leave the region alive for the reader.
			time.Sleep(200 * time.Millisecond)
			assert.NoError(t, w.Close())
		}
	}()

	r, err := OpenReaderWait(ctx, testCfg("waited"), testOpts(b)...)
	require.NoError(t, err)
	defer r.Close()

	msg, err := r.Poll()
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), msg.Payload)
}

func TestPollSeesLatestOnly(t *testing.T) {
	b := shm.NewMemoryBackend()

	w, err := OpenWriter(testCfg("latest"), testOpts(b)...)
	require.NoError(t, err)
	defer w.Close()

	r, err := OpenReader(testCfg("latest"), testOpts(b)...)
	require.NoError(t, err)
	defer r.Close()

	for i := 0; i < 20; i++ {
		require.NoError(t, w.Publish([]byte(fmt.Sprintf("scan-%02d", i))))
	}

	msg, err := r.Poll()
	require.NoError(t, err)
	assert.Equal(t, []byte("scan-19"), msg.Payload)
	assert.Equal(t, uint64(20), msg.Seq)
}

func TestPollSequencesNonDecreasing(t *testing.T) {
	b := shm.NewMemoryBackend()

	w, err := OpenWriter(testCfg("mono"), testOpts(b)...)
	require.NoError(t, err)
	defer w.Close()

	r, err := OpenReader(testCfg("mono"), testOpts(b)...)
	require.NoError(t, err)
	defer r.Close()

	var last uint64
	for i := 0; i < 30; i++ {
		require.NoError(t, w.Publish([]byte("tick")))
		msg, err := r.Poll()
		require.NoError(t, err)
		assert.GreaterOrEqual(t, msg.Seq, last)
		last = msg.Seq
	}
}

func TestWriterReaderConcurrent(t *testing.T) {
	b := shm.NewMemoryBackend()

	w, err := OpenWriter(testCfg("stream"), testOpts(b)...)
	require.NoError(t, err)
	defer w.Close()

	r, err := OpenReader(testCfg("stream"), testOpts(b)...)
	require.NoError(t, err)
	defer r.Close()

	require.NoError(t, w.Publish([]byte("frame-0000")))

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 1; i < 500; i++ {
			_ = w.Publish([]byte(fmt.Sprintf("frame-%04d", i)))
		}
	}()

	// Readers may observe ErrStale past the retry bound under a fast
	// writer; that is a reported drop, not a failure. Successful polls
	// must stay coherent and in order.
	var last uint64
	for i := 0; i < 200; i++ {
		msg, err := r.Poll()
		if err != nil {
			assert.ErrorIs(t, err, ErrStale)
			continue
		}
		assert.True(t, bytes.HasPrefix(msg.Payload, []byte("frame-")))
		assert.GreaterOrEqual(t, msg.Seq, last)
		last = msg.Seq
	}
	<-done
}
