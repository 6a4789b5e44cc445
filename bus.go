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

// Package shmbus exposes the message-level surface of the shared-memory
// transport: a single Writer and any number of Readers per channel. Payloads
// are opaque byte buffers; encoding is the caller's concern.
package shmbus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shmbus/shmbus/internal/config"
	"github.com/shmbus/shmbus/internal/transport/shm"
)

// Errors surfaced by the message layer. They alias the transport taxonomy
// so callers can match with errors.Is without importing internal packages.
var (
	ErrInvalidConfiguration = shm.ErrInvalidConfiguration
	ErrBackendFailure       = shm.ErrBackendFailure
	ErrNotFound             = shm.ErrNotFound
	ErrCorrupt              = shm.ErrCorrupt
	ErrStale                = shm.ErrStale
	ErrEmpty                = shm.ErrEmpty
)

// Retry bounds for Poll under writer contention. A reader that keeps losing
// the race past the bound gets ErrStale back (a dropped-message event)
// instead of spinning against a very fast writer.
const (
	pollMaxRetries     = 8
	pollInitialBackoff = 20 * time.Microsecond
	pollMaxBackoff     = 500 * time.Microsecond
)

// Message is one retrieved payload and its logical sequence number. Seq is
// strictly increasing per channel, so consumers (the record/replay writer
// among them) can detect gaps.
type Message struct {
	Payload []byte
	Seq     uint64
}

// Writer is the single producing side of one channel.
type Writer struct {
	seg   *shm.Segment
	arena *shm.Arena
}

// OpenWriter opens (create-or-attach) the channel's segment for writing.
func OpenWriter(cfg config.ChannelConfig, opts ...shm.Option) (*Writer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.KeepOnClose {
		opts = append(opts, shm.WithKeepOnClose())
	}
	seg, err := shm.OpenOrCreate(cfg.Channel, cfg.CeilingMessageSize, cfg.MemoryBudget, opts...)
	if err != nil {
		return nil, err
	}
	return &Writer{seg: seg, arena: seg.Arena()}, nil
}

// Publish copies payload into the next slot and publishes it. Fails with
// ErrInvalidConfiguration when the payload exceeds the channel's recorded
// ceiling. Bounded and non-blocking.
func (w *Writer) Publish(payload []byte) error {
	if uint64(len(payload)) > w.arena.Ceiling() {
		return fmt.Errorf("%w: payload %d exceeds ceiling %d", ErrInvalidConfiguration, len(payload), w.arena.Ceiling())
	}
	h := w.arena.ClaimNext()
	copy(w.arena.Buffer(h), payload)
	return w.arena.Publish(h, uint64(len(payload)))
}

// Close detaches from the channel.
func (w *Writer) Close() error {
	return w.seg.Close()
}

// Reader is one consuming side of a channel.
type Reader struct {
	seg     *shm.Segment
	arena   *shm.Arena
	scratch []byte
	lastSeq uint64
}

// OpenReader attaches (attach-only) to the channel's segment. Fails with
// ErrNotFound when the writer has not created it yet; use OpenReaderWait to
// wait for it. The region's recorded ceiling wins over the configured one;
// a mismatch is logged as a warning.
func OpenReader(cfg config.ChannelConfig, opts ...shm.Option) (*Reader, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	opts = append(opts, shm.WithExpectedCeiling(cfg.CeilingMessageSize))
	seg, err := shm.OpenExisting(cfg.Channel, opts...)
	if err != nil {
		return nil, err
	}
	return &Reader{seg: seg, arena: seg.Arena()}, nil
}

// OpenReaderWait attaches to the channel's segment, waiting until it exists
// or ctx ends.
func OpenReaderWait(ctx context.Context, cfg config.ChannelConfig, opts ...shm.Option) (*Reader, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	opts = append(opts, shm.WithExpectedCeiling(cfg.CeilingMessageSize))
	seg, err := shm.OpenExistingWait(ctx, cfg.Channel, opts...)
	if err != nil {
		return nil, err
	}
	return &Reader{seg: seg, arena: seg.Arena()}, nil
}

// Poll retrieves the most recently published message. Returns ErrEmpty when
// nothing has been published yet and ErrStale when the reader lost the
// overwrite race pollMaxRetries times in a row. The returned payload is a
// copy owned by the caller.
func (r *Reader) Poll() (Message, error) {
	backoff := pollInitialBackoff

	for attempt := 0; attempt < pollMaxRetries; attempt++ {
		v, err := r.arena.PinLatest()
		if err != nil {
			return Message{}, err
		}

		r.scratch, err = r.arena.Read(v, r.scratch)
		r.arena.Unpin(v)

		if err == nil {
			payload := make([]byte, len(r.scratch))
			copy(payload, r.scratch)
			r.lastSeq = v.Seq
			return Message{Payload: payload, Seq: v.Seq}, nil
		}
		if !errors.Is(err, ErrStale) {
			return Message{}, err
		}

		time.Sleep(backoff)
		if backoff < pollMaxBackoff {
			backoff *= 2
		}
	}
	return Message{}, fmt.Errorf("%w: lost the overwrite race %d times", ErrStale, pollMaxRetries)
}

// LastSeq returns the sequence number of the last successful Poll.
func (r *Reader) LastSeq() uint64 {
	return r.lastSeq
}

// Close detaches from the channel.
func (r *Reader) Close() error {
	return r.seg.Close()
}
