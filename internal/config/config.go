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

// Package config holds per-channel configuration for the shared-memory
// transport. Ceiling and budget only seed the first creation of a region;
// later openers accept the values recorded in the segment header.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/shmbus/shmbus/internal/transport/shm"
)

// Defaults sized for typical sensor streams: 1 MiB messages, a 16 MiB
// region per channel.
const (
	DefaultCeilingMessageSize = 1 << 20
	DefaultMemoryBudget       = 16 << 20
)

// ChannelConfig configures one channel's region.
type ChannelConfig struct {
	// Channel is the stable key naming the shared region.
	Channel string `json:"channel" yaml:"channel"`

	// CeilingMessageSize is the max payload bytes a slot can hold, fixed
	// at region creation.
	CeilingMessageSize uint64 `json:"ceiling_message_size" yaml:"ceiling_message_size"`

	// MemoryBudget bounds the total region size.
	MemoryBudget uint64 `json:"memory_budget" yaml:"memory_budget"`

	// KeepOnClose disables the eager unlink when the last attached
	// process detaches.
	KeepOnClose bool `json:"keep_on_close,omitempty" yaml:"keep_on_close,omitempty"`
}

// Default returns the default configuration for a channel.
func Default(channel string) ChannelConfig {
	return ChannelConfig{
		Channel:            channel,
		CeilingMessageSize: DefaultCeilingMessageSize,
		MemoryBudget:       DefaultMemoryBudget,
	}
}

// Validate checks the configuration. Sizing feasibility itself is checked
// by the geometry computation at open time.
func (c ChannelConfig) Validate() error {
	if c.Channel == "" {
		return fmt.Errorf("%w: channel name is empty", shm.ErrInvalidConfiguration)
	}
	if c.CeilingMessageSize == 0 {
		return fmt.Errorf("%w: ceiling message size is zero", shm.ErrInvalidConfiguration)
	}
	if c.MemoryBudget == 0 {
		return fmt.Errorf("%w: memory budget is zero", shm.ErrInvalidConfiguration)
	}
	if c.CeilingMessageSize > c.MemoryBudget {
		return fmt.Errorf("%w: ceiling %d exceeds budget %d", shm.ErrInvalidConfiguration, c.CeilingMessageSize, c.MemoryBudget)
	}
	return nil
}

// Load reads a channel configuration from a YAML file, starting from the
// defaults for the recorded channel name.
func Load(path string) (ChannelConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ChannelConfig{}, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg := ChannelConfig{
		CeilingMessageSize: DefaultCeilingMessageSize,
		MemoryBudget:       DefaultMemoryBudget,
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return ChannelConfig{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return ChannelConfig{}, err
	}
	return cfg, nil
}
