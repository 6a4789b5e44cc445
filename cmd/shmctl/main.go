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

// shmctl is the operator tool for shmbus shared-memory regions: inspect a
// channel's header, remove an orphaned region, or run a single-process
// publish/poll smoke test.
package main

import (
	"bytes"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/shmbus/shmbus"
	"github.com/shmbus/shmbus/internal/config"
	"github.com/shmbus/shmbus/internal/logger"
	"github.com/shmbus/shmbus/internal/transport/shm"
)

var (
	logLevel  string
	logOutput string
)

var rootCmd = &cobra.Command{
	Use:   "shmctl",
	Short: "Operator tool for shmbus shared-memory channels",
	Long: `shmctl inspects and manages the per-channel shared-memory regions used
by the shmbus transport. Removal is best-effort cleanup: never run it while
a process still holds an attached segment.`,
	SilenceUsage: true,
}

var statCmd = &cobra.Command{
	Use:   "stat <channel>",
	Short: "Print a channel's segment header",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		log, err := logger.New(logLevel, logOutput)
		if err != nil {
			return err
		}

		// Keep-on-close: inspecting a region must not unlink it when the
		// stat attach happens to be the last one.
		seg, err := shm.OpenExisting(args[0], shm.WithLogger(log), shm.WithKeepOnClose())
		if err != nil {
			return err
		}
		defer seg.Close()

		st := seg.State()
		geo := seg.Arena().Geometry()
		fmt.Printf("channel:         %s\n", args[0])
		fmt.Printf("version:         %d\n", st.Version())
		fmt.Printf("ceiling:         %d bytes\n", st.CeilingMsgSize())
		fmt.Printf("slots:           %d x %d bytes\n", geo.SlotCount, geo.SlotBufSize)
		fmt.Printf("total size:      %d bytes\n", st.TotalSize())
		// The stat attach itself is included in the count.
		fmt.Printf("attached:        %d (incl. shmctl)\n", st.AttachCount())
		fmt.Printf("claims:          %d\n", st.ClaimCursor())
		fmt.Printf("publishes:       %d\n", st.PublishSeq())
		return nil
	},
}

var removeCmd = &cobra.Command{
	Use:   "remove <channel>",
	Short: "Unlink a channel's shared-memory object",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := shm.Remove(args[0]); err != nil {
			return err
		}
		fmt.Printf("removed channel %s\n", args[0])
		return nil
	},
}

var (
	benchCount  int
	benchConfig string
)

var benchCmd = &cobra.Command{
	Use:   "bench <channel>",
	Short: "Single-process publish/poll round-trip smoke test",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		log, err := logger.New(logLevel, logOutput)
		if err != nil {
			return err
		}

		cfg := config.Default(args[0])
		if benchConfig != "" {
			if cfg, err = config.Load(benchConfig); err != nil {
				return err
			}
			cfg.Channel = args[0]
		}
		w, err := shmbus.OpenWriter(cfg, shm.WithLogger(log))
		if err != nil {
			return err
		}
		defer w.Close()

		r, err := shmbus.OpenReader(cfg, shm.WithLogger(log))
		if err != nil {
			return err
		}
		defer r.Close()

		payload := bytes.Repeat([]byte{0xAB}, 1024)
		for i := 0; i < benchCount; i++ {
			if err := w.Publish(payload); err != nil {
				return fmt.Errorf("publish %d: %w", i, err)
			}
			msg, err := r.Poll()
			if err != nil {
				return fmt.Errorf("poll %d: %w", i, err)
			}
			if !bytes.Equal(msg.Payload, payload) {
				return fmt.Errorf("round-trip %d: payload mismatch", i)
			}
		}
		fmt.Printf("%d round-trips ok, last seq %d\n", benchCount, r.LastSeq())
		return nil
	},
}

func main() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logOutput, "log-output", "stderr", "log output (stdout, stderr, or file path)")
	benchCmd.Flags().IntVar(&benchCount, "count", 1000, "number of round-trips")
	benchCmd.Flags().StringVar(&benchConfig, "config", "", "channel config YAML (overrides defaults)")

	rootCmd.AddCommand(statCmd, removeCmd, benchCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
