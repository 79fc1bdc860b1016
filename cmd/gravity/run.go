// Copyright 2023 Buf Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	gravity "github.com/Bikeman868/Gravity-sub000"
	"github.com/Bikeman868/Gravity-sub000/config"
	"github.com/Bikeman868/Gravity-sub000/internal"
	"github.com/spf13/cobra"
)

func newRunCommand() *cobra.Command {
	var watch bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the proxy",
		Long: `Start the proxy with the specified configuration.

With --watch the configuration file is reloaded when it changes. A new node
graph takes over once all of its nodes are online, and the previous graph
finishes the requests it already accepted.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfgFile, watch)
		},
	}
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "reload the configuration when the file changes")
	return cmd
}

func run(ctx context.Context, path string, watch bool) error {
	cfg, err := config.LoadConfigWithEnvOverrides(path)
	if err != nil {
		return err
	}
	logger, err := internal.NewLogger(os.Stderr, cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	proxy, err := gravity.New(cfg, gravity.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("create proxy: %w", err)
	}
	defer func() {
		logger.Info("shutting down")
		if err := proxy.Close(); err != nil {
			logger.Error("shutdown", slog.Any("error", err))
		}
	}()
	if err := proxy.Start(); err != nil {
		return fmt.Errorf("start proxy: %w", err)
	}

	if watch {
		watcher, err := config.NewWatcher(path, config.WithWatcherLogger(logger))
		if err != nil {
			return err
		}
		defer watcher.Close()
		go func() {
			_ = watcher.Watch(ctx, func(cfg *config.Config) {
				if err := proxy.Configure(cfg); err != nil {
					logger.Error("configuration rejected", slog.Any("error", err))
				}
			})
		}()
	}

	<-ctx.Done()
	return nil
}
