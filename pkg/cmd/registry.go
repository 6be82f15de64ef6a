// Package cmd provides common initialization functions for command-line applications.
package cmd

import (
	"fmt"
	"log/slog"

	"github.com/dukex/taskflow/pkg/registry"
)

// NewRegistry registers the built-in executors, then the plugins found below
// pluginsPath. A plugin with the id of a built-in replaces it.
func NewRegistry(logger *slog.Logger, pluginsPath string) (*registry.Registry, error) {
	reg := registry.NewRegistry(logger)
	reg.RegisterDefaultExecutors()

	if pluginsPath == "" {
		return reg, nil
	}

	plugins, err := reg.LoadExecutorPlugins(pluginsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load executor plugins: %w", err)
	}

	for _, plugin := range plugins {
		reg.Register(plugin)
	}

	return reg, nil
}
