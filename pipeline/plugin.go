// Copyright 2024-2026 The Batchflow Authors. SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"plugin"
	"sync"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Operator plugins are shared objects whose init registers extra operators
// (or a graph Loader). Loading is keyed by path: loading the same library
// twice is a no-op.

var (
	muPlugins     sync.Mutex
	loadedPlugins = make(map[string]bool)

	// openPlugin is swapped out in tests.
	openPlugin = func(path string) error {
		_, err := plugin.Open(path)
		return err
	}
)

// LoadLibrary loads an operator plugin from path. Registration happens in
// the plugin's init functions as a side effect of loading.
func LoadLibrary(path string) error {
	muPlugins.Lock()
	defer muPlugins.Unlock()
	if loadedPlugins[path] {
		return nil
	}
	if err := openPlugin(path); err != nil {
		return errors.WithMessagef(err, "loading operator plugin %q", path)
	}
	loadedPlugins[path] = true
	klog.V(1).Infof("loaded operator plugin %q", path)
	return nil
}
