// Copyright 2024-2026 The Batchflow Authors. SPDX-License-Identifier: Apache-2.0

package backends_test

import (
	"testing"

	"github.com/batchflow/batchflow/backends"
	_ "github.com/batchflow/batchflow/backends/hostref"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/klog/v2"
)

func init() {
	klog.InitFlags(nil)
}

func TestNewWithConfig(t *testing.T) {
	b, err := backends.NewWithConfig("hostref:devices=3")
	require.NoError(t, err)
	defer b.Finalize()
	assert.Equal(t, "hostref", b.Name())
	assert.Equal(t, backends.DeviceNum(3), b.NumDevices())

	// Empty config falls back to the first registered backend.
	b2, err := backends.NewWithConfig("")
	require.NoError(t, err)
	defer b2.Finalize()
	assert.Equal(t, backends.DeviceNum(1), b2.NumDevices())
}

func TestInitShutdownIdempotence(t *testing.T) {
	// Init and Shutdown are process-wide and guarded by sync.Once: repeated
	// calls are harmless. Shutdown runs last, it clears the registry.
	backends.Init()
	backends.Init()

	b, err := backends.New()
	require.NoError(t, err)
	b.Finalize()

	backends.Shutdown()
	backends.Shutdown()
}
