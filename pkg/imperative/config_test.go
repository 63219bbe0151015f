// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package imperative

import (
	"context"
	"testing"

	"github.com/gomlx/nnrt/pkg/core/exec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConfig(t *testing.T) {
	cfg, err := ParseConfig("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)

	cfg, err = ParseConfig("exec=parallel, parallelism=4,static_shape,cache_max=3,verbose_stype=false")
	require.NoError(t, err)
	assert.Equal(t, exec.Parallel, cfg.ExecMode)
	assert.Equal(t, 4, cfg.Parallelism)
	assert.Equal(t, 3, cfg.CacheMax)
	assert.True(t, cfg.StaticShape)
	assert.False(t, cfg.VerboseStorageType)

	for _, config := range []string{"fast", "exec=eager", "parallelism=many", "cache_max=0", "static_shape=maybe"} {
		_, err = ParseConfig(config)
		assert.Error(t, err, "config %q", config)
	}
}

func TestNewFromEnvironment(t *testing.T) {
	t.Setenv(ConfigEnv, "exec=sequential,cache_max=2")
	rt, err := New()
	require.NoError(t, err)
	assert.Equal(t, exec.Sequential, rt.Driver().Mode())
	assert.Equal(t, 2, rt.Config().CacheMax)

	t.Setenv(ConfigEnv, "exec=sequential,bogus")
	_, err = New()
	require.Error(t, err)
}

func TestScope(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, Scope{}, ScopeFrom(ctx))

	err := Record(ctx, func(ctx context.Context) error {
		scope := ScopeFrom(ctx)
		assert.True(t, scope.IsRecording())
		assert.True(t, scope.IsTraining())
		return Pause(ctx, false, func(ctx context.Context) error {
			assert.False(t, ScopeFrom(ctx).IsRecording())
			assert.False(t, ScopeFrom(ctx).IsTraining())
			return nil
		})
	})
	require.NoError(t, err)

	// Panics inside a scope don't leak the flags into the caller's context.
	training := WithTraining(ctx, true)
	assert.Panics(t, func() {
		_ = Record(training, func(context.Context) error { panic("boom") })
	})
	assert.False(t, ScopeFrom(training).IsRecording())
	assert.True(t, ScopeFrom(training).IsTraining())
}
