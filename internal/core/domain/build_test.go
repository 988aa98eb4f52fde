package domain

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildLifecycle(t *testing.T) {
	b := NewBuild("spc_12345678", 1)
	assert.Equal(t, BuildQueued, b.Status)
	assert.Equal(t, 1, b.Number)
	assert.False(t, b.Finished())

	require.NoError(t, b.Start())
	assert.Equal(t, BuildRunning, b.Status)
	require.NotNil(t, b.StartedAt)

	// Double start is rejected
	assert.ErrorIs(t, b.Start(), ErrBuildNotQueued)

	require.NoError(t, b.Succeed("spaceport/gee-viewer:1"))
	assert.Equal(t, BuildSucceeded, b.Status)
	assert.Equal(t, "spaceport/gee-viewer:1", b.ImageTag)
	require.NotNil(t, b.FinishedAt)
	assert.True(t, b.Finished())

	// Terminal builds cannot change status
	assert.ErrorIs(t, b.Fail("late failure"), ErrBuildNotRunning)
	assert.ErrorIs(t, b.Succeed("again"), ErrBuildNotRunning)
}

func TestBuild_Fail(t *testing.T) {
	t.Run("from running", func(t *testing.T) {
		b := NewBuild("spc_12345678", 1)
		require.NoError(t, b.Start())
		require.NoError(t, b.Fail("pip install exited 1"))
		assert.Equal(t, BuildFailed, b.Status)
		assert.Equal(t, "pip install exited 1", b.ErrorMessage)
	})

	t.Run("queued builds can be failed directly", func(t *testing.T) {
		b := NewBuild("spc_12345678", 1)
		require.NoError(t, b.Fail("space deleted before build"))
		assert.Equal(t, BuildFailed, b.Status)
	})
}

func TestBuild_AppendLog(t *testing.T) {
	b := NewBuild("spc_12345678", 1)
	b.AppendLog("Step 1/6 : FROM python:3.11-slim\n")
	b.AppendLog("Step 2/6 : RUN apt-get update\n")
	assert.Contains(t, b.Log, "Step 1/6")
	assert.Contains(t, b.Log, "Step 2/6")
}

func TestBuild_AppendLog_TruncatesFront(t *testing.T) {
	b := NewBuild("spc_12345678", 1)
	b.AppendLog("HEAD-MARKER\n")
	b.AppendLog(strings.Repeat("x", MaxBuildLogBytes))
	b.AppendLog("TAIL-MARKER\n")

	assert.LessOrEqual(t, len(b.Log), MaxBuildLogBytes)
	assert.NotContains(t, b.Log, "HEAD-MARKER")
	assert.Contains(t, b.Log, "TAIL-MARKER")
}
