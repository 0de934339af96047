// ABOUTME: Tests for coven-relay command helpers
// ABOUTME: Covers payload selection from send flags and duration range checks

package main

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-relay/internal/store"
)

func TestBuildPayload(t *testing.T) {
	p, err := buildPayload("hi", "", "", "", 0)
	require.NoError(t, err)
	assert.Equal(t, store.TextPayload{Content: "hi"}, p)

	p, err = buildPayload("", "https://example.com/a.png", "cap", "", 0)
	require.NoError(t, err)
	img, ok := p.(store.ImagePayload)
	require.True(t, ok)
	require.NotNil(t, img.Caption)
	assert.Equal(t, "cap", *img.Caption)

	p, err = buildPayload("", "https://example.com/a.png", "", "", 0)
	require.NoError(t, err)
	assert.Nil(t, p.(store.ImagePayload).Caption)

	p, err = buildPayload("", "", "", "https://example.com/v.mp4", math.MaxUint32)
	require.NoError(t, err)
	assert.Equal(t, store.VideoPayload{URL: "https://example.com/v.mp4", DurationSeconds: math.MaxUint32}, p)

	_, err = buildPayload("", "", "", "", 0)
	assert.Error(t, err)
}

func TestBuildPayload_DurationOutOfRange(t *testing.T) {
	_, err := buildPayload("", "", "", "https://example.com/v.mp4", uint(math.MaxUint32)+1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--duration")
}
