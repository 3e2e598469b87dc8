// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

//go:build linux

package capture

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writePart(t *testing.T, path string, size int) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, make([]byte, size), 0o644))
}

func TestEncoderFinalize_SinglePartPromoted(t *testing.T) {
	dir := t.TempDir()
	final := filepath.Join(dir, "cam0.mp4")
	part := final + ".part"
	writePart(t, part, 80_000)

	e := &encoder{idx: 0, finalPath: final, parts: []string{part}}
	res := e.finalize(context.Background(), 50_000)

	assert.False(t, res.Missing)
	assert.Equal(t, int64(80_000), res.Bytes)
	_, err := os.Stat(part)
	assert.True(t, os.IsNotExist(err))
}

func TestEncoderFinalize_BelowMinBytes(t *testing.T) {
	dir := t.TempDir()
	final := filepath.Join(dir, "cam0.mp4")
	part := final + ".part"
	writePart(t, part, 100)

	e := &encoder{idx: 0, finalPath: final, parts: []string{part}}
	res := e.finalize(context.Background(), 50_000)

	assert.True(t, res.Missing)
	_, err := os.Stat(part)
	assert.True(t, os.IsNotExist(err), "garbage is swept")
	_, err = os.Stat(final)
	assert.True(t, os.IsNotExist(err))
}

func TestEncoderFinalize_NoParts(t *testing.T) {
	e := &encoder{idx: 1, finalPath: filepath.Join(t.TempDir(), "cam1.mp4")}
	res := e.finalize(context.Background(), 50_000)
	assert.True(t, res.Missing)
}

func TestEncoderFinalize_ConcatFallsBackToLargestPart(t *testing.T) {
	dir := t.TempDir()
	final := filepath.Join(dir, "cam0.mp4")
	p0 := final + ".part"
	p1 := final + ".part1"
	writePart(t, p0, 60_000)
	writePart(t, p1, 90_000)

	// A concat binary that always fails forces the fallback.
	bin := writeStub(t, "#!/bin/sh\nexit 1\n")
	e := &encoder{idx: 0, bin: bin, finalPath: final, parts: []string{p0, p1}}
	res := e.finalize(context.Background(), 50_000)

	require.False(t, res.Missing)
	assert.Equal(t, int64(90_000), res.Bytes, "largest part wins")

	matches, _ := filepath.Glob(final + ".part*")
	assert.Empty(t, matches)
}
