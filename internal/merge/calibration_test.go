// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package merge

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeCalibration(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "calibration.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// translation is the typical well-behaved calibration: right frame shifted
// into the overlap region.
func translation(tx float64) *Calibration {
	return &Calibration{Homography: [3][3]float64{
		{1, 0, tx},
		{0, 1, 0},
		{0, 0, 1},
	}}
}

func TestLoadCalibration(t *testing.T) {
	t.Run("unconfigured", func(t *testing.T) {
		_, err := LoadCalibration("")
		assert.ErrorIs(t, err, ErrCalibrationMissing)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadCalibration(filepath.Join(t.TempDir(), "nope.json"))
		assert.ErrorIs(t, err, ErrCalibrationMissing)
	})

	t.Run("bad json", func(t *testing.T) {
		_, err := LoadCalibration(writeCalibration(t, "{not json"))
		assert.ErrorIs(t, err, ErrCalibrationInvalid)
	})

	t.Run("valid", func(t *testing.T) {
		path := writeCalibration(t, `{
			"homography": [[1,0,1160],[0,1,0],[0,0,1]],
			"created_at": "2026-01-15T09:00:00Z",
			"feature_count": 412,
			"inlier_ratio": 0.87
		}`)
		c, err := LoadCalibration(path)
		require.NoError(t, err)
		assert.Equal(t, 412, c.FeatureCount)
		assert.InDelta(t, 0.87, c.InlierRatio, 0.001)
		assert.InDelta(t, 1160.0, c.Homography[0][2], 0.001)
	})
}

func TestCalibrationDet(t *testing.T) {
	assert.InDelta(t, 1.0, translation(800).Det(), 1e-9)

	scaled := &Calibration{Homography: [3][3]float64{
		{1.2, 0, 0},
		{0, 1.2, 0},
		{0, 0, 1},
	}}
	assert.InDelta(t, 1.44, scaled.Det(), 1e-9)
}

func TestCalibrationValidate(t *testing.T) {
	const rightW, rightH = 1280, 720
	const canvasW, canvasH = 2440, 720

	t.Run("good translation", func(t *testing.T) {
		assert.NoError(t, translation(1160).Validate(rightW, rightH, canvasW, canvasH))
	})

	t.Run("determinant too small", func(t *testing.T) {
		c := &Calibration{Homography: [3][3]float64{{0.3, 0, 0}, {0, 1, 0}, {0, 0, 1}}}
		err := c.Validate(rightW, rightH, canvasW, canvasH)
		assert.ErrorIs(t, err, ErrCalibrationInvalid)
		assert.ErrorContains(t, err, "determinant")
	})

	t.Run("determinant too large", func(t *testing.T) {
		c := &Calibration{Homography: [3][3]float64{{2.5, 0, 0}, {0, 1, 0}, {0, 0, 1}}}
		err := c.Validate(rightW, rightH, canvasW, canvasH)
		assert.ErrorContains(t, err, "determinant")
	})

	t.Run("boundary determinants accepted", func(t *testing.T) {
		lo := &Calibration{Homography: [3][3]float64{{0.5, 0, 100}, {0, 1, 0}, {0, 0, 1}}}
		assert.NoError(t, lo.Validate(rightW, rightH, canvasW, canvasH))
		hi := &Calibration{Homography: [3][3]float64{{2.0, 0, 0}, {0, 1, 0}, {0, 0, 1}}}
		assert.NoError(t, hi.Validate(rightW, rightH, canvasW, canvasH))
	})

	t.Run("non finite entry", func(t *testing.T) {
		c := translation(800)
		c.Homography[1][1] = math.NaN()
		err := c.Validate(rightW, rightH, canvasW, canvasH)
		assert.ErrorContains(t, err, "not finite")
	})

	t.Run("corners off canvas", func(t *testing.T) {
		err := translation(50_000).Validate(rightW, rightH, canvasW, canvasH)
		assert.ErrorContains(t, err, "outside canvas")
	})
}

func TestCalibrationProject(t *testing.T) {
	c := translation(800)
	x, y, err := c.Project(100, 50)
	require.NoError(t, err)
	assert.InDelta(t, 900.0, x, 1e-9)
	assert.InDelta(t, 50.0, y, 1e-9)

	degenerate := &Calibration{Homography: [3][3]float64{
		{1, 0, 0},
		{0, 1, 0},
		{0, 0, 1e-12},
	}}
	_, _, err = degenerate.Project(0, 0)
	assert.ErrorContains(t, err, "projects to infinity")
}

func TestCalibrationCorners(t *testing.T) {
	corners, err := translation(800).Corners(1280, 720)
	require.NoError(t, err)
	assert.Equal(t, [2]float64{800, 0}, corners[0])
	assert.Equal(t, [2]float64{2080, 0}, corners[1])
	assert.Equal(t, [2]float64{800, 720}, corners[2])
	assert.Equal(t, [2]float64{2080, 720}, corners[3])
}
