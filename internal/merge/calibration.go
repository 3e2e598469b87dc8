// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package merge

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"time"
)

var (
	// ErrCalibrationMissing means no calibration file is configured or
	// present; stitch degrades to feather_blend.
	ErrCalibrationMissing = errors.New("calibration missing")
	// ErrCalibrationInvalid means the file exists but fails validation.
	ErrCalibrationInvalid = errors.New("calibration invalid")
)

// Calibration holds the right-to-panorama homography produced by the
// offline calibration run. The file is read-only at runtime.
type Calibration struct {
	Homography   [3][3]float64 `json:"homography"`
	CreatedAt    time.Time     `json:"created_at"`
	FeatureCount int           `json:"feature_count"`
	InlierRatio  float64       `json:"inlier_ratio"`
}

// LoadCalibration reads and parses a calibration file. A missing path or
// file maps to ErrCalibrationMissing, parse failures to
// ErrCalibrationInvalid. Geometry is checked separately by Validate once
// input dimensions are known.
func LoadCalibration(path string) (*Calibration, error) {
	if path == "" {
		return nil, ErrCalibrationMissing
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrCalibrationMissing, path)
		}
		return nil, fmt.Errorf("%w: %v", ErrCalibrationInvalid, err)
	}
	var c Calibration
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCalibrationInvalid, err)
	}
	return &c, nil
}

// Det returns the determinant of the homography matrix.
func (c *Calibration) Det() float64 {
	h := c.Homography
	return h[0][0]*(h[1][1]*h[2][2]-h[1][2]*h[2][1]) -
		h[0][1]*(h[1][0]*h[2][2]-h[1][2]*h[2][0]) +
		h[0][2]*(h[1][0]*h[2][1]-h[1][1]*h[2][0])
}

// Project maps a right-frame point into panorama coordinates.
func (c *Calibration) Project(x, y float64) (float64, float64, error) {
	h := c.Homography
	w := h[2][0]*x + h[2][1]*y + h[2][2]
	if math.Abs(w) < 1e-9 {
		return 0, 0, fmt.Errorf("%w: point (%g,%g) projects to infinity", ErrCalibrationInvalid, x, y)
	}
	px := (h[0][0]*x + h[0][1]*y + h[0][2]) / w
	py := (h[1][0]*x + h[1][1]*y + h[1][2]) / w
	return px, py, nil
}

// Corners projects the four corners of a rightW x rightH frame, in the
// order top-left, top-right, bottom-left, bottom-right.
func (c *Calibration) Corners(rightW, rightH int) ([4][2]float64, error) {
	pts := [4][2]float64{
		{0, 0},
		{float64(rightW), 0},
		{0, float64(rightH)},
		{float64(rightW), float64(rightH)},
	}
	var out [4][2]float64
	for i, p := range pts {
		x, y, err := c.Project(p[0], p[1])
		if err != nil {
			return out, err
		}
		out[i] = [2]float64{x, y}
	}
	return out, nil
}

// Validate checks the homography is usable for stitching onto a canvas of
// canvasW x canvasH: all entries finite, determinant within [0.5, 2.0] (no
// degenerate or wildly scaling transforms) and the projected right-frame
// corners landing on or near the canvas. The margin tolerates calibrations
// that crop a little at the edges.
func (c *Calibration) Validate(rightW, rightH, canvasW, canvasH int) error {
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			v := c.Homography[i][j]
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return fmt.Errorf("%w: entry [%d][%d] not finite", ErrCalibrationInvalid, i, j)
			}
		}
	}

	det := c.Det()
	if det < 0.5 || det > 2.0 {
		return fmt.Errorf("%w: determinant %.4f outside [0.5, 2.0]", ErrCalibrationInvalid, det)
	}

	corners, err := c.Corners(rightW, rightH)
	if err != nil {
		return err
	}
	marginX := 0.25 * float64(canvasW)
	marginY := 0.25 * float64(canvasH)
	for i, p := range corners {
		if p[0] < -marginX || p[0] > float64(canvasW)+marginX ||
			p[1] < -marginY || p[1] > float64(canvasH)+marginY {
			return fmt.Errorf("%w: corner %d projects to (%.1f, %.1f), outside canvas %dx%d",
				ErrCalibrationInvalid, i, p[0], p[1], canvasW, canvasH)
		}
	}
	return nil
}
