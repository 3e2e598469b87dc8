// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package merge

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

type dims struct {
	w, h int
}

// rotateFilter maps the configured pre-merge rotation to filter steps.
// Only quarter turns are supported.
func rotateFilter(deg int) (string, error) {
	switch deg {
	case 0:
		return "", nil
	case 90:
		return "transpose=1,", nil
	case 180:
		return "hflip,vflip,", nil
	case 270:
		return "transpose=2,", nil
	default:
		return "", fmt.Errorf("unsupported rotation %d (want 0/90/180/270)", deg)
	}
}

// rotatedDims swaps width and height for quarter turns.
func rotatedDims(d dims, deg int) dims {
	if deg == 90 || deg == 270 {
		return dims{w: d.h, h: d.w}
	}
	return d
}

// scaledWidth computes the even width of an input scaled to targetH. The
// width is computed here rather than left to scale=-2 so the canvas math
// and the filtergraph agree exactly.
func scaledWidth(d dims, targetH int) int {
	w := int(math.Round(float64(d.w) * float64(targetH) / float64(d.h)))
	if w%2 != 0 {
		w--
	}
	if w < 2 {
		w = 2
	}
	return w
}

// geometry is the resolved layout shared by all three methods: both inputs
// rotated and scaled to a common height, plus the blend overlap.
type geometry struct {
	leftW   int
	rightW  int
	height  int
	overlap int
	rotate  string
}

func resolveGeometry(left, right dims, rotateDeg, overlap int) (geometry, error) {
	rot, err := rotateFilter(rotateDeg)
	if err != nil {
		return geometry{}, err
	}
	l := rotatedDims(left, rotateDeg)
	r := rotatedDims(right, rotateDeg)

	h := l.h
	if r.h > h {
		h = r.h
	}
	if h%2 != 0 {
		h++
	}

	g := geometry{
		leftW:  scaledWidth(l, h),
		rightW: scaledWidth(r, h),
		height: h,
		rotate: rot,
	}

	minW := g.leftW
	if g.rightW < minW {
		minW = g.rightW
	}
	if overlap <= 0 {
		overlap = 120
	}
	if overlap > minW-2 {
		overlap = minW - 2
	}
	g.overlap = overlap
	return g, nil
}

// canvasWidth is the panorama width for the blending methods.
func (g geometry) canvasWidth() int {
	w := g.leftW + g.rightW - g.overlap
	if w%2 != 0 {
		w++
	}
	return w
}

// sideBySideGraph scales both inputs to the common height and stacks them.
func sideBySideGraph(g geometry) string {
	return fmt.Sprintf(
		"[0:v]%sscale=%d:%d[l];[1:v]%sscale=%d:%d[r];[l][r]hstack=inputs=2[v]",
		g.rotate, g.leftW, g.height,
		g.rotate, g.rightW, g.height,
	)
}

// featherAlpha ramps the right input's alpha linearly from 0 to 255 across
// the overlap band on its left edge, so the blend endpoints coincide with
// the unblended regions.
func featherAlpha(overlap int) string {
	return fmt.Sprintf(
		"geq=lum='lum(X,Y)':cb='cb(X,Y)':cr='cr(X,Y)':a='if(lt(X,%d),255*X/%d,255)'",
		overlap, overlap,
	)
}

// featherBlendGraph overlays the alpha-ramped right input onto a padded
// canvas at the overlap offset.
func featherBlendGraph(g geometry) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "[0:v]%sscale=%d:%d[l];", g.rotate, g.leftW, g.height)
	fmt.Fprintf(&sb, "[1:v]%sscale=%d:%d,format=yuva420p,%s[r];",
		g.rotate, g.rightW, g.height, featherAlpha(g.overlap))
	fmt.Fprintf(&sb, "[l]pad=%d:%d:0:0:black[base];", g.canvasWidth(), g.height)
	fmt.Fprintf(&sb, "[base][r]overlay=x=%d:y=0[v]", g.leftW-g.overlap)
	return sb.String()
}

// stitchGraph warps the right input with the calibrated homography before
// feather-blending it onto the canvas. The projected corners are expressed
// relative to the overlay position, which is where the warped frame is
// composited.
func stitchGraph(g geometry, corners [4][2]float64) string {
	offX := float64(g.leftW - g.overlap)

	f := func(v float64) string { return strconv.FormatFloat(v, 'f', 2, 64) }
	persp := fmt.Sprintf(
		"perspective=x0=%s:y0=%s:x1=%s:y1=%s:x2=%s:y2=%s:x3=%s:y3=%s:sense=destination",
		f(corners[0][0]-offX), f(corners[0][1]),
		f(corners[1][0]-offX), f(corners[1][1]),
		f(corners[2][0]-offX), f(corners[2][1]),
		f(corners[3][0]-offX), f(corners[3][1]),
	)

	var sb strings.Builder
	fmt.Fprintf(&sb, "[0:v]%sscale=%d:%d[l];", g.rotate, g.leftW, g.height)
	fmt.Fprintf(&sb, "[1:v]%sscale=%d:%d,%s,format=yuva420p,%s[r];",
		g.rotate, g.rightW, g.height, persp, featherAlpha(g.overlap))
	fmt.Fprintf(&sb, "[l]pad=%d:%d:0:0:black[base];", g.canvasWidth(), g.height)
	fmt.Fprintf(&sb, "[base][r]overlay=x=%d:y=0[v]", g.leftW-g.overlap)
	return sb.String()
}

// buildMergeArgs wraps a filtergraph into the full FFmpeg invocation.
func buildMergeArgs(left, right, out, graph string, duration float64) []string {
	return []string{
		"-hide_banner", "-loglevel", "error", "-nostats",
		"-y",
		"-i", left,
		"-i", right,
		"-filter_complex", graph,
		"-map", "[v]",
		"-an",
		"-c:v", "libx264",
		"-preset", "veryfast",
		"-crf", "20",
		"-t", strconv.FormatFloat(duration, 'f', 3, 64),
		"-movflags", "+faststart",
		out,
	}
}
