package solver

import (
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
)

// StereoPixel is one rectified stereo observation: the feature's horizontal
// pixel coordinate in the left and right images and the shared vertical one.
type StereoPixel struct {
	UL float64
	UR float64
	V  float64
}

// StereoCamera is a calibrated rectified stereo rig with identical pinhole
// intrinsics in both views and a horizontal baseline in meters.
type StereoCamera struct {
	Fx       float64
	Fy       float64
	Cx       float64
	Cy       float64
	Baseline float64
}

// Validate checks the calibration for usable intrinsics.
func (c *StereoCamera) Validate() error {
	if c == nil {
		return errors.New("solver: nil stereo calibration")
	}
	if c.Fx <= 0 || c.Fy <= 0 || c.Baseline <= 0 {
		return errors.Errorf("solver: bad stereo calibration fx=%v fy=%v baseline=%v", c.Fx, c.Fy, c.Baseline)
	}
	return nil
}

// Project maps a point in the camera frame (z forward) to a stereo pixel.
func (c *StereoCamera) Project(p r3.Vector) (StereoPixel, error) {
	if p.Z <= 0 {
		return StereoPixel{}, errors.Errorf("solver: point behind camera (z=%v)", p.Z)
	}
	ul := c.Cx + c.Fx*p.X/p.Z
	return StereoPixel{
		UL: ul,
		UR: ul - c.Fx*c.Baseline/p.Z,
		V:  c.Cy + c.Fy*p.Y/p.Z,
	}, nil
}

// Backproject recovers the camera-frame point observed at a stereo pixel. The
// disparity must be positive.
func (c *StereoCamera) Backproject(px StereoPixel) (r3.Vector, error) {
	d := px.UL - px.UR
	if d <= 0 {
		return r3.Vector{}, errors.Errorf("solver: nonpositive disparity %v", d)
	}
	z := c.Fx * c.Baseline / d
	return r3.Vector{
		X: (px.UL - c.Cx) * z / c.Fx,
		Y: (px.V - c.Cy) * z / c.Fy,
		Z: z,
	}, nil
}
