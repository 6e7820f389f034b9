// Package trajectory holds the reconstructed whole-session path and writes it
// out in interoperable pose-sequence formats at session end.
package trajectory

import (
	"bufio"
	"fmt"
	"os"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/meridianrobotics/slamkit/factor"
	"github.com/meridianrobotics/slamkit/spatialmath"
)

// Sample is one time-stamped absolute pose of the path. Frame is the keyframe
// id when the sample is a keyframe and InvalidFrame for intermediate
// localization samples.
type Sample struct {
	Time     time.Time
	Frame    factor.FrameID
	Pose     spatialmath.Pose
	Twist    spatialmath.Twist
	HasTwist bool
}

// Path is a time-ordered pose sequence.
type Path struct {
	Samples []Sample
}

// Len returns the number of samples.
func (p *Path) Len() int { return len(p.Samples) }

// TimeOrdered reports whether samples are strictly ascending in time.
func (p *Path) TimeOrdered() bool {
	for i := 1; i < len(p.Samples); i++ {
		if !p.Samples[i-1].Time.Before(p.Samples[i].Time) {
			return false
		}
	}
	return true
}

// WriteTUM writes the path in TUM format: one line per sample with
// "timestamp tx ty tz qx qy qz qw".
func (p *Path) WriteTUM(w *bufio.Writer) error {
	for _, s := range p.Samples {
		t := s.Pose.Point()
		q := s.Pose.Rotation()
		_, err := fmt.Fprintf(w, "%.9f %.6f %.6f %.6f %.9f %.9f %.9f %.9f\n",
			float64(s.Time.UnixNano())/1e9, t.X, t.Y, t.Z, q.Imag, q.Jmag, q.Kmag, q.Real)
		if err != nil {
			return err
		}
	}
	return w.Flush()
}

// WriteCSV writes the path with a header row, including twists when present.
func (p *Path) WriteCSV(w *bufio.Writer) error {
	if _, err := fmt.Fprintln(w, "time_ns,frame,tx,ty,tz,qx,qy,qz,qw,vx,vy,vz,wx,wy,wz"); err != nil {
		return err
	}
	for _, s := range p.Samples {
		t := s.Pose.Point()
		q := s.Pose.Rotation()
		frame := ""
		if s.Frame != factor.InvalidFrame {
			frame = fmt.Sprintf("%d", s.Frame)
		}
		_, err := fmt.Fprintf(w, "%d,%s,%g,%g,%g,%g,%g,%g,%g,%g,%g,%g,%g,%g,%g\n",
			s.Time.UnixNano(), frame, t.X, t.Y, t.Z, q.Imag, q.Jmag, q.Kmag, q.Real,
			s.Twist.Linear.X, s.Twist.Linear.Y, s.Twist.Linear.Z,
			s.Twist.Angular.X, s.Twist.Angular.Y, s.Twist.Angular.Z)
		if err != nil {
			return err
		}
	}
	return w.Flush()
}

// Save writes the path next to the given file prefix in every supported
// format, combining any errors.
func (p *Path) Save(prefix string) error {
	if prefix == "" {
		return errors.New("trajectory: empty file prefix")
	}
	var errs error
	errs = multierr.Append(errs, p.saveOne(prefix+"_tum.txt", p.WriteTUM))
	errs = multierr.Append(errs, p.saveOne(prefix+".csv", p.WriteCSV))
	return errs
}

func (p *Path) saveOne(path string, write func(*bufio.Writer) error) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "trajectory: creating %s", path)
	}
	defer func() {
		err = multierr.Combine(err, f.Close())
	}()
	return write(bufio.NewWriter(f))
}
