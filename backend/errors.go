package backend

import "github.com/pkg/errors"

var (
	// ErrUnknownKeyFrame is returned when an operation references a keyframe id
	// that was never registered.
	ErrUnknownKeyFrame = errors.New("unknown keyframe")

	// ErrKeyFrameExists is returned when a keyframe id is registered twice;
	// re-registration is a programming error and never silently overwrites.
	ErrKeyFrameExists = errors.New("keyframe already registered")

	// ErrMalformedFactor is returned when a submitted factor references an
	// invalid keyframe, camera, or landmark handle. The pending batch is left
	// untouched.
	ErrMalformedFactor = errors.New("malformed factor")

	// ErrNotFound is returned by identifier tri-map lookups for ids that were
	// never registered.
	ErrNotFound = errors.New("id not found")

	// ErrAlreadyRegistered is returned when a tri-map triple would collide
	// with an existing one; identifier mappings are append-only and stable.
	ErrAlreadyRegistered = errors.New("id already registered")

	// ErrSecondRoot is returned when a session proposes a second root
	// keyframe; exactly one keyframe anchors the global frame.
	ErrSecondRoot = errors.New("session already has a root keyframe")
)
