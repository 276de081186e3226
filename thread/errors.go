package thread

import "errors"

// Standard errors.
var (
	// ErrNoFreeTID is returned when AssignTID cannot find a free slot in
	// [0, MaxThreadNum).
	ErrNoFreeTID = errors.New("thread: no free tid")

	// ErrInvalidPriority is returned when a thread is created with a
	// priority outside [0, NumPriorities).
	ErrInvalidPriority = errors.New("thread: priority out of range")
)
