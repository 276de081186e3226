package vm

import "errors"

var (
	// ErrProgramTooLarge is returned when a program's address space would
	// need more pages than a non-demand-paged configuration's physical
	// memory, or more than DiskSizePerThread holds under demand paging.
	ErrProgramTooLarge = errors.New("vm: program too large for this configuration")

	// ErrNoFreeFrame is returned by the eager (non-demand) allocator when
	// physical memory has no free frame left; demand paging never returns
	// this, since it always has a victim to evict.
	ErrNoFreeFrame = errors.New("vm: no free physical frame")
)
