package introspect

import (
	"fmt"
	"runtime"

	"github.com/emirpasic/gods/sets/hashset"
)

const initialStackDepth = 64

// callers returns the frames of the current goroutine, skip 0 being the function which invoked callers.
func callers(skip int) []Frame {
	pcs := make([]uintptr, initialStackDepth)
	for {
		n := runtime.Callers(skip+2, pcs) // skip runtime.Callers, callers
		if n < len(pcs) {
			pcs = pcs[:n]
			break
		}
		pcs = make([]uintptr, len(pcs)*2) // possibly truncated, retry with more room
	}

	frames := runtime.CallersFrames(pcs)
	stack := make([]Frame, 0, len(pcs))
	for {
		f, more := frames.Next()
		if f.Function != "" || f.File != "" {
			stack = append(stack, newFrame(f))
		}
		if !more {
			break
		}
	}
	return stack
}

func newIgnoreSet(names []string) *hashset.Set {
	set := hashset.New()
	for _, name := range names {
		set.Add(name)
	}
	return set
}

func isIgnored(set *hashset.Set, f Frame) bool {
	return set.Contains(f.Owner) || set.Contains(f.Member)
}

// CaptureSnapshot returns the full call stack starting at the function which invoked CaptureSnapshot.
func CaptureSnapshot() Snapshot {
	return Snapshot{frames: callers(1)}
}

// CallersSnapshot is CaptureSnapshot with skip additional frames removed, for use by wrapping helpers.
func CallersSnapshot(skip int) Snapshot {
	return Snapshot{frames: callers(1 + max(0, skip))}
}

// Caller returns the frame which called the function invoking Caller, see FindCaller.
func Caller(ignore ...string) Frame {
	return findCaller(callers(0), 0, ignore)
}

// FindCaller reports who called the function that invoked FindCaller. Frames are counted with FindCaller itself at
// index 0, the search begins at index 2+skip and moves outward, returning the first frame where neither the Owner
// nor the Member is in ignore. When every frame is excluded FilteredFrame is returned.
func FindCaller(skip int, ignore ...string) Frame {
	return findCaller(callers(0), skip, ignore)
}

func findCaller(stack []Frame, skip int, ignore []string) Frame {
	ignored := newIgnoreSet(ignore)
	for i := 2 + max(0, skip); i < len(stack); i++ {
		if !isIgnored(ignored, stack[i]) {
			return stack[i]
		}
	}
	return FilteredFrame
}

// FindRecentFrames returns up to depth frames starting at the caller of the function invoking FindRecentFrames,
// applying the same ignore rule as FindCaller. Fewer frames are returned when the stack is exhausted, the result
// is never padded. Returns ErrInvalidDepth if depth is not positive.
func FindRecentFrames(depth int, ignore ...string) ([]Frame, error) {
	if depth <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidDepth, depth)
	}
	stack := callers(0)
	ignored := newIgnoreSet(ignore)
	frames := make([]Frame, 0, min(depth, len(stack)))
	for i := 2; i < len(stack) && len(frames) < depth; i++ {
		if !isIgnored(ignored, stack[i]) {
			frames = append(frames, stack[i])
		}
	}
	return frames, nil
}
