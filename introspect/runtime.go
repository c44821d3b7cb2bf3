package introspect

import (
	"math"
	"runtime"
	"runtime/debug"
	"strings"

	"github.com/dustin/go-humanize"
	"golang.org/x/mod/semver"
)

// MemoryStats is an instantaneous, unsynchronized estimate of the process memory, stale as soon as it returns.
type MemoryStats struct {
	// Limit is the soft memory limit (GOMEMLIMIT) in bytes, 0 when no limit is set.
	Limit uint64
	// Used is the memory obtained from the OS and not yet returned to it.
	Used uint64
	// Available is Limit minus Used when a limit is set. Without a limit it is the heap memory retained by the
	// runtime but currently unused, which can be reused without growing the process.
	Available uint64
}

func (m MemoryStats) String() string {
	limit := "none"
	if m.Limit > 0 {
		limit = humanize.IBytes(m.Limit)
	}
	return "used " + humanize.IBytes(m.Used) + ", available " + humanize.IBytes(m.Available) + ", limit " + limit
}

// AvailableMemory returns the current memory estimate. It does not run a GC, but it does briefly stop the world to
// read the runtime counters.
func AvailableMemory() MemoryStats {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	stats := MemoryStats{Used: ms.Sys - ms.HeapReleased}
	if limit := debug.SetMemoryLimit(-1); limit > 0 && limit != math.MaxInt64 {
		stats.Limit = uint64(limit)
		if stats.Limit > stats.Used {
			stats.Available = stats.Limit - stats.Used
		}
	} else {
		stats.Available = ms.HeapIdle - ms.HeapReleased
	}
	return stats
}

// GoVersion returns the "major.minor" version of the Go runtime (ie "1.24"). False is returned for development
// builds which do not carry a release version.
func GoVersion() (string, bool) {
	v, ok := runtimeSemver()
	if !ok {
		return "", false
	}
	return strings.TrimPrefix(semver.MajorMinor(v), "v"), true
}

// GoVersionAtLeast reports if the Go runtime is at least the given version (ie "1.22" or "1.21.3").
// Development builds always report true.
func GoVersionAtLeast(version string) bool {
	current, ok := runtimeSemver()
	if !ok {
		return true
	}
	want := "v" + strings.TrimPrefix(version, "go")
	if !semver.IsValid(want) {
		return false
	}
	return semver.Compare(current, want) >= 0
}

func runtimeSemver() (string, bool) {
	return toSemver(runtime.Version())
}

// toSemver converts a go release string (go1.24.2, go1.21rc2) into a semver string.
func toSemver(version string) (string, bool) {
	if !strings.HasPrefix(version, "go") {
		return "", false
	}
	v := strings.TrimPrefix(version, "go")
	if i := strings.IndexAny(v, " -"); i > 0 { // "go1.24.2 X:boringcrypto"
		v = v[:i]
	}
	var pre string
	for _, tag := range []string{"rc", "beta"} { // go1.21rc2 -> v1.21.0-rc2
		if i := strings.Index(v, tag); i > 0 {
			v, pre = v[:i], "-"+v[i:]
			break
		}
	}
	if pre != "" && strings.Count(v, ".") == 1 {
		v += ".0" // semver does not accept a prerelease on the short form
	}
	v = "v" + v + pre
	if !semver.IsValid(v) {
		return "", false
	}
	return v, true
}
