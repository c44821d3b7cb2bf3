package introspect

import (
	"crypto/sha1"
	"fmt"
	"runtime"
	"slices"
	"strconv"
	"strings"

	"github.com/vmihailenco/msgpack/v5"
)

// Frame represents one pending function activation in a call stack.
type Frame struct {
	// Function is the fully qualified function name as reported by the runtime.
	Function string `msgpack:"fu"`
	// Owner is the package path qualified receiver type (ie "example.com/pkg.Type"), or the package path for
	// functions without a receiver.
	Owner string `msgpack:"ow"`
	// Member is the method or function name, closures keep their enclosing name (ie "Run.func1").
	Member string `msgpack:"me"`
	// File is the source file path, empty when unknown.
	File string `msgpack:"fi"`
	// Line is the source line number, 0 when unknown.
	Line uint32 `msgpack:"li"`
}

// FilteredFrame is returned by FindCaller when every candidate frame was excluded. It is a placeholder meaning no
// attributable caller was found, never an error.
var FilteredFrame = Frame{Owner: "filtered", Member: "?"}

// IsFiltered reports if f is the FilteredFrame placeholder.
func (f Frame) IsFiltered() bool {
	return f == FilteredFrame
}

func (f Frame) String() string {
	var pos string
	if f.File == "" {
		pos = "unknown"
	} else {
		pos = f.File + ":" + strconv.Itoa(int(f.Line))
	}
	if f.Owner == "" {
		return f.Member + "(" + pos + ")"
	}
	return f.Owner + "." + f.Member + "(" + pos + ")"
}

// ID returns a key for the frame.
func (f Frame) ID() string {
	return f.File + ":" + strconv.Itoa(int(f.Line)) + ":" + f.Function
}

func newFrame(rf runtime.Frame) Frame {
	owner, member := splitFunctionName(rf.Function)
	return Frame{
		Function: rf.Function,
		Owner:    owner,
		Member:   member,
		File:     rf.File,
		Line:     uint32(rf.Line),
	}
}

// splitFunctionName separates a runtime function name into the owning type (or package) and the member name.
func splitFunctionName(function string) (owner, member string) {
	name := strings.ReplaceAll(function, "[...]", "") // generic instantiations
	pkgEnd := strings.LastIndex(name, "/") + 1
	dot := strings.Index(name[pkgEnd:], ".")
	if dot < 0 {
		return "", name
	}
	dot += pkgEnd
	pkg, rest := name[:dot], name[dot+1:]
	if strings.HasPrefix(rest, "(") { // pointer receiver: (*Type).Method
		if end := strings.Index(rest, ")."); end > 0 {
			return pkg + "." + strings.TrimPrefix(rest[1:end], "*"), rest[end+2:]
		}
	}
	if i := strings.Index(rest, "."); i > 0 && !isClosureSuffix(rest[i+1:]) {
		return pkg + "." + rest[:i], rest[i+1:]
	}
	return pkg, rest
}

// isClosureSuffix reports if s is a compiler generated name following a function name (func1, gowrap2, init.0 ...).
func isClosureSuffix(s string) bool {
	for _, prefix := range []string{"func", "gowrap", "deferwrap", ""} {
		if len(s) > len(prefix) && strings.HasPrefix(s, prefix) && s[len(prefix)] >= '0' && s[len(prefix)] <= '9' {
			return true
		}
	}
	return false
}

// Snapshot is an immutable sequence of frames captured at one instant, innermost first.
type Snapshot struct {
	frames []Frame
}

// NewSnapshot creates a Snapshot holding a copy of frames.
func NewSnapshot(frames []Frame) Snapshot {
	return Snapshot{frames: slices.Clone(frames)}
}

// Len returns the number of frames.
func (s Snapshot) Len() int {
	return len(s.frames)
}

// At returns the frame at index i, 0 being the innermost.
func (s Snapshot) At(i int) Frame {
	return s.frames[i]
}

// Frames returns a copy of the frames.
func (s Snapshot) Frames() []Frame {
	return slices.Clone(s.frames)
}

// Limit returns a Snapshot of at most the n innermost frames.
func (s Snapshot) Limit(n int) Snapshot {
	if n >= len(s.frames) {
		return s
	} else if n < 0 {
		n = 0
	}
	return Snapshot{frames: s.frames[:n:n]}
}

// String formats the stack with one frame per line.
func (s Snapshot) String() string {
	var sb strings.Builder
	for _, f := range s.frames {
		sb.WriteString(f.String())
		sb.WriteByte('\n')
	}
	return sb.String()
}

// ID returns a sha1 hash (raw bytes) of the frames.
func (s Snapshot) ID() string {
	if len(s.frames) == 0 {
		return "empty"
	}
	hash := sha1.New()
	for _, f := range s.frames {
		hash.Write([]byte(f.ID()))
		hash.Write([]byte{0})
	}
	return string(hash.Sum(nil))
}

// Equal reports if both snapshots hold the same frames.
func (s Snapshot) Equal(other Snapshot) bool {
	return slices.Equal(s.frames, other.frames)
}

// encoded form with a string table, file paths and function names repeat heavily across frames

type encFrame struct {
	Fn uint32 `msgpack:"f"`
	Fi uint32 `msgpack:"i"`
	Li uint32 `msgpack:"l"`
}

type encSnapshot struct {
	Strings []string   `msgpack:"st"`
	Frames  []encFrame `msgpack:"fr"`
}

func (s Snapshot) MarshalMsgpack() ([]byte, error) {
	enc := encSnapshot{
		Strings: make([]string, 0, len(s.frames)),
		Frames:  make([]encFrame, len(s.frames)),
	}
	stringIndex := make(map[string]uint32, len(s.frames)*2)
	indexOf := func(str string) uint32 {
		if i, ok := stringIndex[str]; ok {
			return i
		}
		i := uint32(len(enc.Strings))
		stringIndex[str] = i
		enc.Strings = append(enc.Strings, str)
		return i
	}
	for i, f := range s.frames {
		enc.Frames[i] = encFrame{
			Fn: indexOf(f.Function),
			Fi: indexOf(f.File),
			Li: f.Line,
		}
	}
	return msgpack.Marshal(&enc)
}

func (s *Snapshot) UnmarshalMsgpack(data []byte) error {
	var enc encSnapshot
	if err := msgpack.Unmarshal(data, &enc); err != nil {
		return err
	}
	frames := make([]Frame, len(enc.Frames))
	for i, ef := range enc.Frames {
		if int(ef.Fn) >= len(enc.Strings) || int(ef.Fi) >= len(enc.Strings) {
			return fmt.Errorf("invalid encoded string index in frame %d", i)
		}
		function := enc.Strings[ef.Fn]
		owner, member := splitFunctionName(function)
		frames[i] = Frame{
			Function: function,
			Owner:    owner,
			Member:   member,
			File:     enc.Strings[ef.Fi],
			Line:     ef.Li,
		}
	}
	s.frames = frames
	return nil
}
