package diag

import (
	"fmt"
	"strings"
	"time"

	"github.com/pmezard/go-difflib/difflib"

	"github.com/PatchLens/go-introspect/introspect"
)

// CallSite aggregates the recorded invocations which share a caller and a stack.
type CallSite struct {
	// Key is the storage key of the call site.
	Key string `msgpack:"-"`
	// Caller is the attributed caller of the recording function.
	Caller introspect.Frame `msgpack:"c"`
	// Stack holds the recent frames starting at the recording function, innermost first.
	Stack introspect.Snapshot `msgpack:"s"`
	// Hits is the number of times the call site was recorded.
	Hits uint32 `msgpack:"h"`
	// FirstNS and LastNS are the unix nanosecond timestamps of the first and most recent record.
	FirstNS int64 `msgpack:"f"`
	LastNS  int64 `msgpack:"l"`
}

func (c CallSite) FirstSeen() time.Time {
	return time.Unix(0, c.FirstNS)
}

func (c CallSite) LastSeen() time.Time {
	return time.Unix(0, c.LastNS)
}

// Summary describes the call site with at most lines frames of its stack.
func (c CallSite) Summary(lines int) string {
	var sb strings.Builder
	sb.WriteString(c.Caller.String())
	sb.WriteString(fmt.Sprintf(" [hits: %d]\n", c.Hits))
	if stack := strings.TrimSuffix(c.Stack.String(), "\n"); stack != "" && lines > 0 {
		stack = limitStringLines(stack, lines, true)
		for _, line := range strings.Split(stack, "\n") {
			sb.WriteString("\t")
			sb.WriteString(line)
			sb.WriteString("\n")
		}
		if more := c.Stack.Len() - lines; more > 0 {
			sb.WriteString(fmt.Sprintf("\t... %d more\n", more))
		}
	}
	return sb.String()
}

// DiffCallSites returns a unified diff of the stacks of two call sites, empty when the stacks are equal.
func DiffCallSites(a, b CallSite) string {
	if a.Stack.Equal(b.Stack) {
		return ""
	}
	diff := difflib.UnifiedDiff{
		A:        difflib.SplitLines(a.Stack.String()),
		B:        difflib.SplitLines(b.Stack.String()),
		FromFile: a.Caller.String(),
		ToFile:   b.Caller.String(),
		Context:  2,
	}
	if text, err := difflib.GetUnifiedDiffString(diff); err == nil {
		return text
	}
	return fmt.Sprintf("\t'%v'\n!=\n\t'%v'", a.Stack, b.Stack) // fallback on unexpected diff error
}
