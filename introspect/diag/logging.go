package diag

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/PatchLens/go-introspect/introspect"
)

// CallerField returns a zap field attributing a log entry to the caller of the function which invokes CallerField,
// rather than to the logging line itself. Frames whose owner or member is in ignore are passed over.
func CallerField(skip int, ignore ...string) zap.Field {
	f := introspect.FindCaller(max(0, skip)+1, ignore...)
	return zap.Object("caller_frame", frameMarshaler(f))
}

type frameMarshaler introspect.Frame

func (f frameMarshaler) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	frame := introspect.Frame(f)
	if frame.IsFiltered() {
		enc.AddBool("filtered", true)
		return nil
	}
	enc.AddString("owner", frame.Owner)
	enc.AddString("member", frame.Member)
	if frame.File != "" {
		enc.AddString("file", frame.File)
		enc.AddUint32("line", frame.Line)
	}
	return nil
}
