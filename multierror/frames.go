package multierror

import (
	"runtime"
	"strconv"
	"sync"
)

// Frame records a single call site captured when an error was
// aggregated or annotated. It is a trimmed-down runtime.Frame that
// survives serialization and comparison in tests.
type Frame struct {
	Function string
	File     string
	Line     int
}

// String formats the frame as "function(...)\n\tfile:line", matching
// the layout of a goroutine stack dump.
func (f Frame) String() string {
	var buf []byte
	if f.Function == "" {
		buf = append(buf, "<unknown function>"...)
	} else {
		buf = append(buf, f.Function...)
		buf = append(buf, "(...)"...)
	}
	buf = append(buf, "\n\t"...)
	if f.File == "" {
		buf = append(buf, "<unknown file>"...)
	} else {
		buf = append(buf, f.File...)
		if f.Line != 0 {
			buf = append(buf, ':')
			buf = append(buf, strconv.Itoa(f.Line)...)
		}
	}
	return string(buf)
}

// FormatFrames renders frames one per line in stack-dump order.
func FormatFrames(frames []Frame) string {
	var buf []byte
	for _, f := range frames {
		buf = append(buf, f.String()...)
		buf = append(buf, '\n')
	}
	return string(buf)
}

var pcBufPool = sync.Pool{
	New: func() any {
		buf := make([]uintptr, 128)
		return &buf
	},
}

func putPCBuffer(buf *[]uintptr) {
	if len(*buf) < 1024 {
		pcBufPool.Put(buf)
	}
}

// Callers captures the calling stack, skipping skip frames on top of
// the frames introduced by Callers itself. The result is suitable for
// WithFrames.
func Callers(skip uint) []Frame {
	skip += 2 // this function and runtime.Callers

	pcBuf := pcBufPool.Get().(*[]uintptr)
	defer putPCBuffer(pcBuf)

	// Read program counters into the buffer, growing it until the
	// whole stack fits.
	var pc []uintptr
	for {
		n := runtime.Callers(0, *pcBuf)
		if n == 0 {
			return nil
		}
		if n < len(*pcBuf) {
			pc = (*pcBuf)[:n]
			break
		}
		*pcBuf = make([]uintptr, 2*len(*pcBuf))
	}

	framesIter := runtime.CallersFrames(pc)
	var frames []Frame
	more := true
	for more {
		var frame runtime.Frame
		frame, more = framesIter.Next()
		if skip > 0 {
			skip--
			continue
		}
		frames = append(frames, Frame{
			Function: frame.Function,
			File:     frame.File,
			Line:     frame.Line,
		})
	}
	return frames
}
