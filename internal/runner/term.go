package runner

import "io"

// termRecorder wraps an io.Writer and passes bytes through unmodified,
// preserving ANSI control sequences emitted by the emulated terminal
// so the captured log renders identically to what an operator would
// have seen live.
type termRecorder struct {
	w io.Writer
}

func newTermRecorder(w io.Writer) *termRecorder {
	return &termRecorder{w: w}
}

func (t *termRecorder) Write(p []byte) (int, error) {
	return t.w.Write(p)
}
