// Package kfmt provides formatted output for kernel subsystems. Output
// emitted before an output sink is registered is captured by a ring buffer
// and replayed once a sink becomes available.
package kfmt

import (
	"fmt"
	"io"
)

var (
	// earlyPrintBuffer is a ring buffer that stores Printf output emitted
	// before an output sink is registered.
	earlyPrintBuffer ringBuffer

	// outputSink is an io.Writer where Printf sends its output. If set to
	// nil, the output is redirected to the earlyPrintBuffer.
	outputSink io.Writer
)

// SetOutputSink sets the default target for calls to Printf to w and copies
// any data accumulated in the earlyPrintBuffer to it.
func SetOutputSink(w io.Writer) {
	outputSink = w
	if w != nil {
		io.Copy(w, &earlyPrintBuffer)
	}
}

// GetOutputSink returns the currently active output sink.
func GetOutputSink() io.Writer {
	if outputSink != nil {
		return outputSink
	}
	return &earlyPrintBuffer
}

// Printf formats its arguments and writes the result to the registered
// output sink. If no sink has been registered yet, the output accumulates
// in a ring buffer that is flushed by the next SetOutputSink call.
func Printf(format string, args ...interface{}) {
	fmt.Fprintf(GetOutputSink(), format, args...)
}

// Fprintf formats its arguments and writes the result to w.
func Fprintf(w io.Writer, format string, args ...interface{}) {
	fmt.Fprintf(w, format, args...)
}

// PrefixedOutput returns a writer that tags each line with prefix before
// forwarding it to the registered output sink. Subsystems log through it so
// their output can be told apart.
func PrefixedOutput(prefix string) io.Writer {
	return &PrefixWriter{Sink: sinkWriter{}, Prefix: []byte(prefix)}
}

// sinkWriter resolves the output sink at write time, so writers created
// before SetOutputSink still go through the early print buffer.
type sinkWriter struct{}

func (sinkWriter) Write(p []byte) (int, error) {
	return GetOutputSink().Write(p)
}
