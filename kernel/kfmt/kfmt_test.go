package kfmt

import (
	"bytes"
	"io"
	"testing"
)

func TestRingBufferReadWrite(t *testing.T) {
	var rb ringBuffer

	if _, err := rb.Read(make([]byte, 1)); err != io.EOF {
		t.Fatalf("expected read on empty buffer to return io.EOF; got %v", err)
	}

	payload := []byte("the quick brown fox jumps over the lazy dog")
	if n, err := rb.Write(payload); n != len(payload) || err != nil {
		t.Fatalf("expected write to return (%d, nil); got (%d, %v)", len(payload), n, err)
	}

	got := make([]byte, len(payload))
	n, err := io.ReadFull(&rb, got)
	if err != nil || n != len(payload) {
		t.Fatalf("expected to read back %d bytes; got %d (err: %v)", len(payload), n, err)
	}

	if !bytes.Equal(got, payload) {
		t.Fatalf("expected to read back %q; got %q", payload, got)
	}
}

func TestRingBufferOverwrite(t *testing.T) {
	var rb ringBuffer

	// Fill the buffer twice over; only the last ringBufferSize bytes
	// should be readable.
	for i := 0; i < 2*ringBufferSize; i++ {
		rb.Write([]byte{byte(i)})
	}

	var drained bytes.Buffer
	io.Copy(&drained, &rb)

	if got := drained.Len(); got >= ringBufferSize {
		t.Fatalf("expected at most %d readable bytes after overwrite; got %d", ringBufferSize-1, got)
	}
}

func TestPrefixWriter(t *testing.T) {
	var buf bytes.Buffer
	w := &PrefixWriter{
		Sink:   &buf,
		Prefix: []byte("[mm] "),
	}

	w.Write([]byte("line1\nline2\n"))
	w.Write([]byte("line3"))
	w.Write([]byte(" continued\n"))

	exp := "[mm] line1\n[mm] line2\n[mm] line3 continued\n"
	if got := buf.String(); got != exp {
		t.Fatalf("expected prefixed output:\n%q\ngot:\n%q", exp, got)
	}
}

func TestPrintfBuffersUntilSinkRegistered(t *testing.T) {
	defer SetOutputSink(nil)

	SetOutputSink(nil)
	Printf("early %s %d", "output", 123)

	var buf bytes.Buffer
	SetOutputSink(&buf)

	if exp, got := "early output 123", buf.String(); got != exp {
		t.Fatalf("expected sink to receive buffered output %q; got %q", exp, got)
	}

	Printf("; more")
	if exp, got := "early output 123; more", buf.String(); got != exp {
		t.Fatalf("expected sink to receive %q; got %q", exp, got)
	}
}

func TestPrefixedOutput(t *testing.T) {
	defer SetOutputSink(nil)

	var buf bytes.Buffer
	SetOutputSink(&buf)
	buf.Reset()

	w := PrefixedOutput("[slab] ")
	Fprintf(w, "grew class %d\n", 64)

	if exp, got := "[slab] grew class 64\n", buf.String(); got != exp {
		t.Fatalf("expected prefixed output %q; got %q", exp, got)
	}

	// Writers resolve the sink at write time, so output emitted while no
	// sink is registered still lands in the early print buffer.
	SetOutputSink(nil)
	Fprintf(w, "early line\n")

	var late bytes.Buffer
	SetOutputSink(&late)
	if exp, got := "[slab] early line\n", late.String(); got != exp {
		t.Fatalf("expected buffered prefixed output %q; got %q", exp, got)
	}
}
