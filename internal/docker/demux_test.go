package docker

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func frame(tag byte, payload string) []byte {
	header := make([]byte, demuxHeaderLen)
	header[0] = tag
	binary.BigEndian.PutUint32(header[4:], uint32(len(payload)))
	return append(header, payload...)
}

func TestDemuxOrderedFrames(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(frame(1, "hello "))
	buf.Write(frame(2, "from stderr "))
	buf.Write(frame(1, "and back"))

	got := Demux(buf.Bytes())
	want := "hello from stderr and back"
	if got != want {
		t.Errorf("Expected %q, got %q", want, got)
	}
}

func TestDemuxEmptyBuffer(t *testing.T) {
	if got := Demux(nil); got != "" {
		t.Errorf("Expected empty output for nil buffer, got %q", got)
	}
}

func TestDemuxTrailingRawBytes(t *testing.T) {
	// Two well-formed frames followed by 3 trailing bytes that cannot hold
	// a header: the tail must be preserved verbatim.
	var buf bytes.Buffer
	buf.Write(frame(1, "ab"))
	buf.Write(frame(2, "cd"))
	buf.WriteString("xyz")

	got := Demux(buf.Bytes())
	if got != "abcdxyz" {
		t.Errorf("Expected %q, got %q", "abcdxyz", got)
	}
}

func TestDemuxNonMultiplexedStream(t *testing.T) {
	// A TTY-attached stream has no frame headers. The first byte of typical
	// text is > 2, so the whole buffer comes back as raw text.
	raw := []byte("plain terminal output, no framing here")
	if got := Demux(raw); got != string(raw) {
		t.Errorf("Expected raw passthrough, got %q", got)
	}
}

func TestDemuxUnexpectedTagMidStream(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(frame(1, "ok"))
	buf.WriteString("garbage after a valid frame")

	got := Demux(buf.Bytes())
	want := "okgarbage after a valid frame"
	if got != want {
		t.Errorf("Expected %q, got %q", want, got)
	}
}

func TestDemuxTruncatedPayload(t *testing.T) {
	// Header declares 100 bytes but only 4 follow: consume what is there.
	header := make([]byte, demuxHeaderLen)
	header[0] = 1
	binary.BigEndian.PutUint32(header[4:], 100)
	buf := append(header, "oops"...)

	if got := Demux(buf); got != "oops" {
		t.Errorf("Expected %q, got %q", "oops", got)
	}
}

func TestDemuxStdinFrame(t *testing.T) {
	if got := Demux(frame(0, "typed")); got != "typed" {
		t.Errorf("Expected stdin frames to decode, got %q", got)
	}
}
