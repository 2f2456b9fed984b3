package docker

import (
	"encoding/binary"
	"strings"
)

// Multiplexed log/exec streams carry 8-byte frame headers: a 1-byte stream
// tag (0=stdin, 1=stdout, 2=stderr), 3 reserved bytes, and a 4-byte
// big-endian payload length.
const demuxHeaderLen = 8

// Demux decodes a multiplexed log stream buffer into plain text, preserving
// the original payload order. It is a pure function.
//
// A tail shorter than one header, or a frame whose tag byte exceeds 2 (a
// TTY-attached or otherwise non-multiplexed source), is treated as raw
// unframed text from that offset onward. A frame whose declared length
// exceeds the remaining buffer yields whatever bytes are available.
func Demux(buf []byte) string {
	var out strings.Builder
	total := len(buf)
	offset := 0
	for offset < total {
		if total-offset < demuxHeaderLen {
			out.Write(buf[offset:])
			break
		}
		if buf[offset] > 2 {
			out.Write(buf[offset:])
			break
		}
		size := int(binary.BigEndian.Uint32(buf[offset+4 : offset+demuxHeaderLen]))
		offset += demuxHeaderLen
		end := offset + size
		if end > total {
			end = total
		}
		out.Write(buf[offset:end])
		offset = end
	}
	return out.String()
}
