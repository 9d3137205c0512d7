package frame

import (
	"fmt"
	"strconv"
	"strings"
)

// The document transport profile carries data payloads as uploaded files
// instead of base64 text. The verb, stream id, and sequence number travel in
// the file name so that the receiver can apply the same ordering discipline
// as for text frames.

// DocumentName returns the file name for a data payload, e.g.
// "SEND_5e3a…_17.bin".
func DocumentName(verb, streamID string, seq uint64) string {
	return fmt.Sprintf("%s_%s_%d.bin", verb, streamID, seq)
}

// ParseDocumentName parses a file name produced by DocumentName. ok is false
// for any file that doesn't match; such documents are unrelated chatter.
func ParseDocumentName(name string) (verb, streamID string, seq uint64, ok bool) {
	base := strings.TrimSuffix(name, ".bin")
	if base == name {
		return "", "", 0, false
	}
	parts := strings.Split(base, "_")
	if len(parts) != 3 {
		return "", "", 0, false
	}
	if parts[0] != "SEND" && parts[0] != "RECV" {
		return "", "", 0, false
	}
	seq, err := strconv.ParseUint(parts[2], 10, 64)
	if err != nil || parts[1] == "" {
		return "", "", 0, false
	}
	return parts[0], parts[1], seq, true
}
