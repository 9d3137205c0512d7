// Package frame implements the textual wire grammar spoken over the chat
// transport. Every frame is a single line of whitespace-separated tokens,
// carried as one chat message:
//
//	CONNECT <request_id> <host> <port>
//	OK      <request_id> <stream_id>
//	SEND    <stream_id>  <seq> <base64>
//	RECV    <stream_id>  <seq> <base64>
//	CLOSE   <stream_id>
//	CLOSED  <request_id>
//	FAIL    <request_id> <reason>
//
// Payloads use standard base64 without line breaks. Unknown verbs are not
// errors; a chat may carry unrelated chatter.
package frame

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// DefaultLimit is the transport's per-message text limit.
const DefaultLimit = 4096

// seqMaxDigits is the room reserved for the sequence number when computing
// the payload budget of a data frame.
const seqMaxDigits = 10

// Frame is one parsed protocol message.
type Frame interface {
	fmt.Stringer
	isFrame()
}

// Connect asks the server peer to dial host:port on behalf of RequestID.
type Connect struct {
	RequestID string
	Host      string
	Port      int
}

// OK answers a Connect, binding RequestID to the newly created StreamID.
type OK struct {
	RequestID string
	StreamID  string
}

// Send carries client-to-origin bytes for a stream.
type Send struct {
	StreamID string
	Seq      uint64
	Payload  []byte
}

// Recv carries origin-to-client bytes for a stream.
type Recv struct {
	StreamID string
	Seq      uint64
	Payload  []byte
}

// Close asks the server peer to close the stream's TCP connection.
type Close struct {
	StreamID string
}

// Closed announces that the stream belonging to RequestID is gone.
type Closed struct {
	RequestID string
}

// Fail answers a Connect whose dial did not succeed.
type Fail struct {
	RequestID string
	Reason    string
}

func (*Connect) isFrame() {}
func (*OK) isFrame()      {}
func (*Send) isFrame()    {}
func (*Recv) isFrame()    {}
func (*Close) isFrame()   {}
func (*Closed) isFrame()  {}
func (*Fail) isFrame()    {}

func (f *Connect) String() string {
	return fmt.Sprintf("CONNECT %s %s %d", f.RequestID, f.Host, f.Port)
}

func (f *OK) String() string {
	return fmt.Sprintf("OK %s %s", f.RequestID, f.StreamID)
}

func (f *Send) String() string {
	return fmt.Sprintf("SEND %s %d, len %d", f.StreamID, f.Seq, len(f.Payload))
}

func (f *Recv) String() string {
	return fmt.Sprintf("RECV %s %d, len %d", f.StreamID, f.Seq, len(f.Payload))
}

func (f *Close) String() string {
	return fmt.Sprintf("CLOSE %s", f.StreamID)
}

func (f *Closed) String() string {
	return fmt.Sprintf("CLOSED %s", f.RequestID)
}

func (f *Fail) String() string {
	return fmt.Sprintf("FAIL %s %s", f.RequestID, f.Reason)
}

// Encode renders a frame as its single-line text form. Tokens that contain
// whitespace are rejected; they would break the grammar for every receiver.
func Encode(f Frame) (string, error) {
	switch f := f.(type) {
	case *Connect:
		if err := checkTokens(f.RequestID, f.Host); err != nil {
			return "", err
		}
		if f.Port < 1 || f.Port > 65535 {
			return "", errors.Errorf("port %d out of range", f.Port)
		}
		return fmt.Sprintf("CONNECT %s %s %d", f.RequestID, f.Host, f.Port), nil
	case *OK:
		if err := checkTokens(f.RequestID, f.StreamID); err != nil {
			return "", err
		}
		return fmt.Sprintf("OK %s %s", f.RequestID, f.StreamID), nil
	case *Send:
		if err := checkTokens(f.StreamID); err != nil {
			return "", err
		}
		return fmt.Sprintf("SEND %s %d %s", f.StreamID, f.Seq, base64.StdEncoding.EncodeToString(f.Payload)), nil
	case *Recv:
		if err := checkTokens(f.StreamID); err != nil {
			return "", err
		}
		return fmt.Sprintf("RECV %s %d %s", f.StreamID, f.Seq, base64.StdEncoding.EncodeToString(f.Payload)), nil
	case *Close:
		if err := checkTokens(f.StreamID); err != nil {
			return "", err
		}
		return "CLOSE " + f.StreamID, nil
	case *Closed:
		if err := checkTokens(f.RequestID); err != nil {
			return "", err
		}
		return "CLOSED " + f.RequestID, nil
	case *Fail:
		if err := checkTokens(f.RequestID, f.Reason); err != nil {
			return "", err
		}
		return fmt.Sprintf("FAIL %s %s", f.RequestID, f.Reason), nil
	default:
		return "", errors.Errorf("unknown frame type %T", f)
	}
}

// Parse parses a single chat message. It returns (nil, nil) for text that
// doesn't start with a known verb, and an error for text that does but is
// malformed. Callers log and drop malformed frames; they never tear down a
// stream over one.
func Parse(text string) (Frame, error) {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return nil, nil
	}
	switch fields[0] {
	case "CONNECT":
		if len(fields) != 4 {
			return nil, errors.Errorf("CONNECT expects 3 arguments, got %d", len(fields)-1)
		}
		port, err := strconv.Atoi(fields[3])
		if err != nil || port < 1 || port > 65535 {
			return nil, errors.Errorf("CONNECT has invalid port %q", fields[3])
		}
		return &Connect{RequestID: fields[1], Host: fields[2], Port: port}, nil
	case "OK":
		if len(fields) != 3 {
			return nil, errors.Errorf("OK expects 2 arguments, got %d", len(fields)-1)
		}
		return &OK{RequestID: fields[1], StreamID: fields[2]}, nil
	case "SEND":
		id, seq, payload, err := parseData(fields)
		if err != nil {
			return nil, err
		}
		return &Send{StreamID: id, Seq: seq, Payload: payload}, nil
	case "RECV":
		id, seq, payload, err := parseData(fields)
		if err != nil {
			return nil, err
		}
		return &Recv{StreamID: id, Seq: seq, Payload: payload}, nil
	case "CLOSE":
		if len(fields) != 2 {
			return nil, errors.Errorf("CLOSE expects 1 argument, got %d", len(fields)-1)
		}
		return &Close{StreamID: fields[1]}, nil
	case "CLOSED":
		if len(fields) != 2 {
			return nil, errors.Errorf("CLOSED expects 1 argument, got %d", len(fields)-1)
		}
		return &Closed{RequestID: fields[1]}, nil
	case "FAIL":
		if len(fields) < 3 {
			return nil, errors.Errorf("FAIL expects 2 arguments, got %d", len(fields)-1)
		}
		return &Fail{RequestID: fields[1], Reason: strings.Join(fields[2:], " ")}, nil
	default:
		// Forward compatibility and unrelated chatter.
		return nil, nil
	}
}

func parseData(fields []string) (id string, seq uint64, payload []byte, err error) {
	if len(fields) != 4 {
		return "", 0, nil, errors.Errorf("%s expects 3 arguments, got %d", fields[0], len(fields)-1)
	}
	seq, err = strconv.ParseUint(fields[2], 10, 64)
	if err != nil {
		return "", 0, nil, errors.Wrapf(err, "%s has invalid sequence number %q", fields[0], fields[2])
	}
	payload, err = base64.StdEncoding.DecodeString(fields[3])
	if err != nil {
		return "", 0, nil, errors.Wrapf(err, "%s has invalid base64 payload", fields[0])
	}
	return fields[1], seq, payload, nil
}

// MaxPayload returns the largest decoded payload that a SEND or RECV frame
// for the given stream can carry without its text exceeding limit.
func MaxPayload(limit int, streamID string) int {
	// "SEND <stream_id> <seq> " with seqMaxDigits reserved for the seq.
	overhead := len("SEND ") + len(streamID) + 1 + seqMaxDigits + 1
	b64 := limit - overhead
	if b64 < 4 {
		return 0
	}
	return b64 / 4 * 3
}

// SanitizeReason turns an arbitrary error text into a single grammar-safe
// token for a FAIL frame.
func SanitizeReason(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return "unknown"
	}
	return strings.Join(fields, "-")
}

func checkTokens(tokens ...string) error {
	for _, t := range tokens {
		if t == "" {
			return errors.New("empty token")
		}
		if strings.IndexFunc(t, func(r rune) bool { return r == ' ' || r == '\t' || r == '\n' || r == '\r' }) >= 0 {
			return errors.Errorf("token %q contains whitespace", t)
		}
	}
	return nil
}
