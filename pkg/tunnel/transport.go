package tunnel

import (
	"context"
	"strings"

	"github.com/pkg/errors"
)

// Transport is the message-channel surface both engines need. The chat
// client satisfies it; tests use in-memory fakes.
type Transport interface {
	SendText(ctx context.Context, chatID, text string) error
	SendDocument(ctx context.Context, chatID, filename string, data []byte) error
	DownloadDocument(ctx context.Context, fileID string) ([]byte, error)
}

// Profile selects how data payloads travel. Control frames are always
// text.
type Profile int

const (
	// ProfileText sends data as base64 text frames. Canonical.
	ProfileText Profile = iota

	// ProfileDocument uploads data payloads as documents whose file name
	// carries the verb, stream id, and sequence number. Same ordering
	// discipline, fewer text-size constraints.
	ProfileDocument
)

func ParseProfile(s string) (Profile, error) {
	switch strings.ToLower(s) {
	case "", "text":
		return ProfileText, nil
	case "document":
		return ProfileDocument, nil
	default:
		return ProfileText, errors.Errorf("unknown transport profile %q", s)
	}
}
