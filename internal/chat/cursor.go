package chat

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
)

// threadCursor marks the last row a page returned. Pagination keys on
// (created_at, id) rather than an offset so pages stay correct while rows
// are inserted concurrently.
type threadCursor struct {
	CreatedAtSeconds int64
	MessageID        string
}

func encodeCursor(cursor threadCursor) string {
	raw := fmt.Sprintf("%d:%s", cursor.CreatedAtSeconds, cursor.MessageID)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func decodeCursor(encoded string) (threadCursor, error) {
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return threadCursor{}, fmt.Errorf("malformed cursor: %w", err)
	}
	parts := strings.SplitN(string(raw), ":", 2)
	if len(parts) != 2 || parts[1] == "" {
		return threadCursor{}, fmt.Errorf("malformed cursor: %q", string(raw))
	}
	seconds, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return threadCursor{}, fmt.Errorf("malformed cursor timestamp: %w", err)
	}
	return threadCursor{CreatedAtSeconds: seconds, MessageID: parts[1]}, nil
}
