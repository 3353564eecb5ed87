// Package source reads session message logs and keeps a linked copy of each
// canonical log in sync. The canonical log is only ever read.
package source

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"time"

	"github.com/flemzord/strata/internal/apperr"
)

// maxLineSize bounds a single JSONL record.
const maxLineSize = 16 << 20

// Message is one record of a session log. ParentUUID carries the
// conversation threading and must survive compression and composition.
type Message struct {
	UUID       string    `json:"uuid"`
	ParentUUID string    `json:"parentUuid,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	Role       string    `json:"role"`
	Text       string    `json:"textContent"`
}

// Reader loads the ordered message sequence of a session log.
type Reader interface {
	Read(ctx context.Context, path string) ([]Message, error)
}

// JSONLReader reads one JSON message per line. Blank lines are ignored.
type JSONLReader struct{}

var _ Reader = JSONLReader{}

// Read implements Reader. A missing file is a SourceMissing error and a
// malformed line is a ParseFailed error.
func (JSONLReader) Read(ctx context.Context, path string) ([]Message, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, apperr.Wrap(apperr.SourceMissing, "source: read", err)
		}
		return nil, apperr.Wrap(apperr.Internal, "source: read", err)
	}
	defer func() { _ = f.Close() }()

	msgs, err := Decode(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("source: %s: %w", path, err)
	}
	return msgs, nil
}

// Decode parses JSONL messages from r.
func Decode(ctx context.Context, r io.Reader) ([]Message, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	var msgs []Message
	line := 0
	for sc.Scan() {
		line++
		if line%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		raw := sc.Bytes()
		if len(bytes.TrimSpace(raw)) == 0 {
			continue
		}
		var m Message
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, apperr.Wrap(apperr.ParseFailed, fmt.Sprintf("line %d", line), err)
		}
		msgs = append(msgs, m)
	}
	if err := sc.Err(); err != nil {
		return nil, apperr.Wrap(apperr.ParseFailed, "scan", err)
	}
	return msgs, nil
}

// Encode writes msgs as JSONL.
func Encode(w io.Writer, msgs []Message) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	for i := range msgs {
		if err := enc.Encode(&msgs[i]); err != nil {
			return fmt.Errorf("source: encode message %d: %w", i, err)
		}
	}
	return nil
}
