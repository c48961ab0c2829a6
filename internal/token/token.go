// Package token turns grid snapshots into compact, URL-safe strings and
// back. The wire form is versioned JSON, DEFLATE-compressed and base64url
// encoded without padding. Decoding never panics: any malformed or truncated
// input yields a DecodeError matching ErrMalformedToken.
package token

import (
	"bytes"
	"compress/flate"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/formulapad/cellsync/internal/grid"
)

var ErrMalformedToken = errors.New("malformed grid token")

type DecodeError struct {
	Cause error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode grid token: %v", e.Cause)
}

func (e *DecodeError) Is(target error) bool {
	return target == ErrMalformedToken
}

func (e *DecodeError) Unwrap() error {
	return e.Cause
}

const wireVersion = 1

type wireGrid struct {
	Version int                              `json:"v"`
	Cells   map[string]map[string]grid.Value `json:"cells"`
}

// Encode produces the URL token for a snapshot. Callers pass authored
// (editable-column) snapshots; derived values never travel in the URL.
// Values outside the representable domain fail encoding explicitly.
func Encode(snapshot grid.Snapshot) (string, error) {
	payload, err := json.Marshal(wireGrid{Version: wireVersion, Cells: snapshot.CellMap()})
	if err != nil {
		return "", fmt.Errorf("encode grid token: %w", err)
	}
	var buf bytes.Buffer
	writer, err := flate.NewWriter(&buf, flate.BestCompression)
	if err != nil {
		return "", fmt.Errorf("encode grid token: %w", err)
	}
	if _, err := writer.Write(payload); err != nil {
		return "", fmt.Errorf("encode grid token: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("encode grid token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf.Bytes()), nil
}

// Decode reverses Encode. decode(encode(s)) is value-equal to s for every
// representable snapshot.
func Decode(tok string) (grid.Snapshot, error) {
	tok = strings.TrimSpace(tok)
	if tok == "" {
		return grid.Snapshot{}, &DecodeError{Cause: errors.New("empty token")}
	}
	compressed, err := base64.RawURLEncoding.DecodeString(tok)
	if err != nil {
		return grid.Snapshot{}, &DecodeError{Cause: err}
	}
	reader := flate.NewReader(bytes.NewReader(compressed))
	payload, err := io.ReadAll(reader)
	if err != nil {
		return grid.Snapshot{}, &DecodeError{Cause: err}
	}
	if err := reader.Close(); err != nil {
		return grid.Snapshot{}, &DecodeError{Cause: err}
	}
	var wire wireGrid
	if err := json.Unmarshal(payload, &wire); err != nil {
		return grid.Snapshot{}, &DecodeError{Cause: err}
	}
	if wire.Version != wireVersion {
		return grid.Snapshot{}, &DecodeError{Cause: fmt.Errorf("unsupported token version %d", wire.Version)}
	}
	return grid.SnapshotFromCells(wire.Cells), nil
}
