package agent

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"harvester/internal/domain"
)

var (
	errNotArray  = errors.New("output is not a JSON array")
	errNotObject = errors.New("array element is not a JSON object")
)

// Decode interprets agent stdout.
//
// Blank output is an empty batch. Otherwise stdout must be a JSON array of
// objects, or the trimmed output must name an existing file whose contents
// are such an array. Any element that is not an object (null included)
// rejects the whole batch.
func Decode(stdout []byte) ([]domain.RawItem, error) {
	trimmed := bytes.TrimSpace(stdout)
	if len(trimmed) == 0 {
		return []domain.RawItem{}, nil
	}

	items, jsonErr := decodeArray(trimmed)
	if jsonErr == nil {
		return items, nil
	}

	path := string(trimmed)
	if bytes.ContainsAny(trimmed, "\n\x00") {
		return nil, fmt.Errorf("decode stdout: %w", jsonErr)
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("decode stdout: %w (not a readable path either)", jsonErr)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read output file %q: %w", path, err)
	}
	items, err = decodeArray(bytes.TrimSpace(b))
	if err != nil {
		return nil, fmt.Errorf("decode output file %q: %w", path, err)
	}
	return items, nil
}

func decodeArray(b []byte) ([]domain.RawItem, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()

	var raw []json.RawMessage
	if err := dec.Decode(&raw); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return nil, errNotArray
		}
		return nil, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return nil, errors.New("trailing data after JSON array")
	}
	if raw == nil {
		// literal null
		return nil, errNotArray
	}

	items := make([]domain.RawItem, 0, len(raw))
	for i, m := range raw {
		m = bytes.TrimSpace(m)
		if len(m) == 0 || m[0] != '{' {
			return nil, fmt.Errorf("element %d: %w", i, errNotObject)
		}
		d := json.NewDecoder(bytes.NewReader(m))
		d.UseNumber()
		var obj map[string]any
		if err := d.Decode(&obj); err != nil {
			return nil, fmt.Errorf("element %d: %w", i, err)
		}
		items = append(items, domain.RawItem(obj))
	}
	return items, nil
}
