package model

import (
	"bytes"
	"fmt"
	"io"
)

// Load decodes a serialized artifact of the given format.
func Load(format string, r io.Reader) (Trainable, error) {
	switch format {
	case FormatClassifier:
		return LoadClassifier(r)
	default:
		return nil, fmt.Errorf("unsupported model format %q", format)
	}
}

// Marshal serializes a trainable model into memory.
func Marshal(m Trainable) ([]byte, error) {
	var buf bytes.Buffer
	if err := m.Save(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
