package staging

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/framara/what-the-meta-backend/internal/domain"
)

const (
	extJSON   = ".json"
	extGzJSON = ".json.gz"
)

// Codec serializes a shard's runs as a JSON array, optionally gzip compressed
type Codec struct {
	Compress bool
}

// Ext returns the object suffix written by this codec
func (c Codec) Ext() string {
	if c.Compress {
		return extGzJSON
	}
	return extJSON
}

// Encode serializes runs to the shard wire format
func (c Codec) Encode(runs []domain.Run) ([]byte, error) {
	if runs == nil {
		runs = []domain.Run{}
	}

	var buf bytes.Buffer
	var w io.Writer = &buf
	var gz *gzip.Writer
	if c.Compress {
		gz = gzip.NewWriter(&buf)
		w = gz
	}

	if err := json.NewEncoder(w).Encode(runs); err != nil {
		return nil, fmt.Errorf("staging: encode shard: %w", err)
	}
	if gz != nil {
		if err := gz.Close(); err != nil {
			return nil, fmt.Errorf("staging: compress shard: %w", err)
		}
	}
	return buf.Bytes(), nil
}

// Decode reads a shard payload; compression is detected from the object name
func Decode(objectName string, data []byte) ([]domain.Run, error) {
	var r io.Reader = bytes.NewReader(data)
	if strings.HasSuffix(objectName, extGzJSON) {
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("staging: decompress %s: %w", objectName, err)
		}
		defer gz.Close()
		r = gz
	}

	var runs []domain.Run
	if err := json.NewDecoder(r).Decode(&runs); err != nil {
		return nil, fmt.Errorf("staging: decode %s: %w", objectName, err)
	}
	return runs, nil
}

// splitObjectName strips the codec suffix and returns the shard name
func splitObjectName(objectName string) (string, bool) {
	for _, ext := range []string{extGzJSON, extJSON} {
		if strings.HasSuffix(objectName, ext) {
			return strings.TrimSuffix(objectName, ext), true
		}
	}
	return "", false
}
