// Package filestore persists files uploaded by exercise plugins and returns
// the URLs they are served from.
package filestore

import (
	"context"
	"errors"
	"io"
	"path"
	"strings"

	"github.com/google/uuid"
)

// MaxFileSize is the largest upload accepted per file.
const MaxFileSize = 10 << 20

var (
	ErrNotFound = errors.New("file not found")
	ErrTooLarge = errors.New("file too large")
)

// Store saves an upload under key and returns its public URL.
type Store interface {
	Put(ctx context.Context, key string, r io.Reader) (string, error)
}

// NewKey returns a fresh key for an uploaded file. Only the base name of the
// file is kept and characters outside a safe set are replaced.
func NewKey(filename string) string {
	name := path.Base(strings.ReplaceAll(filename, "\\", "/"))
	name = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			return r
		}
		return '_'
	}, name)
	if name == "" || name == "." || name == "/" {
		name = "file"
	}
	return uuid.NewString() + "-" + name
}

// readLimited reads r fully, failing with ErrTooLarge past MaxFileSize.
func readLimited(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, MaxFileSize+1))
	if err != nil {
		return nil, err
	}
	if len(data) > MaxFileSize {
		return nil, ErrTooLarge
	}
	return data, nil
}
