package filestore

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.etcd.io/bbolt"
)

var uploadsBucket = []byte("Uploads")

// Bolt keeps uploads in a local bbolt database. The files are served back
// by the host under BaseURL.
type Bolt struct {
	db      *bbolt.DB
	baseURL string
}

// OpenBolt opens (or creates) the upload database at path.
func OpenBolt(path, baseURL string) (*Bolt, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create upload dir: %w", err)
		}
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open upload db: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(uploadsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create upload bucket: %w", err)
	}
	return &Bolt{db: db, baseURL: strings.TrimRight(baseURL, "/")}, nil
}

func (b *Bolt) Close() error {
	return b.db.Close()
}

func (b *Bolt) Put(_ context.Context, key string, r io.Reader) (string, error) {
	data, err := readLimited(r)
	if err != nil {
		return "", fmt.Errorf("read upload %s: %w", key, err)
	}
	err = b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(uploadsBucket).Put([]byte(key), data)
	})
	if err != nil {
		return "", fmt.Errorf("store upload %s: %w", key, err)
	}
	return b.baseURL + "/" + key, nil
}

// Get returns the content of an upload.
func (b *Bolt) Get(key string) ([]byte, error) {
	var data []byte
	err := b.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(uploadsBucket).Get([]byte(key))
		if v == nil {
			return ErrNotFound
		}
		// Values are only valid inside the transaction.
		data = append([]byte(nil), v...)
		return nil
	})
	return data, err
}
