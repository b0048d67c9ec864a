package filestore

import (
	"context"
	"fmt"
	"io"

	"github.com/caarlos0/env/v11"
	"github.com/kurin/blazer/b2"
)

// B2Config holds Backblaze B2 credentials.
type B2Config struct {
	AccountID      string `env:"B2_ACCOUNT_ID,required,notEmpty"`
	ApplicationKey string `env:"B2_APPLICATION_KEY,required,notEmpty"`
	Bucket         string `env:"B2_BUCKET,required,notEmpty"`
	Prefix         string `env:"B2_PREFIX"                            envDefault:"uploads/"`
}

// LoadB2Config reads B2 credentials from the environment.
func LoadB2Config() (B2Config, error) {
	var cfg B2Config
	if err := env.Parse(&cfg); err != nil {
		return B2Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

// B2 keeps uploads in a Backblaze B2 bucket.
type B2 struct {
	client *b2.Client
	bucket *b2.Bucket
	prefix string
}

// NewB2 connects to the configured bucket.
func NewB2(ctx context.Context, cfg B2Config) (*B2, error) {
	client, err := b2.NewClient(ctx, cfg.AccountID, cfg.ApplicationKey)
	if err != nil {
		return nil, fmt.Errorf("create b2 client: %w", err)
	}
	bucket, err := client.Bucket(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("get bucket: %w", err)
	}
	return &B2{client: client, bucket: bucket, prefix: cfg.Prefix}, nil
}

func (s *B2) Put(ctx context.Context, key string, r io.Reader) (string, error) {
	name := s.prefix + key
	w := s.bucket.Object(name).NewWriter(ctx)
	if _, err := io.Copy(w, io.LimitReader(r, MaxFileSize+1)); err != nil {
		w.Close()
		return "", fmt.Errorf("write object: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("close writer: %w", err)
	}
	return fmt.Sprintf("%s/file/%s/%s", s.client.BaseURL(), s.bucket.Name(), name), nil
}
