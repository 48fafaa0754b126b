package storage

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"path"

	"github.com/minio/minio-go/v7"
)

const checksumMetaKey = "Crate-Sha256"

// MinioBackend stores blobs in a MinIO or S3-compatible bucket. Object
// uploads commit atomically, so a failed put never leaves a partial
// object visible. The archive's SHA-256 is recorded as object metadata
// and used for conflict detection on re-puts.
type MinioBackend struct {
	client *minio.Client
	bucket string
	prefix string
}

// NewMinioBackend creates a backend writing to the given bucket.
// prefix is prepended to all keys (e.g. "registry/").
func NewMinioBackend(client *minio.Client, bucket, prefix string) *MinioBackend {
	return &MinioBackend{
		client: client,
		bucket: bucket,
		prefix: prefix,
	}
}

func (b *MinioBackend) key(key string) string {
	return path.Join(b.prefix, key)
}

// Put stores data under key, recording its SHA-256 as object metadata.
func (b *MinioBackend) Put(ctx context.Context, key string, data []byte) error {
	sum := sha256.Sum256(data)
	cksum := hex.EncodeToString(sum[:])

	info, err := b.client.StatObject(ctx, b.bucket, b.key(key), minio.StatObjectOptions{})
	if err == nil {
		if info.UserMetadata[checksumMetaKey] == cksum {
			return nil
		}
		return ErrConflict
	}
	if resp := minio.ToErrorResponse(err); resp.Code != "NoSuchKey" && resp.Code != "NotFound" {
		return fmt.Errorf("failed to stat object: %w", err)
	}

	_, err = b.client.PutObject(ctx, b.bucket, b.key(key), bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType:  "application/octet-stream",
		UserMetadata: map[string]string{checksumMetaKey: cksum},
	})
	if err != nil {
		return fmt.Errorf("failed to put object: %w", err)
	}
	return nil
}

// Get returns the blob stored under key.
func (b *MinioBackend) Get(ctx context.Context, key string) ([]byte, error) {
	obj, err := b.client.GetObject(ctx, b.bucket, b.key(key), minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get object: %w", err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		if resp := minio.ToErrorResponse(err); resp.Code == "NoSuchKey" || resp.Code == "NotFound" {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read object: %w", err)
	}
	return data, nil
}

// Exists reports whether a blob is stored under key.
func (b *MinioBackend) Exists(ctx context.Context, key string) (bool, error) {
	_, err := b.client.StatObject(ctx, b.bucket, b.key(key), minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	if resp := minio.ToErrorResponse(err); resp.Code == "NoSuchKey" || resp.Code == "NotFound" {
		return false, nil
	}
	return false, fmt.Errorf("failed to stat object: %w", err)
}

// Delete removes the blob under key.
func (b *MinioBackend) Delete(ctx context.Context, key string) error {
	err := b.client.RemoveObject(ctx, b.bucket, b.key(key), minio.RemoveObjectOptions{})
	if err != nil {
		if resp := minio.ToErrorResponse(err); resp.Code == "NoSuchKey" || resp.Code == "NotFound" {
			return nil
		}
		return fmt.Errorf("failed to remove object: %w", err)
	}
	return nil
}
