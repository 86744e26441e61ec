package ports

import (
	"context"
	"io"
)

// ObjectStorage retains the raw bytes of each uploaded import file so the
// source of a batch stays inspectable after parsing.
type ObjectStorage interface {
	Upload(ctx context.Context, bucket, objectName, contentType string, reader io.Reader, size int64) (string, error)
}
