// Package attach uploads message attachments to S3 and returns the
// protocol.Attachment reference the envelope carries; the wire never
// sees file bytes.
package attach

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"path/filepath"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	"github.com/aldenis/chatwire/internal/protocol"
)

// ErrTooLarge means the attachment exceeds the configured size cap.
var ErrTooLarge = errors.New("attach: file exceeds size limit")

// Uploader stores attachments in an S3 bucket.
type Uploader struct {
	client  *s3.Client
	bucket  string
	prefix  string
	region  string
	maxSize int64
}

// NewUploader builds an uploader. maxSize of 0 means no limit.
func NewUploader(client *s3.Client, bucket, prefix, region string, maxSize int64) *Uploader {
	return &Uploader{
		client:  client,
		bucket:  bucket,
		prefix:  prefix,
		region:  region,
		maxSize: maxSize,
	}
}

// Upload stores the reader's content under a fresh key and returns the
// attachment reference to embed in a message envelope.
func (u *Uploader) Upload(ctx context.Context, filename string, r io.Reader) (protocol.Attachment, error) {
	var buf bytes.Buffer
	if u.maxSize > 0 {
		n, err := io.Copy(&buf, io.LimitReader(r, u.maxSize+1))
		if err != nil {
			return protocol.Attachment{}, fmt.Errorf("attach: read %s: %w", filename, err)
		}
		if n > u.maxSize {
			return protocol.Attachment{}, ErrTooLarge
		}
	} else {
		if _, err := io.Copy(&buf, r); err != nil {
			return protocol.Attachment{}, fmt.Errorf("attach: read %s: %w", filename, err)
		}
	}

	contentType := mime.TypeByExtension(filepath.Ext(filename))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	key := u.prefix + uuid.NewString() + filepath.Ext(filename)

	_, err := u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String(contentType),
		Metadata: map[string]string{
			"original-filename": filepath.Base(filename),
			"upload-time":       time.Now().UTC().Format(time.RFC3339),
		},
	})
	if err != nil {
		return protocol.Attachment{}, fmt.Errorf("attach: upload %s: %w", filename, err)
	}

	return protocol.Attachment{
		Type: contentType,
		URL:  u.objectURL(key),
		Name: filepath.Base(filename),
		Size: int64(buf.Len()),
	}, nil
}

func (u *Uploader) objectURL(key string) string {
	if u.region == "" {
		return fmt.Sprintf("https://%s.s3.amazonaws.com/%s", u.bucket, key)
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", u.bucket, u.region, key)
}
