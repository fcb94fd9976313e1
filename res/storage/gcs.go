package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// SignatureStore keeps the e-signature images captured on completion.
type SignatureStore interface {
	UploadSignature(ctx context.Context, bookingID, signature string) (string, error)
	DeleteFile(ctx context.Context, objectURL string) error
}

// SignatureBucket stores signature images in a Google Cloud Storage bucket.
// Objects are write-once: an existing path is never overwritten.
type SignatureBucket struct {
	client *storage.Client
	bucket string
	now    func() time.Time
}

// NewSignatureBucket uses the credentials file when given and the ambient
// application default credentials otherwise (GCE, Cloud Run).
func NewSignatureBucket(ctx context.Context, bucket, credentialsFile string) (*SignatureBucket, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("storage: create client: %w", err)
	}
	return &SignatureBucket{client: client, bucket: bucket, now: time.Now}, nil
}

func (b *SignatureBucket) Close() error {
	return b.client.Close()
}

// UploadSignature decodes the signature and stores it under
// signatures/<bookingID>-<unix>.<ext>, returning its gs:// URL.
func (b *SignatureBucket) UploadSignature(ctx context.Context, bookingID, signature string) (string, error) {
	data, contentType, err := DecodeSignature(signature)
	if err != nil {
		return "", err
	}
	objectPath := SignaturePath(bookingID, contentType, b.now())

	w := b.client.Bucket(b.bucket).Object(objectPath).
		If(storage.Conditions{DoesNotExist: true}).
		NewWriter(ctx)
	w.ContentType = contentType
	w.CacheControl = "private, max-age=0"
	w.Metadata = map[string]string{"booking_id": bookingID}

	if _, err := w.Write(data); err != nil {
		w.Close()
		return "", fmt.Errorf("storage: upload %s: %w", objectPath, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("storage: finalize %s: %w", objectPath, err)
	}
	return b.URL(objectPath), nil
}

func (b *SignatureBucket) URL(objectPath string) string {
	return fmt.Sprintf("gs://%s/%s", b.bucket, objectPath)
}

// DeleteFile removes an object by gs:// URL or bare path. Deleting an object
// that is already gone is not an error.
func (b *SignatureBucket) DeleteFile(ctx context.Context, objectURL string) error {
	objectPath := strings.TrimPrefix(objectURL, b.URL(""))
	err := b.client.Bucket(b.bucket).Object(objectPath).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("storage: delete %s: %w", objectPath, err)
	}
	return nil
}

// SignaturePath is the object path of a booking's signature image.
func SignaturePath(bookingID, contentType string, at time.Time) string {
	ext := ".png"
	if contentType == "image/jpeg" {
		ext = ".jpg"
	}
	return fmt.Sprintf("signatures/%s-%d%s", bookingID, at.Unix(), ext)
}
