package attachment

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Uploader validates images and hands them to a Storage.
type Uploader struct {
	storage  Storage
	maxBytes int64
	logger   *zap.Logger
}

// NewUploader returns an Uploader enforcing maxBytes.
func NewUploader(storage Storage, maxBytes int64, logger *zap.Logger) *Uploader {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Uploader{storage: storage, maxBytes: maxBytes, logger: logger}
}

// MaxBytes returns the configured size limit.
func (u *Uploader) MaxBytes() int64 { return u.maxBytes }

// Upload validates and stores one image, returning its reference.
// Validation failures are *Error values; anything else is a storage
// failure.
func (u *Uploader) Upload(ctx context.Context, filename, declaredType string, data []byte) (string, error) {
	img, err := Validate(filename, declaredType, data, u.maxBytes)
	if err != nil {
		return "", err
	}

	ref, err := u.storage.Save(ctx, NewName(img.Ext), img.ContentType, img.Data)
	if err != nil {
		return "", fmt.Errorf("save attachment: %w", err)
	}

	u.logger.Debug("attachment stored",
		zap.String("ref", ref),
		zap.String("content_type", img.ContentType),
		zap.Int("width", img.Width),
		zap.Int("height", img.Height),
		zap.Int("bytes", len(img.Data)))
	return ref, nil
}

// Discard removes a stored image that is no longer referenced. reason is
// recorded with the log line. Errors are logged, not returned.
func (u *Uploader) Discard(ctx context.Context, ref, reason string) {
	if ref == "" {
		return
	}
	if err := u.storage.Delete(ctx, ref); err != nil {
		u.logger.Warn("failed to remove attachment",
			zap.String("ref", ref), zap.String("reason", reason), zap.Error(err))
		return
	}
	u.logger.Info("attachment removed", zap.String("ref", ref), zap.String("reason", reason))
}
