// Package attachment validates uploaded images and stores them on local
// disk or in S3, handing back the reference recorded on the message.
package attachment

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/dustin/go-humanize"
)

// DefaultMaxBytes is the upload size limit used when none is configured.
const DefaultMaxBytes int64 = 5 << 20

var (
	ErrMissing         = errors.New("image file is required")
	ErrTooLarge        = errors.New("file too large")
	ErrUnsupportedType = errors.New("only image files are allowed")
	ErrUndecodable     = errors.New("image could not be decoded")
)

// Error is a client-caused attachment failure. It wraps one of the
// sentinel errors above.
type Error struct {
	Err    error
	Detail string
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return e.Err.Error()
	}
	return e.Err.Error() + ". " + e.Detail
}

func (e *Error) Unwrap() error { return e.Err }

// IsClientError reports whether err is an attachment problem the uploader
// can fix, as opposed to a storage failure.
func IsClientError(err error) bool {
	var ae *Error
	return errors.As(err, &ae)
}

// Image is an upload that passed validation.
type Image struct {
	ContentType string
	Ext         string
	Width       int
	Height      int
	Data        []byte
}

var extByType = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/gif":  ".gif",
	"image/bmp":  ".bmp",
	"image/tiff": ".tiff",
}

// Validate checks an upload against the size limit and makes sure it is a
// decodable image. declaredType is the client's Content-Type for the part;
// the sniffed type wins when the two disagree.
func Validate(filename, declaredType string, data []byte, maxBytes int64) (Image, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	if len(data) == 0 {
		return Image{}, &Error{Err: ErrMissing}
	}
	if int64(len(data)) > maxBytes {
		return Image{}, &Error{
			Err:    ErrTooLarge,
			Detail: fmt.Sprintf("Maximum size is %s", humanize.IBytes(uint64(maxBytes))),
		}
	}

	contentType := http.DetectContentType(data)
	if !strings.HasPrefix(contentType, "image/") {
		declared := strings.ToLower(strings.TrimSpace(declaredType))
		if !strings.HasPrefix(declared, "image/") {
			return Image{}, &Error{Err: ErrUnsupportedType, Detail: fmt.Sprintf("got %s", contentType)}
		}
		contentType = declared
	}

	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return Image{}, &Error{Err: ErrUndecodable, Detail: err.Error()}
	}
	bounds := img.Bounds()

	return Image{
		ContentType: contentType,
		Ext:         extensionFor(filename, contentType),
		Width:       bounds.Dx(),
		Height:      bounds.Dy(),
		Data:        data,
	}, nil
}

// extensionFor keeps the client's extension when imaging recognizes it and
// otherwise derives one from the content type.
func extensionFor(filename, contentType string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	if ext != "" {
		if _, err := imaging.FormatFromExtension(ext); err == nil {
			return ext
		}
	}
	if ext, ok := extByType[contentType]; ok {
		return ext
	}
	return ""
}
