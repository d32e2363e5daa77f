package media

import (
	"encoding/base64"
	"fmt"
	"strings"

	"wemp/internal/domain"
)

// Size limits for images sent to users.
const (
	MaxImageBytes   = 5 * 1024 * 1024
	MaxDataURLBytes = 3 * 1024 * 1024
)

// IsDataURL reports whether u is a data:image URL.
func IsDataURL(u string) bool {
	return len(u) > 11 && strings.EqualFold(u[:11], "data:image/")
}

// DecodeDataURL decodes a base64 data:image URL and returns its bytes and MIME type.
func DecodeDataURL(u string) ([]byte, string, error) {
	if !IsDataURL(u) {
		return nil, "", fmt.Errorf("%w: not an image data URL", domain.ErrValidation)
	}
	header, payload, ok := strings.Cut(u[len("data:"):], ",")
	if !ok {
		return nil, "", fmt.Errorf("%w: data URL without payload", domain.ErrValidation)
	}
	mime, enc, ok := strings.Cut(header, ";")
	if !ok || !strings.EqualFold(enc, "base64") {
		return nil, "", fmt.Errorf("%w: data URL is not base64 encoded", domain.ErrValidation)
	}
	if base64.StdEncoding.DecodedLen(len(payload)) > MaxDataURLBytes+3 {
		return nil, "", fmt.Errorf("%w: data URL exceeds %d bytes", domain.ErrValidation, MaxDataURLBytes)
	}

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, "", fmt.Errorf("%w: decode data URL: %v", domain.ErrValidation, err)
	}
	if len(data) > MaxDataURLBytes {
		return nil, "", fmt.Errorf("%w: data URL exceeds %d bytes", domain.ErrValidation, MaxDataURLBytes)
	}
	return data, strings.ToLower(mime), nil
}

// FileExtension returns a file extension for an image MIME type.
func FileExtension(mime string) string {
	switch strings.ToLower(mime) {
	case "image/png":
		return ".png"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	default:
		return ".jpg"
	}
}
