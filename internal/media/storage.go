package media

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"path"
	"strings"

	"github.com/google/uuid"
)

// ErrMediaNotFound is returned by Get for an unknown reference.
var ErrMediaNotFound = errors.New("media not found")

// Storage keeps generated and uploaded media. A reference is the object key
// returned by Put; URL turns it into an address clients and providers can fetch.
type Storage interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
	Get(ctx context.Context, ref string) ([]byte, error)
	URL(ref string) string
	Delete(ctx context.Context, refs ...string) error
}

// ObjectKey builds the key of an artifact's media for one attempt.
func ObjectKey(storyID uuid.UUID, kind string, artifactID uuid.UUID, attempt int, contentType string) string {
	return fmt.Sprintf("stories/%s/%s/%s-%d%s", storyID, kind, artifactID, attempt, ExtensionFor(contentType))
}

// ExtensionFor maps a content type to a file extension, preferring the common one.
func ExtensionFor(contentType string) string {
	ct, _, _ := mime.ParseMediaType(contentType)
	switch ct {
	case "image/png":
		return ".png"
	case "image/jpeg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	case "video/mp4":
		return ".mp4"
	case "video/webm":
		return ".webm"
	}
	if exts, err := mime.ExtensionsByType(ct); err == nil && len(exts) > 0 {
		return exts[0]
	}
	return ".bin"
}

// ContentTypeFor guesses the content type from a reference's extension.
func ContentTypeFor(ref string) string {
	if ct := mime.TypeByExtension(path.Ext(ref)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

func cleanKey(key string) (string, error) {
	k := path.Clean("/" + strings.TrimSpace(key))
	k = strings.TrimPrefix(k, "/")
	if k == "" || k == "." || strings.HasPrefix(k, "..") {
		return "", fmt.Errorf("invalid media key '%s'", key)
	}
	return k, nil
}
