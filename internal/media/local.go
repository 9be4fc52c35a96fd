package media

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// LocalStorage writes media under a root directory served at publicBaseURL.
type LocalStorage struct {
	root          string
	publicBaseURL string
	logger        *zap.Logger
}

func NewLocalStorage(root, publicBaseURL string, logger *zap.Logger) (*LocalStorage, error) {
	if root == "" {
		return nil, errors.New("media root path is not configured")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create media root %s: %w", root, err)
	}
	return &LocalStorage{
		root:          root,
		publicBaseURL: strings.TrimSuffix(publicBaseURL, "/"),
		logger:        logger.Named("LocalStorage"),
	}, nil
}

// Root returns the directory media is written to.
func (s *LocalStorage) Root() string {
	return s.root
}

func (s *LocalStorage) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	k, err := cleanKey(key)
	if err != nil {
		return "", err
	}
	filePath := filepath.Join(s.root, filepath.FromSlash(k))
	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return "", fmt.Errorf("failed to create media directory: %w", err)
	}
	if err := os.WriteFile(filePath, data, 0o644); err != nil {
		s.logger.Error("Failed to save media", zap.String("path", filePath), zap.Error(err))
		return "", fmt.Errorf("failed to save media %s: %w", k, err)
	}
	s.logger.Debug("Media saved", zap.String("key", k), zap.String("content_type", contentType), zap.Int("size_bytes", len(data)))
	return k, nil
}

func (s *LocalStorage) Get(ctx context.Context, ref string) ([]byte, error) {
	k, err := cleanKey(ref)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(s.root, filepath.FromSlash(k)))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrMediaNotFound, k)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read media %s: %w", k, err)
	}
	return data, nil
}

func (s *LocalStorage) URL(ref string) string {
	return s.publicBaseURL + "/" + strings.TrimPrefix(ref, "/")
}

func (s *LocalStorage) Delete(ctx context.Context, refs ...string) error {
	var errs []error
	for _, ref := range refs {
		k, err := cleanKey(ref)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := os.Remove(filepath.Join(s.root, filepath.FromSlash(k))); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
