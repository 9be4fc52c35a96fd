package media

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	storage "github.com/supabase-community/storage-go"
	"go.uber.org/zap"
)

// SupabaseStorage keeps media in a public Supabase Storage bucket.
type SupabaseStorage struct {
	client  *storage.Client
	bucket  string
	baseURL string
	logger  *zap.Logger
}

func NewSupabaseStorage(supabaseURL, serviceKey, bucket string, logger *zap.Logger) *SupabaseStorage {
	baseURL := strings.TrimSuffix(supabaseURL, "/")
	return &SupabaseStorage{
		client:  storage.NewClient(baseURL+"/storage/v1", serviceKey, nil),
		bucket:  bucket,
		baseURL: baseURL,
		logger:  logger.Named("SupabaseStorage"),
	}
}

func (s *SupabaseStorage) Put(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	k, err := cleanKey(key)
	if err != nil {
		return "", err
	}
	upsert := true
	_, err = s.client.UploadFile(s.bucket, k, bytes.NewReader(data), storage.FileOptions{
		ContentType: &contentType,
		Upsert:      &upsert,
	})
	if err != nil {
		s.logger.Error("Failed to upload media", zap.String("key", k), zap.Error(err))
		return "", fmt.Errorf("failed to upload media %s: %w", k, err)
	}
	return k, nil
}

func (s *SupabaseStorage) Get(ctx context.Context, ref string) ([]byte, error) {
	data, err := s.client.DownloadFile(s.bucket, ref)
	if err != nil {
		return nil, fmt.Errorf("failed to download media %s: %w", ref, err)
	}
	return data, nil
}

func (s *SupabaseStorage) URL(ref string) string {
	return fmt.Sprintf("%s/storage/v1/object/public/%s/%s", s.baseURL, s.bucket, strings.TrimPrefix(ref, "/"))
}

func (s *SupabaseStorage) Delete(ctx context.Context, refs ...string) error {
	if len(refs) == 0 {
		return nil
	}
	if _, err := s.client.RemoveFile(s.bucket, refs); err != nil {
		return fmt.Errorf("failed to remove media: %w", err)
	}
	return nil
}
