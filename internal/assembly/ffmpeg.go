package assembly

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"strings"

	"reel-server/internal/media"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	maxParallelDownloads = 4
	maxFFmpegOutputBytes = 2 << 10
)

// FFmpegConcatenator joins clips with the ffmpeg concat demuxer without
// re-encoding. Clips are fetched from and the result is stored in media storage.
type FFmpegConcatenator struct {
	storage    media.Storage
	ffmpegPath string
	workDir    string
	logger     *zap.Logger
}

func NewFFmpegConcatenator(storage media.Storage, ffmpegPath, workDir string, logger *zap.Logger) *FFmpegConcatenator {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	return &FFmpegConcatenator{
		storage:    storage,
		ffmpegPath: ffmpegPath,
		workDir:    workDir,
		logger:     logger.Named("FFmpegConcatenator"),
	}
}

func (c *FFmpegConcatenator) Concatenate(ctx context.Context, storyID uuid.UUID, clipRefs []string) (string, error) {
	if len(clipRefs) == 0 {
		return "", fmt.Errorf("no clips to concatenate")
	}

	dir, err := os.MkdirTemp(c.workDir, "assembly-*")
	if err != nil {
		return "", fmt.Errorf("failed to create work dir: %w", err)
	}
	defer os.RemoveAll(dir)

	paths := make([]string, len(clipRefs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelDownloads)
	for i, ref := range clipRefs {
		i, ref := i, ref
		g.Go(func() error {
			data, err := c.storage.Get(gctx, ref)
			if err != nil {
				return fmt.Errorf("clip %d: %w", i, err)
			}
			ext := path.Ext(ref)
			if ext == "" {
				ext = ".mp4"
			}
			p := filepath.Join(dir, fmt.Sprintf("clip-%03d%s", i, ext))
			if err := os.WriteFile(p, data, 0o644); err != nil {
				return fmt.Errorf("clip %d: %w", i, err)
			}
			paths[i] = p
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return "", fmt.Errorf("failed to fetch clips: %w", err)
	}

	listPath := filepath.Join(dir, "list.txt")
	if err := os.WriteFile(listPath, []byte(concatList(paths)), 0o644); err != nil {
		return "", fmt.Errorf("failed to write concat list: %w", err)
	}

	outPath := filepath.Join(dir, "final.mp4")
	cmd := exec.CommandContext(ctx, c.ffmpegPath,
		"-hide_banner", "-loglevel", "error",
		"-y", "-f", "concat", "-safe", "0", "-i", listPath,
		"-c", "copy", "-movflags", "+faststart", outPath,
	)
	if out, err := cmd.CombinedOutput(); err != nil {
		c.logger.Error("ffmpeg failed", zap.String("story_id", storyID.String()), zap.ByteString("output", tail(out)), zap.Error(err))
		return "", fmt.Errorf("ffmpeg: %w: %s", err, strings.TrimSpace(string(tail(out))))
	}

	data, err := os.ReadFile(outPath)
	if err != nil {
		return "", fmt.Errorf("failed to read final video: %w", err)
	}
	key := fmt.Sprintf("stories/%s/final/%s.mp4", storyID, uuid.New())
	ref, err := c.storage.Put(ctx, key, data, "video/mp4")
	if err != nil {
		return "", err
	}
	return ref, nil
}

// concatList renders the concat demuxer input; single quotes in paths are escaped.
func concatList(paths []string) string {
	var b strings.Builder
	for _, p := range paths {
		b.WriteString("file '")
		b.WriteString(strings.ReplaceAll(p, "'", `'\''`))
		b.WriteString("'\n")
	}
	return b.String()
}

func tail(out []byte) []byte {
	if len(out) > maxFFmpegOutputBytes {
		return out[len(out)-maxFFmpegOutputBytes:]
	}
	return out
}
