package upload

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/anhhoan/roomchat/pkg/config"
	"github.com/google/uuid"
)

var (
	ErrUnsupportedType = errors.New("unsupported file type")
	ErrTooLarge        = errors.New("file exceeds the upload size limit")
)

// allowedExtensions is the image allow-list for chat uploads.
var allowedExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".gif":  true,
	".webp": true,
}

// DiskStore writes uploaded images to a local directory and hands back the
// URL the chat message carries in its image field. The engine treats that URL
// opaquely.
type DiskStore struct {
	dir       string
	urlPrefix string
	maxSize   int64
	logger    *slog.Logger
}

func NewDiskStore(cfg config.UploadConfig, logger *slog.Logger) (*DiskStore, error) {
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create upload directory: %w", err)
	}
	return &DiskStore{
		dir:       cfg.Dir,
		urlPrefix: strings.TrimSuffix(cfg.URLPrefix, "/"),
		maxSize:   cfg.MaxSizeBytes,
		logger:    logger.With(slog.String("component", "upload_store")),
	}, nil
}

// Dir returns the directory stored files live in, for static serving.
func (s *DiskStore) Dir() string {
	return s.dir
}

// Save stores one uploaded file and returns its retrieval URL. The stored
// name is derived from the upload instant plus a random id, never from the
// client-supplied filename.
func (s *DiskStore) Save(originalName string, r io.Reader) (string, error) {
	ext := strings.ToLower(filepath.Ext(originalName))
	if !allowedExtensions[ext] {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedType, ext)
	}

	name := fmt.Sprintf("%d-%s%s", time.Now().UnixMilli(), uuid.NewString(), ext)
	dst, err := os.Create(filepath.Join(s.dir, name))
	if err != nil {
		return "", fmt.Errorf("failed to create upload file: %w", err)
	}
	defer dst.Close()

	limit := io.Reader(r)
	if s.maxSize > 0 {
		limit = io.LimitReader(r, s.maxSize+1)
	}
	written, err := io.Copy(dst, limit)
	if err != nil {
		os.Remove(dst.Name())
		return "", fmt.Errorf("failed to write upload: %w", err)
	}
	if s.maxSize > 0 && written > s.maxSize {
		os.Remove(dst.Name())
		return "", ErrTooLarge
	}

	url := path.Join(s.urlPrefix, name)
	s.logger.Debug("Stored upload",
		slog.String("file", name),
		slog.Int64("bytes", written),
	)
	return url, nil
}
