package chat

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// MaxMediaBytes caps a single upload.
const MaxMediaBytes = 20 << 20

var ErrMediaTooLarge = errors.New("media exceeds size limit")

// DirUploader writes media under Dir and returns links below BaseURL. The
// HTTP server exposes Dir at BaseURL.
type DirUploader struct {
	Dir     string
	BaseURL string
}

func (u *DirUploader) Upload(ctx context.Context, roomID, name string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if len(data) > MaxMediaBytes {
		return "", ErrMediaTooLarge
	}
	if _, err := uuid.Parse(roomID); err != nil {
		return "", fmt.Errorf("invalid room id: %w", err)
	}

	ext := strings.ToLower(filepath.Ext(filepath.Base(name)))
	file := uuid.New().String() + ext

	dir := filepath.Join(u.Dir, roomID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(filepath.Join(dir, file), data, 0o644); err != nil {
		return "", err
	}

	link, err := url.JoinPath(u.BaseURL, roomID, file)
	if err != nil {
		return path.Join(u.BaseURL, roomID, file), nil
	}
	return link, nil
}
