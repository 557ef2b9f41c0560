// Package media defines which uploads are accepted and where they live in
// the bucket.
package media

import (
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/screensplit/server/internal/domain/ids"
)

type Kind string

const (
	KindImage Kind = "image"
	KindVideo Kind = "video"
)

const (
	MaxImageBytes int64 = 20 << 20
	MaxVideoBytes int64 = 200 << 20

	uploadRoot = "uploads"
	renderRoot = "renders"
)

type contentType struct {
	kind Kind
	ext  string
}

var allowed = map[string]contentType{
	"image/png":       {KindImage, ".png"},
	"image/jpeg":      {KindImage, ".jpg"},
	"image/webp":      {KindImage, ".webp"},
	"image/gif":       {KindImage, ".gif"},
	"video/mp4":       {KindVideo, ".mp4"},
	"video/webm":      {KindVideo, ".webm"},
	"video/quicktime": {KindVideo, ".mov"},
}

var kindByExt = func() map[string]Kind {
	m := make(map[string]Kind, len(allowed))
	for _, ct := range allowed {
		m[ct.ext] = ct.kind
	}
	return m
}()

// Lookup reports the kind and file extension of an accepted content type.
func Lookup(ct string) (Kind, string, bool) {
	ct = strings.ToLower(strings.TrimSpace(ct))
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	info, ok := allowed[ct]
	return info.kind, info.ext, ok
}

// MaxBytes is the size limit for a kind.
func MaxBytes(kind Kind) int64 {
	if kind == KindVideo {
		return MaxVideoBytes
	}
	return MaxImageBytes
}

// KindOfKey infers the media kind of a stored object from its extension.
func KindOfKey(key string) (Kind, bool) {
	kind, ok := kindByExt[strings.ToLower(path.Ext(key))]
	return kind, ok
}

func UserUploadPrefix(userID string) string {
	return uploadRoot + "/" + userID + "/"
}

func UserRenderPrefix(userID string) string {
	return renderRoot + "/" + userID + "/"
}

// UploadKey builds uploads/<user>/<yyyy>/<mm>/<ULID><ext>.
func UploadKey(userID string, now time.Time, ext string) (string, error) {
	id, err := ids.NewULID()
	if err != nil {
		return "", err
	}
	now = now.UTC()
	return fmt.Sprintf("%s%04d/%02d/%s%s", UserUploadPrefix(userID), now.Year(), int(now.Month()), id, ext), nil
}

// RenderKey is where a finished video job is written.
func RenderKey(userID, jobID string) string {
	return UserRenderPrefix(userID) + jobID + ".mp4"
}

// OwnsUpload reports whether key is a clean path inside the user's upload prefix.
func OwnsUpload(userID, key string) bool {
	if userID == "" || key == "" {
		return false
	}
	if path.Clean(key) != key || strings.Contains(key, "..") {
		return false
	}
	return strings.HasPrefix(key, UserUploadPrefix(userID)) && len(key) > len(UserUploadPrefix(userID))
}
