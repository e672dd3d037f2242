package media

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Sideloader persists embedded base64 media payloads out-of-band, replacing
// them with a reference URL before the surrounding record is stored or
// broadcast. A decode or write failure is logged and yields an empty URL;
// it never aborts ingestion of the record's location data.
type Sideloader struct {
	root    string
	baseURL string
	logger  *slog.Logger
	now     func() time.Time
}

// extByMIME maps data-URL media types to file extensions.
var extByMIME = map[string]string{
	"image/jpeg": "jpg",
	"image/jpg":  "jpg",
	"image/png":  "png",
	"image/gif":  "gif",
	"image/webp": "webp",
	"video/mp4":  "mp4",
	"video/webm": "webm",
}

// NewSideloader creates the media root directory if needed. baseURL is the
// public host the returned URLs are built from.
func NewSideloader(root, baseURL string, logger *slog.Logger) (*Sideloader, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create media root: %w", err)
	}
	return &Sideloader{
		root:    root,
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  logger,
		now:     time.Now,
	}, nil
}

// Save decodes one base64 media payload and writes it under the media root
// as {entityId}_{epochMillis}.{ext}. It returns the absolute URL of the
// stored file, or "" if the payload could not be decoded or written.
func (s *Sideloader) Save(entityID, data string, video bool) string {
	if data == "" {
		return ""
	}

	payload, ext := splitDataURL(data, video)

	raw, err := base64.StdEncoding.DecodeString(stripWhitespace(payload))
	if err != nil {
		s.logger.Warn("media payload decode failed", "device", entityID, "error", err)
		return ""
	}

	name, err := s.writeFile(sanitizeEntityID(entityID), ext, raw)
	if err != nil {
		s.logger.Warn("media file write failed", "device", entityID, "error", err)
		return ""
	}

	s.logger.Info("stored media payload", "device", entityID, "file", name, "bytes", len(raw))
	return s.baseURL + "/media/" + name
}

// writeFile stores the decoded payload as {entityId}_{epochMillis}.{ext}.
// Several payloads for one entity can land in the same millisecond, so the
// file is created exclusively and a numbered suffix resolves collisions.
func (s *Sideloader) writeFile(entityID, ext string, raw []byte) (string, error) {
	base := fmt.Sprintf("%s_%d", entityID, s.now().UnixMilli())

	name := base + "." + ext
	for n := 1; ; n++ {
		f, err := os.OpenFile(filepath.Join(s.root, name), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, fs.ErrExist) {
			if n > 1000 {
				return "", fmt.Errorf("no free filename for %s", base)
			}
			name = fmt.Sprintf("%s-%d.%s", base, n, ext)
			continue
		}
		if err != nil {
			return "", err
		}

		if _, err := f.Write(raw); err != nil {
			f.Close()
			return "", err
		}
		if err := f.Close(); err != nil {
			return "", err
		}
		return name, nil
	}
}

// splitDataURL strips an optional "data:<mime>;base64," prefix and picks the
// file extension from the declared media type, falling back to jpg or mp4.
func splitDataURL(data string, video bool) (payload, ext string) {
	ext = "jpg"
	if video {
		ext = "mp4"
	}

	if !strings.HasPrefix(data, "data:") {
		return data, ext
	}

	header, rest, ok := strings.Cut(data, ",")
	if !ok {
		return data, ext
	}
	mime := strings.TrimPrefix(header, "data:")
	mime = strings.TrimSuffix(mime, ";base64")
	if mapped, ok := extByMIME[mime]; ok {
		ext = mapped
	}
	return rest, ext
}

func stripWhitespace(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\n', '\r', '\t':
			return -1
		}
		return r
	}, s)
}

// sanitizeEntityID keeps filenames flat regardless of what the id contains.
func sanitizeEntityID(id string) string {
	if id == "" {
		return "unknown_device"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '.', ' ':
			return '-'
		}
		return r
	}, id)
}
