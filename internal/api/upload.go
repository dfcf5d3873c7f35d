package api

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/servicehub/chatcore/internal/metrics"
	"github.com/servicehub/chatcore/internal/types"
)

// allowedTypes is the upload whitelist per message kind.
var allowedTypes = map[types.Kind]map[string]bool{
	types.KindImage: {
		"image/jpeg": true, "image/png": true, "image/gif": true,
		"image/webp": true, "image/heic": true,
	},
	types.KindVoice: {
		"audio/mpeg": true, "audio/mp4": true, "audio/x-m4a": true, "audio/aac": true,
		"audio/ogg": true, "audio/opus": true, "audio/wav": true, "audio/x-wav": true,
		"audio/wave": true, "audio/webm": true, "audio/amr": true, "audio/x-caf": true,
	},
	types.KindVideo: {
		"video/mp4": true, "video/quicktime": true, "video/webm": true, "video/3gpp": true,
	},
}

// memoryLimit is how much of a multipart body is held in memory before
// spilling to temp files.
const memoryLimit = 8 << 20

var safeExt = regexp.MustCompile(`^\.[a-z0-9]{1,8}$`)

// Upload handles POST /api/uploads. The file is stored under the upload
// directory and served back from /uploads/.
func (s *Server) Upload(c echo.Context) error {
	req := c.Request()
	req.Body = http.MaxBytesReader(c.Response(), req.Body, s.opts.UploadMaxBytes)

	if err := req.ParseMultipartForm(memoryLimit); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) || strings.Contains(err.Error(), "request body too large") {
			metrics.UploadsTotal.WithLabelValues("", "too_large").Inc()
			return c.JSON(http.StatusRequestEntityTooLarge, ErrorResponse{Error: "file too large"})
		}
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid multipart body"})
	}
	defer req.MultipartForm.RemoveAll()

	kind := types.Kind(req.FormValue("kind"))
	fh, err := c.FormFile("file")
	if err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "file is required"})
	}

	contentType, _, err := mime.ParseMediaType(fh.Header.Get(echo.HeaderContentType))
	if err != nil || !allowedTypes[kind][contentType] {
		metrics.UploadsTotal.WithLabelValues(string(kind), "unsupported").Inc()
		return c.JSON(http.StatusUnsupportedMediaType, ErrorResponse{Error: fmt.Sprintf("unsupported type %q for %s", contentType, kind)})
	}

	ext := strings.ToLower(filepath.Ext(fh.Filename))
	if !safeExt.MatchString(ext) {
		ext = ""
	}
	name := uuid.NewString() + ext
	size, err := s.store(fh.Open, filepath.Join(s.opts.UploadDir, string(kind)), name)
	if err != nil {
		metrics.UploadsTotal.WithLabelValues(string(kind), "error").Inc()
		s.logger.WithError(err).WithField("kind", kind).Error("failed to store upload")
		return c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "failed to store upload"})
	}

	metrics.UploadsTotal.WithLabelValues(string(kind), "ok").Inc()
	return c.JSON(http.StatusCreated, UploadResponse{
		URL:         path.Join("/uploads", string(kind), name),
		ContentType: contentType,
		Size:        size,
	})
}

func (s *Server) store(open func() (multipart.File, error), dir, name string) (int64, error) {
	src, err := open()
	if err != nil {
		return 0, fmt.Errorf("open part: %w", err)
	}
	defer src.Close()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("create upload dir: %w", err)
	}
	dst, err := os.CreateTemp(dir, ".upload-*")
	if err != nil {
		return 0, fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(dst.Name())

	n, err := io.Copy(dst, src)
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return 0, fmt.Errorf("write upload: %w", err)
	}
	if err := os.Rename(dst.Name(), filepath.Join(dir, name)); err != nil {
		return 0, fmt.Errorf("publish upload: %w", err)
	}
	return n, nil
}
