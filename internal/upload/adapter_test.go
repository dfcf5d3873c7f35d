package upload

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/servicehub/chatcore/internal/backend"
	"github.com/servicehub/chatcore/internal/types"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func writeFile(t *testing.T, name string, size int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(strings.Repeat("x", size)), 0o600))
	return path
}

type uploadServer struct {
	*httptest.Server
	mu       sync.Mutex
	calls    int
	statuses []int
	names    []string
	kinds    []string
}

func newUploadServer(t *testing.T, statuses ...int) *uploadServer {
	us := &uploadServer{statuses: statuses}
	us.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		us.mu.Lock()
		us.calls++
		status := http.StatusOK
		if len(us.statuses) > 0 {
			status, us.statuses = us.statuses[0], us.statuses[1:]
		}
		us.mu.Unlock()

		assert.Equal(t, "/api/uploads", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		if status != http.StatusOK {
			w.WriteHeader(status)
			_, _ = io.WriteString(w, `{"error":"nope"}`)
			return
		}
		file, header, err := r.FormFile("file")
		if !assert.NoError(t, err) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_, _ = io.Copy(io.Discard, file)
		us.mu.Lock()
		us.names = append(us.names, header.Filename)
		us.kinds = append(us.kinds, r.FormValue("kind"))
		us.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"url":"/uploads/`+header.Filename+`"}`)
	}))
	t.Cleanup(us.Close)
	return us
}

func (us *uploadServer) callCount() int {
	us.mu.Lock()
	defer us.mu.Unlock()
	return us.calls
}

func newAdapter(t *testing.T, baseURL string) *Adapter {
	t.Helper()
	a, err := NewAdapter(baseURL, "tok", quietLogger())
	require.NoError(t, err)
	return a
}

func TestUploadResolvesRelativeURL(t *testing.T) {
	srv := newUploadServer(t)
	a := newAdapter(t, srv.URL)
	path := writeFile(t, "memo.m4a", 1024)

	var mu sync.Mutex
	var seen []int
	res, err := a.Upload(context.Background(), types.KindVoice, path, Options{
		OnProgress: func(p int) {
			mu.Lock()
			seen = append(seen, p)
			mu.Unlock()
		},
	})
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/uploads/memo.m4a", res.URL)
	assert.Equal(t, []string{"memo.m4a"}, srv.names)
	assert.Equal(t, []string{"voice"}, srv.kinds)

	require.NotEmpty(t, seen)
	assert.Equal(t, 0, seen[0])
	assert.Equal(t, 100, seen[len(seen)-1])
	for i := 1; i < len(seen); i++ {
		assert.Greater(t, seen[i], seen[i-1])
	}
}

func TestUploadRetriesTransientStatus(t *testing.T) {
	srv := newUploadServer(t, http.StatusServiceUnavailable, http.StatusBadGateway)
	a := newAdapter(t, srv.URL)
	path := writeFile(t, "photo.jpg", 64)

	res, err := a.Upload(context.Background(), types.KindImage, path, Options{RetryDelay: time.Millisecond})
	require.NoError(t, err)
	assert.Equal(t, 3, srv.callCount())
	assert.True(t, strings.HasSuffix(res.URL, "/uploads/photo.jpg"))
}

func TestUploadGivesUpAfterMaxRetries(t *testing.T) {
	srv := newUploadServer(t, 503, 503, 503)
	a := newAdapter(t, srv.URL)
	path := writeFile(t, "photo.png", 64)

	_, err := a.Upload(context.Background(), types.KindImage, path, Options{MaxRetries: 2, RetryDelay: time.Millisecond})
	require.Error(t, err)
	var apiErr *backend.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 503, apiErr.Status)
	assert.Equal(t, 3, srv.callCount())
}

func TestUploadNegativeRetriesDisablesRetry(t *testing.T) {
	srv := newUploadServer(t, 503)
	a := newAdapter(t, srv.URL)
	path := writeFile(t, "clip.mp4", 64)

	_, err := a.Upload(context.Background(), types.KindVideo, path, Options{MaxRetries: -1, RetryDelay: time.Millisecond})
	require.Error(t, err)
	assert.Equal(t, 1, srv.callCount())
}

func TestUploadClientErrorsAreFinal(t *testing.T) {
	t.Run("415", func(t *testing.T) {
		srv := newUploadServer(t, http.StatusUnsupportedMediaType)
		a := newAdapter(t, srv.URL)
		_, err := a.Upload(context.Background(), types.KindImage, writeFile(t, "a.gif", 8), Options{RetryDelay: time.Millisecond})
		assert.ErrorIs(t, err, ErrUnsupportedType)
		assert.Equal(t, 1, srv.callCount())
	})
	t.Run("400", func(t *testing.T) {
		srv := newUploadServer(t, http.StatusBadRequest)
		a := newAdapter(t, srv.URL)
		_, err := a.Upload(context.Background(), types.KindImage, writeFile(t, "a.gif", 8), Options{RetryDelay: time.Millisecond})
		var apiErr *backend.APIError
		require.ErrorAs(t, err, &apiErr)
		assert.Equal(t, "nope", apiErr.Message)
		assert.Equal(t, 1, srv.callCount())
	})
}

func TestUploadRejectsMismatchedTypeLocally(t *testing.T) {
	srv := newUploadServer(t)
	a := newAdapter(t, srv.URL)

	_, err := a.Upload(context.Background(), types.KindImage, writeFile(t, "doc.pdf", 8), Options{})
	assert.ErrorIs(t, err, ErrUnsupportedType)
	_, err = a.Upload(context.Background(), types.KindText, writeFile(t, "a.png", 8), Options{})
	assert.ErrorIs(t, err, ErrUnsupportedType)
	assert.Zero(t, srv.callCount())
}

func TestUploadMissingFile(t *testing.T) {
	a := newAdapter(t, "http://127.0.0.1:1")
	_, err := a.Upload(context.Background(), types.KindVoice, filepath.Join(t.TempDir(), "gone.mp3"), Options{})
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestDetectType(t *testing.T) {
	cases := []struct {
		kind types.Kind
		path string
		want string
	}{
		{types.KindVoice, "a.MP3", "audio/mpeg"},
		{types.KindImage, "a.jpeg", "image/jpeg"},
		{types.KindVideo, "a.mov", "video/quicktime"},
	}
	for _, tc := range cases {
		got, err := detectType(tc.kind, tc.path)
		require.NoError(t, err, tc.path)
		assert.Equal(t, tc.want, got, tc.path)
	}
}
