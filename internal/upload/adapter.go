// Package upload moves local media blobs to durable storage.
package upload

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/servicehub/chatcore/internal/backend"
	"github.com/servicehub/chatcore/internal/types"
)

// ErrUnsupportedType is returned for files whose type does not match the
// message kind. It is never retried.
var ErrUnsupportedType = errors.New("upload: unsupported file type")

const (
	defaultMaxRetries = 3
	defaultTimeout    = 60 * time.Second
	defaultRetryDelay = time.Second
	progressInterval  = 125 * time.Millisecond
	uploadPath        = "/api/uploads"
)

// Options controls one upload.
type Options struct {
	// OnProgress receives monotonic percentages 0–100, at most ~8 per second.
	OnProgress func(percent int)
	// MaxRetries of zero means the default of 3; negative disables retries.
	MaxRetries int
	// Timeout bounds each attempt.
	Timeout    time.Duration
	RetryDelay time.Duration
}

// Result is a successful upload.
type Result struct {
	URL string `json:"url"`
}

// Adapter uploads files to the chat API as multipart forms.
type Adapter struct {
	baseURL    *url.URL
	token      string
	httpClient *http.Client
	logger     *logrus.Logger
}

// NewAdapter creates an adapter for the API at baseURL.
func NewAdapter(baseURL, token string, logger *logrus.Logger) (*Adapter, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Adapter{
		baseURL:    u,
		token:      token,
		httpClient: &http.Client{},
		logger:     logger,
	}, nil
}

// Upload sends the file at localPath and returns its durable URL. Transient
// failures are retried up to MaxRetries times with exponential backoff;
// client-side errors fail immediately.
func (a *Adapter) Upload(ctx context.Context, kind types.Kind, localPath string, opts Options) (*Result, error) {
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	} else if opts.MaxRetries == 0 {
		opts.MaxRetries = defaultMaxRetries
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = defaultRetryDelay
	}

	contentType, err := detectType(kind, localPath)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(localPath)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", localPath, err)
	}

	prog := newProgress(opts.OnProgress)
	prog.report(0)

	var result *Result
	attempt := 0
	b := retry.WithMaxRetries(uint64(opts.MaxRetries), retry.NewExponential(opts.RetryDelay))
	err = retry.Do(ctx, b, func(ctx context.Context) error {
		attempt++
		attemptCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
		defer cancel()

		res, err := a.send(attemptCtx, kind, localPath, contentType, info.Size(), prog)
		if err != nil {
			if ctx.Err() == nil && backend.IsTransient(err) {
				a.logger.WithError(err).WithFields(logrus.Fields{
					"attempt": attempt,
					"kind":    kind,
				}).Warn("upload attempt failed, retrying")
				return retry.RetryableError(err)
			}
			return err
		}
		result = res
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("upload %s after %d attempt(s): %w", filepath.Base(localPath), attempt, err)
	}

	prog.finish()
	return result, nil
}

func (a *Adapter) send(ctx context.Context, kind types.Kind, localPath, contentType string, size int64, prog *progress) (*Result, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", localPath, err)
	}
	defer f.Close()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		err := writeForm(mw, kind, filepath.Base(localPath), contentType, &countingReader{
			r: f,
			onRead: func(n int64) {
				if size > 0 {
					// Leave the last percent for the server response.
					prog.report(int(n * 99 / size))
				}
			},
		})
		pw.CloseWithError(err)
	}()

	endpoint := a.baseURL.JoinPath(uploadPath)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(), pr)
	if err != nil {
		pr.Close()
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+a.token)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode == http.StatusUnsupportedMediaType {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, contentType)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		var er backend.ErrorResponse
		_ = json.Unmarshal(body, &er)
		if er.Error == "" {
			er.Error = http.StatusText(resp.StatusCode)
		}
		return nil, &backend.APIError{Status: resp.StatusCode, Message: er.Error}
	}

	var res Result
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	if res.URL == "" {
		return nil, errors.New("upload response missing url")
	}
	res.URL = a.resolve(res.URL)
	return &res, nil
}

// resolve turns a server-relative URL into an absolute one.
func (a *Adapter) resolve(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.IsAbs() {
		return raw
	}
	return a.baseURL.ResolveReference(u).String()
}

func writeForm(mw *multipart.Writer, kind types.Kind, name, contentType string, r io.Reader) error {
	if err := mw.WriteField("kind", string(kind)); err != nil {
		return err
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, name))
	h.Set("Content-Type", contentType)
	part, err := mw.CreatePart(h)
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, r); err != nil {
		return err
	}
	return mw.Close()
}

// detectType maps the file extension to a MIME type and checks it against
// the message kind.
func detectType(kind types.Kind, localPath string) (string, error) {
	if !kind.IsMedia() {
		return "", fmt.Errorf("%w: kind %s carries no media", ErrUnsupportedType, kind)
	}
	ext := strings.ToLower(filepath.Ext(localPath))
	contentType := mime.TypeByExtension(ext)
	if contentType == "" {
		contentType = fallbackTypes[ext]
	}
	if contentType == "" {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedType, ext)
	}
	if i := strings.IndexByte(contentType, ';'); i >= 0 {
		contentType = contentType[:i]
	}
	if !strings.HasPrefix(contentType, kindPrefix[kind]) {
		return "", fmt.Errorf("%w: %s for %s", ErrUnsupportedType, contentType, kind)
	}
	return contentType, nil
}

var kindPrefix = map[types.Kind]string{
	types.KindVoice: "audio/",
	types.KindImage: "image/",
	types.KindVideo: "video/",
}

// fallbackTypes covers formats missing from the system MIME tables.
var fallbackTypes = map[string]string{
	".mp3":  "audio/mpeg",
	".wav":  "audio/wav",
	".ogg":  "audio/ogg",
	".opus": "audio/opus",
	".mp4":  "video/mp4",
	".webm": "video/webm",
	".m4a":  "audio/mp4",
	".aac":  "audio/aac",
	".amr":  "audio/amr",
	".caf":  "audio/x-caf",
	".heic": "image/heic",
	".mov":  "video/quicktime",
	".3gp":  "video/3gpp",
}

type countingReader struct {
	r      io.Reader
	n      int64
	onRead func(total int64)
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 {
		c.n += int64(n)
		c.onRead(c.n)
	}
	return n, err
}

// progress delivers monotonic, throttled percentages.
type progress struct {
	mu        sync.Mutex
	fn        func(int)
	last      int
	sometimes rate.Sometimes
}

func newProgress(fn func(int)) *progress {
	return &progress{
		fn:        fn,
		last:      -1,
		sometimes: rate.Sometimes{Interval: progressInterval},
	}
}

func (p *progress) report(percent int) {
	if p.fn == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if percent <= p.last {
		return
	}
	p.sometimes.Do(func() {
		p.last = percent
		p.fn(percent)
	})
}

func (p *progress) finish() {
	if p.fn == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.last < 100 {
		p.last = 100
		p.fn(100)
	}
}
