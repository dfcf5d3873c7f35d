package chat

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/servicehub/chatcore/internal/backend"
	"github.com/servicehub/chatcore/internal/transport/transporttest"
	"github.com/servicehub/chatcore/internal/types"
	"github.com/servicehub/chatcore/internal/upload"
)

const (
	timeoutShort = time.Second
	tick         = 5 * time.Millisecond
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

type fakeDurable struct {
	mu       sync.Mutex
	creates  []*backend.CreateMessageRequest
	createFn func(n int, req *backend.CreateMessageRequest) (*backend.CreateMessageResponse, error)

	markReadErr error
	markReads   int
	removeErr   error
	removed     []string
}

func (f *fakeDurable) CreateMessage(ctx context.Context, req *backend.CreateMessageRequest) (*backend.CreateMessageResponse, error) {
	f.mu.Lock()
	f.creates = append(f.creates, req)
	n := len(f.creates)
	fn := f.createFn
	f.mu.Unlock()
	if fn != nil {
		return fn(n, req)
	}
	return &backend.CreateMessageResponse{ID: fmt.Sprintf("srv-%d", n), Timestamp: t0}, nil
}

func (f *fakeDurable) MarkRead(ctx context.Context, conversationID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markReads++
	return f.markReadErr
}

func (f *fakeDurable) DeleteMessage(ctx context.Context, id string) error {
	return f.remove(id)
}

func (f *fakeDurable) RecallMessage(ctx context.Context, id string) error {
	return f.remove(id)
}

func (f *fakeDurable) remove(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, id)
	return f.removeErr
}

func (f *fakeDurable) createCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.creates)
}

type fakeUploader struct {
	mu    sync.Mutex
	calls int
	fn    func(opts upload.Options) (*upload.Result, error)
}

func (f *fakeUploader) Upload(ctx context.Context, kind types.Kind, localPath string, opts upload.Options) (*upload.Result, error) {
	f.mu.Lock()
	f.calls++
	fn := f.fn
	f.mu.Unlock()
	if fn != nil {
		return fn(opts)
	}
	return &upload.Result{URL: "https://cdn.example/" + localPath}, nil
}

func (f *fakeUploader) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeRefresher struct {
	fn func() error
}

func (f *fakeRefresher) Refresh(ctx context.Context) error {
	return f.fn()
}

// steppingClock returns timestamps one second apart.
func steppingClock() func() time.Time {
	var mu sync.Mutex
	cur := t0
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		cur = cur.Add(time.Second)
		return cur
	}
}

type fixture struct {
	pipeline *Pipeline
	store    *Store
	channel  *transporttest.Memory
	durable  *fakeDurable
	uploader *fakeUploader
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:    NewStore(),
		channel:  transporttest.NewMemory(),
		durable:  &fakeDurable{},
		uploader: &fakeUploader{},
	}
	f.pipeline = NewPipeline(PipelineConfig{
		SelfID:         "u1",
		SelfRole:       types.RoleUser,
		ConversationID: "c1",
		PeerID:         "a1",
		MaxAttempts:    3,
		BaseDelay:      time.Millisecond,
	}, f.store, f.channel, f.durable, f.uploader, quietLogger())
	f.pipeline.now = steppingClock()
	return f
}
