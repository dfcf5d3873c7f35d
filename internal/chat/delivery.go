package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/sirupsen/logrus"

	"github.com/servicehub/chatcore/internal/backend"
	"github.com/servicehub/chatcore/internal/events"
	"github.com/servicehub/chatcore/internal/transport"
	"github.com/servicehub/chatcore/internal/types"
	"github.com/servicehub/chatcore/internal/upload"
)

var (
	// ErrEmptyMessage is returned when a text draft is blank after trimming.
	ErrEmptyMessage = errors.New("chat: empty message")
	// ErrMissingMedia is returned for a media draft without a local file.
	ErrMissingMedia = errors.New("chat: media draft has no file")
	// ErrMissingLocation is returned for a location draft without coordinates.
	ErrMissingLocation = errors.New("chat: location draft has no coordinates")
	// ErrReconnecting is returned when a send is attempted while the
	// transport channel is down. The message stays in the store as failed.
	ErrReconnecting = errors.New("chat: reconnecting")
	// ErrNotFound is returned for ids that are not in the store.
	ErrNotFound = errors.New("chat: message not found")
	// ErrNotRetryable is returned by Retry for messages that did not fail
	// retryably.
	ErrNotRetryable = errors.New("chat: message cannot be retried")
	// ErrInFlight is returned when a message is already being delivered.
	ErrInFlight = errors.New("chat: delivery already in progress")
)

// Fail notes shown next to a failed message.
const (
	noteRetry        = "failed, tap to retry"
	noteReconnecting = "reconnecting, tap to retry"
)

// Durable is the request/response side of delivery.
type Durable interface {
	CreateMessage(ctx context.Context, req *backend.CreateMessageRequest) (*backend.CreateMessageResponse, error)
	MarkRead(ctx context.Context, conversationID string) error
	DeleteMessage(ctx context.Context, messageID string) error
	RecallMessage(ctx context.Context, messageID string) error
}

// Uploader moves media blobs to durable storage.
type Uploader interface {
	Upload(ctx context.Context, kind types.Kind, localPath string, opts upload.Options) (*upload.Result, error)
}

// Refresher reloads already fetched history; used to roll back a failed
// remote delete.
type Refresher interface {
	Refresh(ctx context.Context) error
}

// PipelineConfig identifies the local participant and the active
// conversation, and tunes retries.
type PipelineConfig struct {
	SelfID         string
	SelfRole       types.Role
	ConversationID string
	PeerID         string
	// MaxAttempts bounds durable-write attempts, first try included.
	MaxAttempts   int
	BaseDelay     time.Duration
	UploadRetries int
	UploadTimeout time.Duration
}

// Draft is what the user asked to send.
type Draft struct {
	Kind      types.Kind
	Text      string
	LocalPath string
	Media     *types.Media
	Location  *types.Location
}

// Pipeline turns user actions into optimistic store entries, realtime
// emissions and durable writes, and merges inbound events into the store.
type Pipeline struct {
	cfg       PipelineConfig
	store     *Store
	channel   transport.Channel
	durable   Durable
	uploader  Uploader
	refresher Refresher
	logger    *logrus.Logger
	now       func() time.Time

	mu       sync.Mutex
	inflight map[string]bool
	// withdrawn holds removals requested while the durable write was in
	// flight; they are replayed against the server id once it is known.
	withdrawn   map[string]remover
	readPending bool
}

type remover struct {
	op     string
	remote func(context.Context, string) error
}

// NewPipeline wires a pipeline for one conversation.
func NewPipeline(cfg PipelineConfig, store *Store, channel transport.Channel, durable Durable, uploader Uploader, logger *logrus.Logger) *Pipeline {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Pipeline{
		cfg:      cfg,
		store:    store,
		channel:  channel,
		durable:  durable,
		uploader: uploader,
		logger:   logger,
		now:      time.Now,
		inflight:  make(map[string]bool),
		withdrawn: make(map[string]remover),
	}
}

// SetRefresher installs the history reloader used for delete rollback.
func (p *Pipeline) SetRefresher(r Refresher) {
	p.refresher = r
}

// Send appends the draft optimistically and then delivers it. It blocks
// until the message is confirmed or has failed; the store reflects the
// optimistic entry before any network round trip starts.
func (p *Pipeline) Send(ctx context.Context, d Draft) (types.Message, error) {
	msg, err := p.compose(d)
	if err != nil {
		return types.Message{}, err
	}
	p.store.Append(msg)
	p.logger.WithFields(logrus.Fields{
		"client_id": msg.ID,
		"kind":      msg.Kind,
	}).Debug("message appended optimistically")

	if !p.begin(msg.ID) {
		return msg, ErrInFlight
	}
	defer p.end(msg.ID)

	if p.channel.State() != transport.StateConnected {
		return p.failReconnecting(msg.ID)
	}
	return p.deliver(ctx, msg.ID)
}

// Retry redelivers a failed message. Media that already uploaded is not
// uploaded again.
func (p *Pipeline) Retry(ctx context.Context, id string) (types.Message, error) {
	msg, ok := p.store.Get(id)
	if !ok {
		return types.Message{}, ErrNotFound
	}
	if msg.Delivery == types.DeliverySent {
		return msg, nil
	}
	// A pending message that is not in flight was stranded by a disconnect
	// and may be retried like a failed one.
	if msg.SenderID != p.cfg.SelfID || (msg.Delivery == types.DeliveryFailed && !msg.Retryable) {
		return msg, ErrNotRetryable
	}
	if !p.begin(msg.ID) {
		return msg, ErrInFlight
	}
	defer p.end(msg.ID)

	if p.channel.State() != transport.StateConnected {
		return p.failReconnecting(msg.ID)
	}

	p.store.UpdateByID(msg.ID, func(m *types.Message) {
		m.Delivery = types.DeliveryPending
		m.FailNote = ""
		m.Retryable = false
		if m.Kind.IsMedia() && (m.Media == nil || m.Media.URL == "") {
			m.Upload = types.UploadState{Phase: types.UploadUploading}
		}
	})
	return p.deliver(ctx, msg.ID)
}

func (p *Pipeline) compose(d Draft) (types.Message, error) {
	if d.Kind == "" {
		d.Kind = types.KindText
	}
	text := strings.TrimSpace(d.Text)
	content := text
	switch {
	case d.Kind == types.KindText:
		if text == "" {
			return types.Message{}, ErrEmptyMessage
		}
	case d.Kind.IsMedia():
		if d.LocalPath == "" && (d.Media == nil || d.Media.URL == "") {
			return types.Message{}, ErrMissingMedia
		}
		content = d.Kind.Placeholder()
	case d.Kind == types.KindLocation:
		if d.Location == nil {
			return types.Message{}, ErrMissingLocation
		}
		content = d.Kind.Placeholder()
		if d.Location.Name != "" {
			content = d.Location.Name
		}
	default:
		return types.Message{}, fmt.Errorf("chat: cannot send %s messages", d.Kind)
	}

	id := NewLocalID()
	for p.store.Has(id) {
		id = NewLocalID()
	}

	msg := types.Message{
		ID:             id,
		ClientID:       id,
		ConversationID: p.cfg.ConversationID,
		SenderID:       p.cfg.SelfID,
		SenderRole:     p.cfg.SelfRole,
		Content:        content,
		Kind:           d.Kind,
		Timestamp:      p.now(),
		Delivery:       types.DeliveryPending,
		LocalPath:      d.LocalPath,
		Upload:         types.UploadState{Phase: types.UploadDone, Progress: 100},
	}
	if d.Media != nil {
		media := *d.Media
		msg.Media = &media
	}
	if d.Location != nil {
		loc := *d.Location
		msg.Location = &loc
	}
	if d.Kind.IsMedia() && (msg.Media == nil || msg.Media.URL == "") {
		msg.Upload = types.UploadState{Phase: types.UploadUploading}
	}
	return msg, nil
}

// deliver runs upload, realtime emit and durable write for a stored
// message and reconciles the result.
func (p *Pipeline) deliver(ctx context.Context, id string) (types.Message, error) {
	msg, ok := p.store.Get(id)
	if !ok {
		return types.Message{}, ErrNotFound
	}

	if msg.Kind.IsMedia() && (msg.Media == nil || msg.Media.URL == "") {
		if err := p.uploadMedia(ctx, msg); err != nil {
			snap, _ := p.store.Get(id)
			return snap, err
		}
		if msg, ok = p.store.Get(id); !ok {
			// Removed by the user while uploading.
			return types.Message{}, ErrNotFound
		}
	}

	p.emit(msg)

	resp, err := p.persist(ctx, msg)
	if err != nil {
		var apiErr *backend.APIError
		switch {
		case backend.IsTransient(err):
			p.markFailed(id, noteRetry, true)
		case errors.As(err, &apiErr):
			p.markFailed(id, apiErr.Message, false)
		case errors.Is(err, context.Canceled):
			p.markFailed(id, noteRetry, true)
		default:
			p.markFailed(id, err.Error(), false)
		}
		p.logger.WithError(err).WithField("client_id", id).Error("message delivery failed")
		snap, _ := p.store.Get(id)
		return snap, err
	}

	if !p.store.ReplaceID(id, resp.ID) {
		return types.Message{}, p.withdraw(ctx, id, resp.ID)
	}
	p.store.UpdateByID(resp.ID, func(m *types.Message) {
		m.Delivery = types.DeliverySent
		m.FailNote = ""
		m.Retryable = false
	})
	p.logger.WithFields(logrus.Fields{
		"client_id":  id,
		"message_id": resp.ID,
	}).Debug("message reconciled")

	snap, _ := p.store.Get(resp.ID)
	return snap, nil
}

func (p *Pipeline) uploadMedia(ctx context.Context, msg types.Message) error {
	id := msg.ID
	res, err := p.uploader.Upload(ctx, msg.Kind, msg.LocalPath, upload.Options{
		MaxRetries: p.cfg.UploadRetries,
		Timeout:    p.cfg.UploadTimeout,
		OnProgress: func(percent int) {
			p.store.UpdateByID(id, func(m *types.Message) {
				if m.Upload.Phase == types.UploadUploading && percent > m.Upload.Progress {
					m.Upload.Progress = percent
				}
			})
		},
	})
	if err != nil {
		retryable := !errors.Is(err, upload.ErrUnsupportedType)
		note := noteRetry
		if !retryable {
			note = "unsupported file type"
		}
		p.store.UpdateByID(id, func(m *types.Message) {
			m.Upload = types.UploadState{Phase: types.UploadFailed, Progress: m.Upload.Progress, Reason: err.Error()}
			m.Delivery = types.DeliveryFailed
			m.FailNote = note
			m.Retryable = retryable
		})
		p.logger.WithError(err).WithField("client_id", id).Error("media upload failed")
		return err
	}

	p.store.UpdateByID(id, func(m *types.Message) {
		if m.Media == nil {
			m.Media = &types.Media{}
		}
		m.Media.URL = res.URL
		m.Upload = types.UploadState{Phase: types.UploadDone, Progress: 100}
	})
	return nil
}

func (p *Pipeline) emit(msg types.Message) {
	p.channel.Emit(events.SendMessage, events.OutgoingMessage{
		ClientID:       msg.ClientID,
		ConversationID: msg.ConversationID,
		ReceiverID:     p.cfg.PeerID,
		Content:        msg.Content,
		Kind:           msg.Kind,
		SenderRole:     msg.SenderRole,
		Media:          msg.Media,
		Location:       msg.Location,
		Call:           msg.Call,
	})
}

func (p *Pipeline) persist(ctx context.Context, msg types.Message) (*backend.CreateMessageResponse, error) {
	req := &backend.CreateMessageRequest{
		ClientID:       msg.ClientID,
		ConversationID: msg.ConversationID,
		Content:        msg.Content,
		ContentType:    msg.Kind,
		Media:          msg.Media,
		Location:       msg.Location,
		Call:           msg.Call,
	}

	var resp *backend.CreateMessageResponse
	attempt := 0
	b := retry.WithMaxRetries(uint64(p.cfg.MaxAttempts-1), retry.NewExponential(p.cfg.BaseDelay))
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		attempt++
		r, err := p.durable.CreateMessage(ctx, req)
		if err != nil {
			if ctx.Err() == nil && backend.IsTransient(err) {
				p.logger.WithError(err).WithFields(logrus.Fields{
					"client_id": msg.ClientID,
					"attempt":   attempt,
				}).Warn("durable write failed, retrying")
				return retry.RetryableError(err)
			}
			return err
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// withdraw applies a removal that arrived while id was being written. The
// write already landed, so the server copy must go too.
func (p *Pipeline) withdraw(ctx context.Context, localID, serverID string) error {
	p.mu.Lock()
	r, ok := p.withdrawn[localID]
	delete(p.withdrawn, localID)
	p.mu.Unlock()
	if !ok {
		r = remover{op: "delete", remote: p.durable.DeleteMessage}
	}
	// An echo may have been merged under the server id meanwhile.
	p.store.RemoveByID(serverID)

	log := p.logger.WithFields(logrus.Fields{
		"client_id":  localID,
		"message_id": serverID,
		"op":         r.op,
	})
	if err := r.remote(ctx, serverID); err != nil {
		log.WithError(err).Error("remote removal after write failed")
		return fmt.Errorf("%s message: %w", r.op, err)
	}
	log.Info("message removed while sending")
	return fmt.Errorf("%w: removed while sending", ErrNotFound)
}

func (p *Pipeline) isWithdrawn(clientID string) bool {
	if clientID == "" {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.withdrawn[clientID]
	return ok
}

func (p *Pipeline) failReconnecting(id string) (types.Message, error) {
	p.store.UpdateByID(id, func(m *types.Message) {
		m.Delivery = types.DeliveryFailed
		m.FailNote = noteReconnecting
		m.Retryable = true
		if m.Upload.Phase == types.UploadUploading {
			m.Upload = types.UploadState{Phase: types.UploadIdle}
		}
	})
	p.channel.Reconnect()
	snap, _ := p.store.Get(id)
	return snap, ErrReconnecting
}

func (p *Pipeline) markFailed(id, note string, retryable bool) {
	p.store.UpdateByID(id, func(m *types.Message) {
		m.Delivery = types.DeliveryFailed
		m.FailNote = note
		m.Retryable = retryable
	})
}

func (p *Pipeline) begin(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inflight[id] {
		return false
	}
	p.inflight[id] = true
	return true
}

func (p *Pipeline) end(id string) {
	p.mu.Lock()
	delete(p.inflight, id)
	delete(p.withdrawn, id)
	p.mu.Unlock()
}

// HandleInbound merges a message_received payload. Messages for other
// conversations are dropped, except call records involving the local user,
// which are shown regardless of conversation.
func (p *Pipeline) HandleInbound(data json.RawMessage) bool {
	var evt events.IncomingMessage
	if err := json.Unmarshal(data, &evt); err != nil {
		p.logger.WithError(err).Warn("malformed message_received payload")
		return false
	}
	return p.accept(&evt)
}

func (p *Pipeline) accept(evt *events.IncomingMessage) bool {
	msg := evt.Message()
	if evt.ConversationID != p.cfg.ConversationID {
		isCallRecord := evt.Kind == types.KindCallRecord &&
			(evt.ReceiverID == p.cfg.SelfID || msg.Involves(p.cfg.SelfID))
		if !isCallRecord {
			p.logger.WithField("conversation_id", evt.ConversationID).Debug("ignoring message for another conversation")
			return false
		}
	}
	if msg.ID == "" {
		p.logger.Warn("ignoring message_received without id")
		return false
	}
	if p.isWithdrawn(msg.ClientID) {
		p.logger.WithField("client_id", msg.ClientID).Debug("ignoring echo of removed message")
		return false
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = p.now()
	}
	if !p.store.Append(msg) {
		p.logger.WithField("message_id", msg.ID).Debug("duplicate message ignored")
		return false
	}
	return true
}

// HandleRead applies a message_read receipt from the peer to the local
// user's messages.
func (p *Pipeline) HandleRead(data json.RawMessage) {
	var evt events.Read
	if err := json.Unmarshal(data, &evt); err != nil {
		p.logger.WithError(err).Warn("malformed message_read payload")
		return
	}
	if evt.ConversationID != p.cfg.ConversationID || evt.ReaderID == p.cfg.SelfID {
		return
	}
	p.store.MarkRead(func(m *types.Message) bool {
		return m.SenderID == p.cfg.SelfID
	})
}

// MarkRead zeroes the local unread state, clears the durable counter and
// tells the peer. If the durable call fails the request stays pending and
// FlushRead repeats it.
func (p *Pipeline) MarkRead(ctx context.Context) error {
	p.store.MarkRead(func(m *types.Message) bool {
		return m.SenderID != p.cfg.SelfID
	})
	p.mu.Lock()
	p.readPending = true
	p.mu.Unlock()
	return p.FlushRead(ctx)
}

// FlushRead repeats a mark-read request that has not reached the server.
func (p *Pipeline) FlushRead(ctx context.Context) error {
	p.mu.Lock()
	pending := p.readPending
	p.mu.Unlock()
	if !pending {
		return nil
	}
	if err := p.durable.MarkRead(ctx, p.cfg.ConversationID); err != nil {
		p.logger.WithError(err).Warn("failed to mark conversation read")
		return err
	}
	p.mu.Lock()
	p.readPending = false
	p.mu.Unlock()
	p.channel.Emit(events.MessageRead, events.Read{
		ConversationID: p.cfg.ConversationID,
		ReaderID:       p.cfg.SelfID,
	})
	return nil
}

// Unread counts peer messages not yet read locally.
func (p *Pipeline) Unread() int {
	n := 0
	for _, m := range p.store.ListNewestFirst() {
		if m.SenderID != p.cfg.SelfID && !m.IsRead {
			n++
		}
	}
	return n
}

// Delete removes a message locally, then remotely. On remote failure the
// history is re-fetched so the message reappears.
func (p *Pipeline) Delete(ctx context.Context, id string) error {
	return p.removeRemote(ctx, id, "delete", p.durable.DeleteMessage)
}

// Recall withdraws a sent message with the same local-then-remote ordering
// as Delete.
func (p *Pipeline) Recall(ctx context.Context, id string) error {
	return p.removeRemote(ctx, id, "recall", p.durable.RecallMessage)
}

func (p *Pipeline) removeRemote(ctx context.Context, id, op string, remote func(context.Context, string) error) error {
	removed, ok := p.store.RemoveByID(id)
	if !ok {
		return ErrNotFound
	}
	if removed.Delivery != types.DeliverySent && IsLocalID(removed.ID) {
		p.mu.Lock()
		if p.inflight[removed.ID] {
			p.withdrawn[removed.ID] = remover{op: op, remote: remote}
		}
		p.mu.Unlock()
		// Not on the server yet.
		return nil
	}

	err := remote(ctx, removed.ID)
	if err == nil {
		return nil
	}
	p.logger.WithError(err).WithFields(logrus.Fields{
		"message_id": removed.ID,
		"op":         op,
	}).Error("remote removal failed, restoring")

	if p.refresher != nil {
		if rerr := p.refresher.Refresh(ctx); rerr != nil {
			p.logger.WithError(rerr).Warn("history refresh after failed removal failed")
		}
	}
	if !p.store.Has(removed.ID) {
		p.store.Append(removed)
	}
	return fmt.Errorf("%s message: %w", op, err)
}
