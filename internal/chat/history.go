package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/servicehub/chatcore/internal/types"
)

// ErrLoading is returned by Refresh while another history fetch is running.
var ErrLoading = errors.New("chat: history fetch in progress")

// PageFetcher returns one page of history, newest first. Page 1 holds the
// newest messages.
type PageFetcher interface {
	FetchPage(ctx context.Context, conversationID string, page, limit int) (*types.Page, error)
}

// Anchor tells the view where the item it had at the top of the viewport
// ended up after older messages were merged.
type Anchor struct {
	MessageID string
	// Index is the anchor's position in Store.ListNewestFirst, or -1.
	Index    int
	Inserted int
}

// Pager loads older history on demand into a Store. A fetch already in
// flight makes further LoadMore calls no-ops instead of cancelling it.
type Pager struct {
	fetcher        PageFetcher
	store          *Store
	conversationID string
	pageSize       int
	logger         *logrus.Logger

	mu          sync.Mutex
	currentPage int
	totalPages  int
	loading     bool
}

// NewPager creates a pager for one conversation.
func NewPager(fetcher PageFetcher, store *Store, conversationID string, pageSize int, logger *logrus.Logger) *Pager {
	if pageSize <= 0 {
		pageSize = 20
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Pager{
		fetcher:        fetcher,
		store:          store,
		conversationID: conversationID,
		pageSize:       pageSize,
		logger:         logger,
	}
}

// CurrentPage returns the last page merged, 0 before Load.
func (p *Pager) CurrentPage() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.currentPage
}

// TotalPages returns the page count reported by the last fetch.
func (p *Pager) TotalPages() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.totalPages
}

// HasMore reports whether older pages remain.
func (p *Pager) HasMore() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.currentPage < p.totalPages
}

// Loading reports whether a fetch is in flight.
func (p *Pager) Loading() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.loading
}

// Load fetches the newest page. It resets paging state but keeps messages
// already in the store, which are merged by id.
func (p *Pager) Load(ctx context.Context) error {
	if !p.acquire(false) {
		return nil
	}
	defer p.release()

	page, err := p.fetcher.FetchPage(ctx, p.conversationID, 1, p.pageSize)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}
	p.store.Prepend(settled(page.Messages))
	p.setPage(page)
	return nil
}

// LoadMore fetches the next older page. anchorID is the message currently
// at the top of the viewport; the returned Anchor carries its new index.
// It returns (nil, nil) when nothing was fetched because a fetch is in
// flight or no older pages remain.
func (p *Pager) LoadMore(ctx context.Context, anchorID string) (*Anchor, error) {
	if !p.acquire(true) {
		return nil, nil
	}
	defer p.release()

	p.mu.Lock()
	next := p.currentPage + 1
	p.mu.Unlock()

	page, err := p.fetcher.FetchPage(ctx, p.conversationID, next, p.pageSize)
	if err != nil {
		p.logger.WithError(err).WithField("page", next).Warn("failed to load older messages")
		return nil, fmt.Errorf("load page %d: %w", next, err)
	}
	added := p.store.Prepend(settled(page.Messages))
	p.setPage(page)

	anchor := &Anchor{MessageID: anchorID, Index: -1, Inserted: len(added)}
	if anchorID != "" {
		anchor.Index = p.store.IndexNewestFirst(anchorID)
	}
	return anchor, nil
}

// Refresh re-fetches pages 1..current and merges them, restoring anything
// that was removed locally but still exists on the server. It shares the
// single-flight guard with Load and LoadMore.
func (p *Pager) Refresh(ctx context.Context) error {
	if !p.acquire(false) {
		return ErrLoading
	}
	defer p.release()

	p.mu.Lock()
	last := p.currentPage
	p.mu.Unlock()
	if last < 1 {
		last = 1
	}
	for page := 1; page <= last; page++ {
		res, err := p.fetcher.FetchPage(ctx, p.conversationID, page, p.pageSize)
		if err != nil {
			return fmt.Errorf("refresh page %d: %w", page, err)
		}
		p.store.Prepend(settled(res.Messages))
		p.mu.Lock()
		p.totalPages = res.TotalPages
		p.mu.Unlock()
	}
	return nil
}

func (p *Pager) acquire(needMore bool) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.loading {
		return false
	}
	if needMore && p.currentPage >= p.totalPages {
		return false
	}
	p.loading = true
	return true
}

func (p *Pager) release() {
	p.mu.Lock()
	p.loading = false
	p.mu.Unlock()
}

func (p *Pager) setPage(page *types.Page) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if page.Page > 0 {
		p.currentPage = page.Page
	} else {
		p.currentPage++
	}
	p.totalPages = page.TotalPages
}

// settled marks fetched messages as confirmed by the server.
func settled(msgs []types.Message) []types.Message {
	for i := range msgs {
		msgs[i].Delivery = types.DeliverySent
		if msgs[i].Upload.Phase == "" {
			msgs[i].Upload = types.UploadState{Phase: types.UploadDone, Progress: 100}
		}
	}
	return msgs
}
