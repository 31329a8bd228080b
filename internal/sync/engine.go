// Package sync provides the synchronization engine between the local store and
// the Instapaper service.
package sync

import (
	"context"
	gosync "sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/JohanCodinha/storyvoid/internal/article"
	"github.com/JohanCodinha/storyvoid/internal/instapaper"
	"github.com/JohanCodinha/storyvoid/internal/logger"
	"github.com/JohanCodinha/storyvoid/internal/store"
)

// Remote is the part of the service API the engine uses.
type Remote interface {
	ListFolders(ctx context.Context) ([]instapaper.Folder, error)
	AddFolder(ctx context.Context, title string) (*instapaper.Folder, error)
	DeleteFolder(ctx context.Context, folderID string) error

	ListBookmarks(ctx context.Context, opts instapaper.ListOptions) (*instapaper.ListResult, error)
	AddBookmark(ctx context.Context, add instapaper.AddRequest) (*instapaper.Bookmark, error)
	DeleteBookmark(ctx context.Context, id int64) error
	MoveBookmark(ctx context.Context, id int64, folderID string) (*instapaper.Bookmark, error)
	ArchiveBookmark(ctx context.Context, id int64) (*instapaper.Bookmark, error)
	UnarchiveBookmark(ctx context.Context, id int64) (*instapaper.Bookmark, error)
	StarBookmark(ctx context.Context, id int64) (*instapaper.Bookmark, error)
	UnstarBookmark(ctx context.Context, id int64) (*instapaper.Bookmark, error)
}

// ArticleSyncer downloads article bodies after bookmarks are in sync.
type ArticleSyncer interface {
	SyncArticles(ctx context.Context) (*article.Report, error)
}

// Limits caps how many bookmarks are listed per folder.
type Limits struct {
	Unread  int
	Archive int
	Liked   int
	Default int
}

// DefaultLimits returns the per-folder list limits used when none are configured.
func DefaultLimits() Limits {
	return Limits{Unread: 250, Archive: 100, Liked: 100, Default: 100}
}

// Options configures an Engine.
type Options struct {
	Limits     Limits
	DebounceMs int
	// Articles is optional; without it runs skip the article phase.
	Articles ArticleSyncer
	// OnStatus is called synchronously as a run progresses.
	OnStatus func(StatusUpdate)
}

// SyncOptions selects the phases of one run.
type SyncOptions struct {
	SkipFolders   bool
	SkipBookmarks bool
	SkipArticles  bool
	// FolderDBIDs restricts the bookmark phase to these folders. Orphan
	// cleanup and leftover edits only run when it is empty.
	FolderDBIDs []int64
}

// Engine handles synchronization between the store and the service.
type Engine struct {
	store  *store.Store
	remote Remote
	opts   Options

	flight singleflight.Group

	// internal state
	mu     gosync.Mutex
	timer  *time.Timer
	ctx    context.Context
	cancel context.CancelFunc
}

// NewEngine creates a new sync engine.
func NewEngine(st *store.Store, remote Remote, opts Options) *Engine {
	if opts.Limits == (Limits{}) {
		opts.Limits = DefaultLimits()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		store:  st,
		remote: remote,
		opts:   opts,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Sync runs folder, bookmark and article reconciliation. Only one run is in
// flight at a time: a call made while another is running waits for it and
// returns its result.
func (e *Engine) Sync(ctx context.Context, opts SyncOptions) (*Report, error) {
	v, err, shared := e.flight.Do("sync", func() (any, error) {
		return e.run(ctx, opts)
	})
	if shared {
		logger.Debug("sync: joined in-flight sync")
	}
	report, _ := v.(*Report)
	return report, err
}

func (e *Engine) run(ctx context.Context, opts SyncOptions) (*Report, error) {
	report := &Report{Started: time.Now()}
	logger.Info("sync: starting")
	e.status(StatusUpdate{Status: StatusStart})

	e.runPhases(ctx, opts, report)

	report.Finished = time.Now()
	err := report.Err()
	if err != nil {
		logger.Warn("sync: finished with errors in %s: %v", report.Finished.Sub(report.Started), err)
	} else {
		logger.Info("sync: finished in %s", report.Finished.Sub(report.Started))
	}
	e.status(StatusUpdate{Status: StatusEnd, Err: err})
	return report, err
}

func (e *Engine) runPhases(ctx context.Context, opts SyncOptions, report *Report) {
	if !opts.SkipFolders {
		if report.Cancelled = checkCancelled(ctx); report.Cancelled != nil {
			return
		}
		e.status(StatusUpdate{Status: StatusFoldersStart})
		folders, err := e.syncFolders(ctx)
		report.Folders = folders
		e.status(StatusUpdate{Status: StatusFoldersEnd, Err: folders.Err})
		if err != nil {
			report.Cancelled = err
			return
		}
	}

	if !opts.SkipBookmarks {
		if report.Cancelled = checkCancelled(ctx); report.Cancelled != nil {
			return
		}
		e.status(StatusUpdate{Status: StatusBookmarksStart})
		err := e.syncBookmarks(ctx, opts.FolderDBIDs, report)
		e.status(StatusUpdate{Status: StatusBookmarksEnd})
		if err != nil {
			report.Cancelled = err
			return
		}
	}

	if !opts.SkipArticles && e.opts.Articles != nil {
		if report.Cancelled = checkCancelled(ctx); report.Cancelled != nil {
			return
		}
		e.status(StatusUpdate{Status: StatusArticlesStart})
		articles, err := e.opts.Articles.SyncArticles(ctx)
		report.Articles = articles
		e.status(StatusUpdate{Status: StatusArticlesEnd, Err: err})
		if err != nil {
			if c := checkCancelled(ctx); c != nil {
				report.Cancelled = c
				return
			}
			report.ArticlesErr = err
		}
	}
}

func (e *Engine) status(u StatusUpdate) {
	if e.opts.OnStatus != nil {
		e.opts.OnStatus(u)
	}
}

// TriggerSync schedules a debounced background sync.
// Multiple calls within the debounce window reset the timer.
func (e *Engine) TriggerSync() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.ctx.Err() != nil {
		return
	}

	// Stop existing timer if any
	if e.timer != nil {
		e.timer.Stop()
	}

	e.timer = time.AfterFunc(time.Duration(e.opts.DebounceMs)*time.Millisecond, func() {
		if _, err := e.Sync(e.ctx, SyncOptions{}); err != nil {
			logger.Error("sync: background sync failed: %v", err)
		}
	})

	logger.Debug("sync: debounce timer started/reset (%dms)", e.opts.DebounceMs)
}

// SyncNow cancels any pending debounced run and immediately pushes local
// changes and pulls remote ones. Article downloads are skipped.
// This should be called on unmount to ensure all changes are pushed.
func (e *Engine) SyncNow(ctx context.Context) (*Report, error) {
	e.mu.Lock()
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.mu.Unlock()

	return e.Sync(ctx, SyncOptions{SkipArticles: true})
}

// Stop stops pending timers and cancels background runs.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.cancel()

	logger.Debug("sync: engine stopped")
}

// unitCtx returns the context used inside one unit of work. A unit that
// started runs to completion even if the run is cancelled.
func unitCtx(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}
