package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/JohanCodinha/storyvoid/internal/article"
)

// ErrCancelled is matched by errors returned from a sync run that stopped
// because its context was cancelled.
var ErrCancelled = errors.New("sync cancelled")

type cancelledError struct {
	cause error
}

func (e *cancelledError) Error() string { return "sync cancelled: " + e.cause.Error() }

func (e *cancelledError) Is(target error) bool { return target == ErrCancelled }

func (e *cancelledError) Unwrap() error { return e.cause }

// checkCancelled returns a cancellation error once ctx is done.
func checkCancelled(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return &cancelledError{cause: err}
	}
	return nil
}

// FolderReport summarises the folder phase.
type FolderReport struct {
	Added    int // remote folders created locally
	Updated  int // local folders whose title or position changed
	Removed  int // local folders deleted because the server no longer has them
	Uploaded int // pending adds and deletes applied remotely
	Err      error
}

// FolderResult summarises the bookmark phase of one folder.
type FolderResult struct {
	FolderDBID int64
	Title      string

	Uploaded int // pending edits applied remotely
	Added    int
	Updated  int
	Moved    int // moved here from another local folder
	Orphaned int // no longer in this folder remotely
	Err      error
}

// Report describes one sync run. Failures of individual folders are recorded
// here and do not stop the run.
type Report struct {
	Started  time.Time
	Finished time.Time

	Folders        *FolderReport
	AddsUploaded   int
	AddsErr        error
	Bookmarks      []FolderResult
	LeftoversErr   error
	OrphansRemoved int
	Articles       *article.Report
	ArticlesErr    error

	// Cancelled is set when the run stopped early.
	Cancelled error
}

// Err returns the run's failures joined, or nil. A cancelled run returns
// only the cancellation.
func (r *Report) Err() error {
	if r.Cancelled != nil {
		return r.Cancelled
	}

	var errs []error
	if r.Folders != nil && r.Folders.Err != nil {
		errs = append(errs, fmt.Errorf("folders: %w", r.Folders.Err))
	}
	if r.AddsErr != nil {
		errs = append(errs, fmt.Errorf("new bookmarks: %w", r.AddsErr))
	}
	for _, res := range r.Bookmarks {
		if res.Err != nil {
			errs = append(errs, fmt.Errorf("folder %q: %w", res.Title, res.Err))
		}
	}
	if r.LeftoversErr != nil {
		errs = append(errs, fmt.Errorf("pending edits: %w", r.LeftoversErr))
	}
	if r.ArticlesErr != nil {
		errs = append(errs, fmt.Errorf("articles: %w", r.ArticlesErr))
	}
	return errors.Join(errs...)
}

// bookmarksOK reports whether every bookmark step succeeded.
func (r *Report) bookmarksOK() bool {
	if r.AddsErr != nil || r.LeftoversErr != nil {
		return false
	}
	for _, res := range r.Bookmarks {
		if res.Err != nil {
			return false
		}
	}
	return true
}

// Status is a sync progress notification kind.
type Status int

const (
	StatusStart Status = iota
	StatusFoldersStart
	StatusFoldersEnd
	StatusBookmarksStart
	StatusBookmarkFolder // a folder's bookmarks are about to sync
	StatusFolder         // a folder's bookmarks finished syncing
	StatusBookmarksEnd
	StatusArticlesStart
	StatusArticlesEnd
	StatusEnd
)

func (s Status) String() string {
	switch s {
	case StatusStart:
		return "start"
	case StatusFoldersStart:
		return "folders-start"
	case StatusFoldersEnd:
		return "folders-end"
	case StatusBookmarksStart:
		return "bookmarks-start"
	case StatusBookmarkFolder:
		return "bookmark-folder"
	case StatusFolder:
		return "folder"
	case StatusBookmarksEnd:
		return "bookmarks-end"
	case StatusArticlesStart:
		return "articles-start"
	case StatusArticlesEnd:
		return "articles-end"
	case StatusEnd:
		return "end"
	default:
		return "unknown"
	}
}

// StatusUpdate is delivered to Options.OnStatus as a run progresses.
type StatusUpdate struct {
	Status     Status
	FolderDBID int64  // for folder updates
	Title      string // for folder updates
	Err        error  // for folder and end updates
}
