package sync

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/JohanCodinha/storyvoid/internal/instapaper"
	"github.com/JohanCodinha/storyvoid/internal/logger"
	"github.com/JohanCodinha/storyvoid/internal/store"
)

// syncBookmarks uploads new bookmarks, then reconciles each folder in turn.
// Per-folder failures are recorded in the report. The returned error is
// non-nil only when ctx was cancelled.
func (e *Engine) syncBookmarks(ctx context.Context, only []int64, report *Report) error {
	uploaded, err := e.uploadAdds(ctx)
	report.AddsUploaded = uploaded
	if errors.Is(err, ErrCancelled) {
		return err
	}
	report.AddsErr = err

	folders, err := e.bookmarkFolders(unitCtx(ctx), only)
	if err != nil {
		report.AddsErr = errors.Join(report.AddsErr, err)
		return nil
	}

	for _, folder := range folders {
		if err := checkCancelled(ctx); err != nil {
			return err
		}

		e.status(StatusUpdate{Status: StatusBookmarkFolder, FolderDBID: folder.ID, Title: folder.Title})
		result := e.syncBookmarkFolder(unitCtx(ctx), folder)
		if result.Err != nil {
			logger.Warn("sync: folder %q failed: %v", folder.Title, result.Err)
		}
		report.Bookmarks = append(report.Bookmarks, result)
		e.status(StatusUpdate{Status: StatusFolder, FolderDBID: folder.ID, Title: folder.Title, Err: result.Err})
	}

	if len(only) > 0 {
		return nil
	}

	if err := checkCancelled(ctx); err != nil {
		return err
	}
	if err := e.uploadLeftovers(ctx); err != nil {
		if errors.Is(err, ErrCancelled) {
			return err
		}
		report.LeftoversErr = err
	}

	if !report.bookmarksOK() {
		logger.Debug("sync: keeping orphaned bookmarks, not every folder synced")
		return nil
	}
	if err := checkCancelled(ctx); err != nil {
		return err
	}
	removed, err := e.removeOrphans(unitCtx(ctx))
	report.OrphansRemoved = removed
	if err != nil {
		report.LeftoversErr = err
	}
	return nil
}

// bookmarkFolders returns the folders to reconcile in order: Unread, Archive,
// Liked, then synced user folders by position.
func (e *Engine) bookmarkFolders(ctx context.Context, only []int64) ([]store.Folder, error) {
	all, err := e.store.ListCurrentFolders(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list folders: %w", err)
	}

	rank := map[int64]int{
		e.store.UnreadFolderDBID():  0,
		e.store.ArchiveFolderDBID(): 1,
		e.store.LikedFolderDBID():   2,
	}
	wanted := make(map[int64]bool)
	for _, id := range only {
		wanted[id] = true
	}

	var folders []store.Folder
	for _, f := range all {
		if f.LocalOnly || f.FolderID == "" {
			continue
		}
		if len(only) > 0 && !wanted[f.ID] {
			continue
		}
		folders = append(folders, f)
	}

	sort.SliceStable(folders, func(i, j int) bool {
		ri, iBuiltIn := rank[folders[i].ID]
		rj, jBuiltIn := rank[folders[j].ID]
		switch {
		case iBuiltIn && jBuiltIn:
			return ri < rj
		case iBuiltIn != jBuiltIn:
			return iBuiltIn
		case folders[i].Position != folders[j].Position:
			return folders[i].Position < folders[j].Position
		default:
			return folders[i].ID < folders[j].ID
		}
	})
	return folders, nil
}

func (e *Engine) limitFor(folder store.Folder) int {
	switch folder.ID {
	case e.store.UnreadFolderDBID():
		return e.opts.Limits.Unread
	case e.store.ArchiveFolderDBID():
		return e.opts.Limits.Archive
	case e.store.LikedFolderDBID():
		return e.opts.Limits.Liked
	default:
		return e.opts.Limits.Default
	}
}

// uploadAdds creates pending URLs remotely. Each add is one unit; new
// bookmarks land in Unread.
func (e *Engine) uploadAdds(ctx context.Context) (int, error) {
	pending, err := e.store.GetPendingBookmarkEdits(unitCtx(ctx), 0)
	if err != nil {
		return 0, fmt.Errorf("failed to get pending bookmark edits: %w", err)
	}
	if len(pending.Adds) == 0 {
		return 0, nil
	}

	logger.Debug("sync: uploading %d new bookmarks", len(pending.Adds))
	var uploaded int
	var errs []error
	for _, edit := range pending.Adds {
		if err := checkCancelled(ctx); err != nil {
			return uploaded, err
		}
		if err := e.uploadAdd(unitCtx(ctx), edit); err != nil {
			errs = append(errs, fmt.Errorf("add %s: %w", edit.URL, err))
			continue
		}
		uploaded++
	}
	return uploaded, errors.Join(errs...)
}

func (e *Engine) uploadAdd(ctx context.Context, edit store.BookmarkPendingEdit) error {
	remote, err := e.remote.AddBookmark(ctx, instapaper.AddRequest{URL: edit.URL, Title: edit.Title})
	if err != nil {
		return err
	}

	existing, err := e.store.GetBookmark(ctx, remote.BookmarkID)
	if err != nil {
		return err
	}
	if existing == nil {
		b := fromRemote(*remote, nil, e.store.UnreadFolderDBID(), store.UnreadFolderID)
		if _, err := e.store.AddBookmark(ctx, b); err != nil {
			return err
		}
	}
	logger.Debug("sync: uploaded %s as bookmark %d", edit.URL, remote.BookmarkID)
	return e.store.DeletePendingBookmarkEdit(ctx, edit.ID)
}

// syncBookmarkFolder uploads the pending edits touching folder, lists it and
// applies the result.
func (e *Engine) syncBookmarkFolder(ctx context.Context, folder store.Folder) FolderResult {
	result := FolderResult{FolderDBID: folder.ID, Title: folder.Title}
	liked := folder.ID == e.store.LikedFolderDBID()

	var errs []error
	scope := folder.ID
	if liked {
		// Starring is independent of location; the Liked step takes every
		// like and unlike still waiting, including those of orphaned bookmarks.
		scope = 0
	}
	pending, err := e.store.GetPendingBookmarkEdits(ctx, scope)
	if err != nil {
		result.Err = fmt.Errorf("failed to get pending edits: %w", err)
		return result
	}
	if liked {
		pending = store.PendingBookmarkEdits{Likes: pending.Likes, Unlikes: pending.Unlikes}
	}
	uploaded, uploadErr := e.uploadEdits(ctx, pending)
	result.Uploaded = uploaded
	if uploadErr != nil {
		errs = append(errs, uploadErr)
	}

	if err := e.applyRemoteBookmarks(ctx, folder, &result); err != nil {
		errs = append(errs, err)
	}

	result.Err = errors.Join(errs...)
	return result
}

// uploadEdits replays likes and unlikes, then moves, then deletes.
func (e *Engine) uploadEdits(ctx context.Context, pending store.PendingBookmarkEdits) (int, error) {
	var uploaded int
	var errs []error

	for _, group := range [][]store.BookmarkPendingEdit{pending.Likes, pending.Unlikes, pending.Moves, pending.Deletes} {
		for _, edit := range group {
			if err := e.uploadEdit(ctx, edit); err != nil {
				errs = append(errs, fmt.Errorf("%s bookmark %d: %w", edit.Type, edit.BookmarkID, err))
				continue
			}
			uploaded++
		}
	}
	return uploaded, errors.Join(errs...)
}

func (e *Engine) uploadEdit(ctx context.Context, edit store.BookmarkPendingEdit) error {
	var err error
	switch edit.Type {
	case store.BookmarkEditLike:
		_, err = e.remote.StarBookmark(ctx, edit.BookmarkID)
	case store.BookmarkEditUnlike:
		_, err = e.remote.UnstarBookmark(ctx, edit.BookmarkID)
	case store.BookmarkEditDelete:
		err = e.remote.DeleteBookmark(ctx, edit.BookmarkID)
	case store.BookmarkEditMove:
		err = e.uploadMove(ctx, edit)
	default:
		err = fmt.Errorf("unknown bookmark edit type %q", edit.Type)
	}

	switch {
	case err == nil:
		logger.Debug("sync: uploaded %s of bookmark %d", edit.Type, edit.BookmarkID)
	case instapaper.IsNotFound(err):
		logger.Debug("sync: bookmark %d is gone remotely, dropping %s", edit.BookmarkID, edit.Type)
	case edit.Type == store.BookmarkEditMove && instapaper.IsFolderNotFound(err):
		logger.Debug("sync: destination of bookmark %d is gone remotely, dropping move", edit.BookmarkID)
	default:
		return err
	}
	return e.store.DeletePendingBookmarkEdit(ctx, edit.ID)
}

var errDestinationNotSynced = errors.New("destination folder is not synced yet")

func (e *Engine) uploadMove(ctx context.Context, edit store.BookmarkPendingEdit) error {
	destination, err := e.store.GetFolder(ctx, edit.DestinationFolderDBID)
	if err != nil {
		return err
	}
	if destination == nil {
		logger.Debug("sync: destination %d of bookmark %d no longer exists, dropping move",
			edit.DestinationFolderDBID, edit.BookmarkID)
		return nil
	}

	switch destination.ID {
	case e.store.ArchiveFolderDBID():
		_, err = e.remote.ArchiveBookmark(ctx, edit.BookmarkID)
	case e.store.UnreadFolderDBID():
		_, err = e.remote.UnarchiveBookmark(ctx, edit.BookmarkID)
	default:
		if destination.FolderID == "" {
			return fmt.Errorf("%q: %w", destination.Title, errDestinationNotSynced)
		}
		_, err = e.remote.MoveBookmark(ctx, edit.BookmarkID, destination.FolderID)
	}
	return err
}

// applyRemoteBookmarks lists folder with a have-list of the local bookmarks
// and applies the response.
func (e *Engine) applyRemoteBookmarks(ctx context.Context, folder store.Folder, result *FolderResult) error {
	liked := folder.ID == e.store.LikedFolderDBID()

	local, err := e.store.ListCurrentBookmarks(ctx, folder.ID)
	if err != nil {
		return fmt.Errorf("failed to list local bookmarks: %w", err)
	}
	have := make([]instapaper.HaveItem, 0, len(local))
	for _, b := range local {
		if b.BookmarkID <= 0 {
			continue
		}
		have = append(have, instapaper.HaveItem{
			ID:                b.BookmarkID,
			Hash:              b.Hash,
			Progress:          b.Progress,
			ProgressTimestamp: b.ProgressTimestamp,
		})
	}

	remote, err := e.remote.ListBookmarks(ctx, instapaper.ListOptions{
		FolderID: folder.FolderID,
		Limit:    e.limitFor(folder),
		Have:     have,
	})
	if err != nil {
		return fmt.Errorf("failed to list remote bookmarks: %w", err)
	}
	logger.Debug("sync: folder %q: %d changed, %d gone", folder.Title, len(remote.Bookmarks), len(remote.DeletedIDs))

	guard, err := e.pendingGuard(ctx)
	if err != nil {
		return err
	}

	var errs []error
	for _, rb := range remote.Bookmarks {
		var err error
		if liked {
			err = e.applyLiked(ctx, rb, guard, result)
		} else {
			err = e.applyBookmark(ctx, folder, rb, guard, result)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("bookmark %d: %w", rb.BookmarkID, err))
		}
	}

	for _, id := range remote.DeletedIDs {
		var err error
		if liked {
			err = e.applyUnliked(ctx, id, guard)
		} else {
			err = e.applyGone(ctx, folder, id, guard, result)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("bookmark %d: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// pendingGuard records bookmarks whose local intent must survive a remote
// snapshot: pending moves and deletes protect the whole record, pending
// likes and unlikes protect only the starred flag.
type pendingGuard struct {
	located map[int64]bool
	starred map[int64]bool
}

func (e *Engine) pendingGuard(ctx context.Context) (pendingGuard, error) {
	pending, err := e.store.GetPendingBookmarkEdits(ctx, 0)
	if err != nil {
		return pendingGuard{}, fmt.Errorf("failed to get pending edits: %w", err)
	}
	g := pendingGuard{located: make(map[int64]bool), starred: make(map[int64]bool)}
	for _, edit := range append(pending.Moves, pending.Deletes...) {
		g.located[edit.BookmarkID] = true
	}
	for _, edit := range append(pending.Likes, pending.Unlikes...) {
		g.starred[edit.BookmarkID] = true
	}
	return g, nil
}

func (e *Engine) applyBookmark(ctx context.Context, folder store.Folder, rb instapaper.Bookmark, guard pendingGuard, result *FolderResult) error {
	if guard.located[rb.BookmarkID] {
		logger.Debug("sync: bookmark %d has a pending move or delete, keeping local state", rb.BookmarkID)
		return nil
	}

	existing, err := e.store.GetBookmark(ctx, rb.BookmarkID)
	if err != nil {
		return err
	}
	if existing == nil {
		if _, err := e.store.AddBookmark(ctx, fromRemote(rb, nil, folder.ID, folder.FolderID)); err != nil {
			return err
		}
		result.Added++
		return nil
	}

	if existing.FolderDBID != folder.ID {
		moved, err := e.store.MoveBookmark(ctx, existing.BookmarkID, folder.ID, true)
		if err != nil {
			return err
		}
		existing = &moved
		result.Moved++
	}

	if existing.Hash == rb.Hash {
		return nil
	}
	updated := fromRemote(rb, existing, folder.ID, folder.FolderID)
	if guard.starred[rb.BookmarkID] {
		updated.Starred = existing.Starred
	}
	if err := e.store.UpdateBookmark(ctx, updated, false); err != nil {
		return err
	}
	result.Updated++
	return nil
}

// applyGone handles a bookmark the server no longer lists in folder. It is
// parked in Orphaned until a later folder claims it or cleanup removes it.
func (e *Engine) applyGone(ctx context.Context, folder store.Folder, id int64, guard pendingGuard, result *FolderResult) error {
	if guard.located[id] {
		return nil
	}
	existing, err := e.store.GetBookmark(ctx, id)
	if err != nil {
		return err
	}
	if existing == nil || existing.FolderDBID != folder.ID {
		return nil
	}
	if _, err := e.store.MoveBookmark(ctx, id, e.store.OrphanedFolderDBID(), true); err != nil {
		return err
	}
	result.Orphaned++
	return nil
}

func (e *Engine) applyLiked(ctx context.Context, rb instapaper.Bookmark, guard pendingGuard, result *FolderResult) error {
	existing, err := e.store.GetBookmark(ctx, rb.BookmarkID)
	if err != nil {
		return err
	}

	if existing == nil {
		if guard.located[rb.BookmarkID] || guard.starred[rb.BookmarkID] {
			return nil
		}
		b := fromRemote(rb, nil, e.store.OrphanedFolderDBID(), store.OrphanedFolderID)
		b.Starred = true
		if _, err := e.store.AddBookmark(ctx, b); err != nil {
			return err
		}
		result.Added++
		return nil
	}

	if existing.FolderDBID == e.store.OrphanedFolderDBID() && existing.Hash != rb.Hash && !guard.located[rb.BookmarkID] {
		updated := fromRemote(rb, existing, existing.FolderDBID, existing.FolderID)
		updated.Starred = existing.Starred
		if err := e.store.UpdateBookmark(ctx, updated, false); err != nil {
			return err
		}
		result.Updated++
	}

	if !existing.Starred && !guard.starred[rb.BookmarkID] {
		if _, err := e.store.LikeBookmark(ctx, rb.BookmarkID, true); err != nil {
			return err
		}
		result.Updated++
	}
	return nil
}

func (e *Engine) applyUnliked(ctx context.Context, id int64, guard pendingGuard) error {
	if guard.starred[id] {
		return nil
	}
	existing, err := e.store.GetBookmark(ctx, id)
	if err != nil || existing == nil || !existing.Starred {
		return err
	}
	_, err = e.store.UnlikeBookmark(ctx, id, true)
	return err
}

// uploadLeftovers replays edits no folder step picked up, such as deletes of
// orphaned bookmarks.
func (e *Engine) uploadLeftovers(ctx context.Context) error {
	pending, err := e.store.GetPendingBookmarkEdits(unitCtx(ctx), 0)
	if err != nil {
		return fmt.Errorf("failed to get pending bookmark edits: %w", err)
	}
	pending.Adds = nil
	if pending.Len() == 0 {
		return nil
	}
	if err := checkCancelled(ctx); err != nil {
		return err
	}
	logger.Debug("sync: uploading %d remaining edits", pending.Len())
	_, err = e.uploadEdits(unitCtx(ctx), pending)
	return err
}

// removeOrphans deletes unstarred bookmarks left in Orphaned once every
// folder had a chance to claim them.
func (e *Engine) removeOrphans(ctx context.Context) (int, error) {
	orphans, err := e.store.ListCurrentBookmarks(ctx, e.store.OrphanedFolderDBID())
	if err != nil {
		return 0, fmt.Errorf("failed to list orphaned bookmarks: %w", err)
	}

	var removed int
	var errs []error
	for _, b := range orphans {
		if b.Starred {
			continue
		}
		if err := e.store.RemoveBookmark(ctx, b.BookmarkID, true); err != nil && !errors.Is(err, store.ErrBookmarkNotFound) {
			errs = append(errs, fmt.Errorf("bookmark %d: %w", b.BookmarkID, err))
			continue
		}
		removed++
	}
	if removed > 0 {
		logger.Debug("sync: removed %d orphaned bookmarks", removed)
	}
	return removed, errors.Join(errs...)
}

// fromRemote converts a remote bookmark into a local row. Local-only fields
// are carried over from existing when it is set.
func fromRemote(rb instapaper.Bookmark, existing *store.Bookmark, folderDBID int64, folderID string) store.Bookmark {
	var b store.Bookmark
	if existing != nil {
		b = *existing
	}
	b.BookmarkID = rb.BookmarkID
	b.FolderDBID = folderDBID
	b.FolderID = folderID
	b.Title = rb.Title
	b.URL = rb.URL
	b.Description = rb.Description
	b.Hash = rb.Hash
	b.Progress = rb.Progress
	b.ProgressTimestamp = rb.ProgressTimestamp
	b.Starred = bool(rb.Starred)
	return b
}
