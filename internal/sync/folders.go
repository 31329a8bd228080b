package sync

import (
	"context"
	"errors"
	"fmt"

	"github.com/JohanCodinha/storyvoid/internal/instapaper"
	"github.com/JohanCodinha/storyvoid/internal/logger"
	"github.com/JohanCodinha/storyvoid/internal/store"
)

// syncFolders applies the remote folder list locally, then uploads pending
// folder adds and deletes. Failures are recorded in the report; the returned
// error is non-nil only when ctx was cancelled.
func (e *Engine) syncFolders(ctx context.Context) (*FolderReport, error) {
	report := &FolderReport{}

	if err := e.applyRemoteFolders(ctx, report); err != nil {
		if c := checkCancelled(ctx); c != nil {
			return report, c
		}
		// Without the remote list uploads could create duplicates.
		report.Err = err
		return report, nil
	}

	var errs []error
	if err := e.uploadFolderEdits(ctx, report, &errs); err != nil {
		report.Err = errors.Join(errs...)
		return report, err
	}
	report.Err = errors.Join(errs...)
	return report, nil
}

func (e *Engine) applyRemoteFolders(ctx context.Context, report *FolderReport) error {
	uctx := unitCtx(ctx)

	remote, err := e.remote.ListFolders(uctx)
	if err != nil {
		return fmt.Errorf("failed to list remote folders: %w", err)
	}
	logger.Debug("sync: fetched %d folders", len(remote))

	local, err := e.store.ListCurrentFolders(uctx)
	if err != nil {
		return fmt.Errorf("failed to list local folders: %w", err)
	}
	pending, err := e.store.GetPendingFolderEdits(uctx)
	if err != nil {
		return fmt.Errorf("failed to get pending folder edits: %w", err)
	}

	pendingDeletes := make(map[string]bool)
	for _, edit := range pending {
		if edit.Type == store.FolderEditDelete {
			pendingDeletes[edit.RemovedFolderID] = true
		}
	}

	byFolderID := make(map[string]store.Folder)
	for _, f := range local {
		if f.FolderID != "" {
			byFolderID[f.FolderID] = f
		}
	}

	var errs []error
	remoteIDs := make(map[string]bool)
	var unknown []instapaper.Folder

	// Updates first so that a title moving between folders is freed before
	// inserts look for collisions.
	for _, rf := range remote {
		id := rf.FolderID.String()
		remoteIDs[id] = true
		if pendingDeletes[id] {
			logger.Debug("sync: skipping remote folder %s, deletion pending", id)
			continue
		}

		lf, ok := byFolderID[id]
		if !ok {
			unknown = append(unknown, rf)
			continue
		}
		if lf.Title == rf.Title && lf.Position == rf.Position {
			continue
		}
		lf.Title = rf.Title
		lf.Position = rf.Position
		if err := e.store.UpdateFolder(uctx, lf); err != nil {
			errs = append(errs, fmt.Errorf("folder %s: %w", id, err))
			continue
		}
		report.Updated++
	}

	// Removals before inserts so a folder recreated remotely under the same
	// title can take the place of the deleted one.
	for _, lf := range local {
		if lf.FolderID == "" || lf.LocalOnly || store.IsWellKnownFolderID(lf.FolderID) || remoteIDs[lf.FolderID] {
			continue
		}
		if err := e.store.RemoveFolder(uctx, lf.ID, true); err != nil {
			errs = append(errs, fmt.Errorf("folder %s: %w", lf.FolderID, err))
			continue
		}
		logger.Debug("sync: removed folder %q, deleted remotely", lf.Title)
		report.Removed++
	}

	for _, rf := range unknown {
		id := rf.FolderID.String()
		existing, err := e.store.GetFolderByTitle(uctx, rf.Title)
		if err != nil {
			errs = append(errs, fmt.Errorf("folder %s: %w", id, err))
			continue
		}
		if existing != nil && existing.FolderID == "" {
			if err := e.adoptFolder(uctx, *existing, rf); err != nil {
				errs = append(errs, fmt.Errorf("folder %s: %w", id, err))
			}
			continue
		}

		_, err = e.store.AddFolder(uctx, store.Folder{FolderID: id, Title: rf.Title, Position: rf.Position}, true)
		if err != nil {
			errs = append(errs, fmt.Errorf("folder %s: %w", id, err))
			continue
		}
		logger.Debug("sync: added remote folder %q (%s)", rf.Title, id)
		report.Added++
	}

	return errors.Join(errs...)
}

// adoptFolder gives an unsynced local folder the identity of the remote
// folder with the same title and consumes its pending add.
func (e *Engine) adoptFolder(ctx context.Context, local store.Folder, remote instapaper.Folder) error {
	local.FolderID = remote.FolderID.String()
	local.Position = remote.Position
	if err := e.store.UpdateFolder(ctx, local); err != nil {
		return err
	}

	pending, err := e.store.GetPendingFolderEdits(ctx)
	if err != nil {
		return err
	}
	for _, edit := range pending {
		if edit.Type == store.FolderEditAdd && edit.FolderDBID == local.ID {
			if err := e.store.DeletePendingFolderEdit(ctx, edit.ID); err != nil {
				return err
			}
		}
	}
	logger.Debug("sync: local folder %q adopted remote id %s", local.Title, local.FolderID)
	return nil
}

// uploadFolderEdits replays pending folder edits. Each edit is one unit.
func (e *Engine) uploadFolderEdits(ctx context.Context, report *FolderReport, errs *[]error) error {
	pending, err := e.store.GetPendingFolderEdits(unitCtx(ctx))
	if err != nil {
		*errs = append(*errs, fmt.Errorf("failed to get pending folder edits: %w", err))
		return nil
	}
	if len(pending) == 0 {
		logger.Debug("sync: no pending folder edits")
		return nil
	}

	logger.Debug("sync: uploading %d pending folder edits", len(pending))
	for _, edit := range pending {
		if err := checkCancelled(ctx); err != nil {
			return err
		}

		var err error
		switch edit.Type {
		case store.FolderEditAdd:
			err = e.uploadFolderAdd(unitCtx(ctx), edit)
		case store.FolderEditDelete:
			err = e.uploadFolderDelete(unitCtx(ctx), edit)
		default:
			err = fmt.Errorf("unknown folder edit type %q", edit.Type)
		}
		if err != nil {
			*errs = append(*errs, fmt.Errorf("folder %s %q: %w", edit.Type, edit.Title, err))
			continue
		}
		report.Uploaded++
	}
	return nil
}

func (e *Engine) uploadFolderAdd(ctx context.Context, edit store.FolderPendingEdit) error {
	folder, err := e.store.GetFolder(ctx, edit.FolderDBID)
	if err != nil {
		return err
	}
	if folder == nil {
		logger.Debug("sync: dropping add of missing folder %d", edit.FolderDBID)
		return e.store.DeletePendingFolderEdit(ctx, edit.ID)
	}

	remote, err := e.remote.AddFolder(ctx, folder.Title)
	if instapaper.IsDuplicate(err) {
		remote, err = e.findRemoteFolder(ctx, folder.Title)
	}
	if err != nil {
		return err
	}

	folder.FolderID = remote.FolderID.String()
	folder.Position = remote.Position
	if err := e.store.UpdateFolder(ctx, *folder); err != nil {
		return err
	}
	logger.Debug("sync: uploaded folder %q as %s", folder.Title, folder.FolderID)
	return e.store.DeletePendingFolderEdit(ctx, edit.ID)
}

func (e *Engine) findRemoteFolder(ctx context.Context, title string) (*instapaper.Folder, error) {
	remote, err := e.remote.ListFolders(ctx)
	if err != nil {
		return nil, err
	}
	for _, rf := range remote {
		if rf.Title == title {
			return &rf, nil
		}
	}
	return nil, fmt.Errorf("server reported a duplicate of %q but does not list it", title)
}

func (e *Engine) uploadFolderDelete(ctx context.Context, edit store.FolderPendingEdit) error {
	err := e.remote.DeleteFolder(ctx, edit.RemovedFolderID)
	if err != nil && !instapaper.IsFolderNotFound(err) {
		return err
	}
	logger.Debug("sync: deleted remote folder %s", edit.RemovedFolderID)
	return e.store.DeletePendingFolderEdit(ctx, edit.ID)
}
