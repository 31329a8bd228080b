package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/JohanCodinha/storyvoid/internal/logger"
)

// Folder is a local folder row.
type Folder struct {
	ID        int64  // local surrogate key
	FolderID  string // remote id; empty until synced
	Title     string
	Position  int64 // 0 when the server sent none
	LocalOnly bool
}

// FolderEditType is the kind of a pending folder edit.
type FolderEditType string

const (
	FolderEditAdd    FolderEditType = "add"
	FolderEditDelete FolderEditType = "delete"
)

// FolderPendingEdit records a local folder mutation not yet applied remotely.
type FolderPendingEdit struct {
	ID   int64
	Type FolderEditType

	// FolderDBID is set for adds.
	FolderDBID int64
	// RemovedFolderID is set for deletes: the remote id the folder had.
	RemovedFolderID string
	Title           string
}

const folderColumns = `id, folder_id, title, position, local_only`

func scanFolder(s scanner) (*Folder, error) {
	var f Folder
	var folderID sql.NullString
	var position sql.NullInt64
	var localOnly int

	if err := s.Scan(&f.ID, &folderID, &f.Title, &position, &localOnly); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan folder: %w", err)
	}
	f.FolderID = folderID.String
	f.Position = position.Int64
	f.LocalOnly = localOnly == 1
	return &f, nil
}

func queryFolders(ctx context.Context, q queryer, query string, args ...any) ([]Folder, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query folders: %w", err)
	}
	defer rows.Close()

	folders := []Folder{}
	for rows.Next() {
		f, err := scanFolder(rows)
		if err != nil {
			return nil, err
		}
		folders = append(folders, *f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating folder rows: %w", err)
	}
	return folders, nil
}

func folderByID(ctx context.Context, q queryer, id int64) (*Folder, error) {
	row := q.QueryRowContext(ctx, `SELECT `+folderColumns+` FROM folders WHERE id = ?`, id)
	return scanFolder(row)
}

func folderByFolderID(ctx context.Context, q queryer, folderID string) (*Folder, error) {
	row := q.QueryRowContext(ctx, `SELECT `+folderColumns+` FROM folders WHERE folder_id = ?`, folderID)
	return scanFolder(row)
}

func folderByTitle(ctx context.Context, q queryer, title string) (*Folder, error) {
	row := q.QueryRowContext(ctx, `SELECT `+folderColumns+` FROM folders WHERE title = ? LIMIT 1`, title)
	return scanFolder(row)
}

func insertFolder(ctx context.Context, q queryer, f Folder) (Folder, error) {
	result, err := q.ExecContext(ctx,
		`INSERT INTO folders (folder_id, title, position, local_only) VALUES (?, ?, ?, ?)`,
		nullString(f.FolderID), f.Title, f.Position, boolToInt(f.LocalOnly))
	if err != nil {
		return Folder{}, fmt.Errorf("failed to insert folder: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return Folder{}, fmt.Errorf("failed to get last insert id: %w", err)
	}
	f.ID = id
	return f, nil
}

// ListCurrentFolders returns every folder, built-ins first.
func (s *Store) ListCurrentFolders(ctx context.Context) ([]Folder, error) {
	var folders []Folder
	err := s.view(ctx, func(tx *txn) error {
		var err error
		folders, err = queryFolders(ctx, tx, `SELECT `+folderColumns+` FROM folders ORDER BY id ASC`)
		return err
	})
	return folders, err
}

// GetFolder returns the folder with the given surrogate id, or nil.
func (s *Store) GetFolder(ctx context.Context, id int64) (*Folder, error) {
	var f *Folder
	err := s.view(ctx, func(tx *txn) error {
		var err error
		f, err = folderByID(ctx, tx, id)
		return err
	})
	return f, err
}

// GetFolderByFolderID returns the folder with the given remote id, or nil.
func (s *Store) GetFolderByFolderID(ctx context.Context, folderID string) (*Folder, error) {
	var f *Folder
	err := s.view(ctx, func(tx *txn) error {
		var err error
		f, err = folderByFolderID(ctx, tx, folderID)
		return err
	})
	return f, err
}

// GetFolderByTitle returns the folder with the given title, or nil.
func (s *Store) GetFolderByTitle(ctx context.Context, title string) (*Folder, error) {
	var f *Folder
	err := s.view(ctx, func(tx *txn) error {
		var err error
		f, err = folderByTitle(ctx, tx, title)
		return err
	})
	return f, err
}

// AddFolder inserts a folder.
//
// A title already in use fails with ErrFolderDuplicateTitle. If a pending
// delete exists for a folder with the same title, that delete is consumed.
// A local add (no FolderID) then comes back with the deleted folder's remote
// id; a folder that already carries a remote id keeps it. Otherwise, unless
// skipPendingEdit is set, an add is journaled for upload.
func (s *Store) AddFolder(ctx context.Context, folder Folder, skipPendingEdit bool) (Folder, error) {
	var added Folder
	err := s.update(ctx, func(tx *txn) error {
		existing, err := folderByTitle(ctx, tx, folder.Title)
		if err != nil {
			return err
		}
		if existing != nil {
			return fmt.Errorf("add folder %q: %w", folder.Title, ErrFolderDuplicateTitle)
		}

		pendingDelete, err := folderEditByTitle(ctx, tx, FolderEditDelete, folder.Title)
		if err != nil {
			return err
		}

		if pendingDelete != nil {
			resurrected := folder.FolderID == ""
			if resurrected {
				folder.FolderID = pendingDelete.RemovedFolderID
			}
			added, err = insertFolder(ctx, tx, folder)
			if err != nil {
				return err
			}
			if err := deleteFolderEdit(ctx, tx, pendingDelete.ID); err != nil {
				return err
			}
			if resurrected {
				logger.Debug("store: folder %q resurrected as %s", folder.Title, folder.FolderID)
			} else {
				logger.Debug("store: folder %q replaces deleted %s", folder.Title, pendingDelete.RemovedFolderID)
			}
		} else {
			added, err = insertFolder(ctx, tx, folder)
			if err != nil {
				return err
			}
			if !skipPendingEdit {
				if err := insertFolderEdit(ctx, tx, FolderPendingEdit{
					Type:       FolderEditAdd,
					FolderDBID: added.ID,
					Title:      added.Title,
				}); err != nil {
					return err
				}
			}
		}

		snapshot := added
		tx.emit(Event{Kind: FolderChanged, Operation: OpAdd, FolderDBID: added.ID, Folder: &snapshot})
		return nil
	})
	return added, err
}

// UpdateFolder overwrites the folder row with the same surrogate id.
func (s *Store) UpdateFolder(ctx context.Context, folder Folder) error {
	return s.update(ctx, func(tx *txn) error {
		result, err := tx.ExecContext(ctx,
			`UPDATE folders SET folder_id = ?, title = ?, position = ?, local_only = ? WHERE id = ?`,
			nullString(folder.FolderID), folder.Title, folder.Position, boolToInt(folder.LocalOnly), folder.ID)
		if err != nil {
			return fmt.Errorf("failed to update folder: %w", err)
		}
		if n, err := result.RowsAffected(); err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		} else if n == 0 {
			return fmt.Errorf("update folder %d: %w", folder.ID, ErrFolderNotFound)
		}

		snapshot := folder
		tx.emit(Event{Kind: FolderChanged, Operation: OpUpdate, FolderDBID: folder.ID, Folder: &snapshot})
		return nil
	})
}

// RemoveFolder deletes a folder.
//
// Removing a folder whose add was never uploaded drops that add and leaves
// nothing to sync. Otherwise, unless skipPendingEdit is set, a delete
// capturing the folder's remote id and title is journaled. Bookmarks still
// in the folder move to the Orphaned folder.
func (s *Store) RemoveFolder(ctx context.Context, id int64, skipPendingEdit bool) error {
	return s.update(ctx, func(tx *txn) error {
		folder, err := folderByID(ctx, tx, id)
		if err != nil {
			return err
		}
		if folder == nil {
			return fmt.Errorf("remove folder %d: %w", id, ErrFolderNotFound)
		}
		if IsWellKnownFolderID(folder.FolderID) {
			return fmt.Errorf("remove folder %q: %w", folder.Title, ErrBuiltInFolder)
		}

		if err := s.orphanBookmarks(ctx, tx, folder.ID); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM folders WHERE id = ?`, id); err != nil {
			return fmt.Errorf("failed to delete folder: %w", err)
		}

		pendingAdd, err := folderEditByFolder(ctx, tx, FolderEditAdd, id)
		if err != nil {
			return err
		}

		switch {
		case pendingAdd != nil:
			if err := deleteFolderEdit(ctx, tx, pendingAdd.ID); err != nil {
				return err
			}
		case !skipPendingEdit && folder.FolderID != "":
			if err := insertFolderEdit(ctx, tx, FolderPendingEdit{
				Type:            FolderEditDelete,
				RemovedFolderID: folder.FolderID,
				Title:           folder.Title,
			}); err != nil {
				return err
			}
		}

		snapshot := *folder
		tx.emit(Event{Kind: FolderChanged, Operation: OpDelete, FolderDBID: id, Folder: &snapshot})
		return nil
	})
}

// orphanBookmarks moves every bookmark in folderDBID to the Orphaned folder
// without journaling moves.
func (s *Store) orphanBookmarks(ctx context.Context, tx *txn, folderDBID int64) error {
	bookmarks, err := queryBookmarks(ctx, tx, `SELECT `+bookmarkColumns+` FROM bookmarks WHERE folder_dbid = ?`, folderDBID)
	if err != nil {
		return err
	}
	if len(bookmarks) == 0 {
		return nil
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE bookmarks SET folder_dbid = ?, folder_id = ? WHERE folder_dbid = ?`,
		s.orphanedDBID, OrphanedFolderID, folderDBID); err != nil {
		return fmt.Errorf("failed to orphan bookmarks: %w", err)
	}

	for _, b := range bookmarks {
		b.FolderDBID = s.orphanedDBID
		b.FolderID = OrphanedFolderID
		snapshot := b
		tx.emit(Event{
			Kind:                  BookmarkChanged,
			Operation:             OpMove,
			BookmarkID:            b.BookmarkID,
			SourceFolderDBID:      folderDBID,
			DestinationFolderDBID: s.orphanedDBID,
			Bookmark:              &snapshot,
		})
	}
	return nil
}

// GetPendingFolderEdits returns every pending folder edit in journal order.
func (s *Store) GetPendingFolderEdits(ctx context.Context) ([]FolderPendingEdit, error) {
	var edits []FolderPendingEdit
	err := s.view(ctx, func(tx *txn) error {
		var err error
		edits, err = queryFolderEdits(ctx, tx,
			`SELECT id, type, folder_dbid, removed_folder_id, title FROM folder_pending_edits ORDER BY id ASC`)
		return err
	})
	return edits, err
}

// DeletePendingFolderEdit removes a folder edit once it reached the server.
func (s *Store) DeletePendingFolderEdit(ctx context.Context, id int64) error {
	return s.update(ctx, func(tx *txn) error {
		return deleteFolderEdit(ctx, tx, id)
	})
}

func queryFolderEdits(ctx context.Context, q queryer, query string, args ...any) ([]FolderPendingEdit, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending folder edits: %w", err)
	}
	defer rows.Close()

	var edits []FolderPendingEdit
	for rows.Next() {
		e, err := scanFolderEdit(rows)
		if err != nil {
			return nil, err
		}
		edits = append(edits, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating pending folder edit rows: %w", err)
	}
	return edits, nil
}

func scanFolderEdit(s scanner) (*FolderPendingEdit, error) {
	var e FolderPendingEdit
	var editType string
	var folderDBID sql.NullInt64
	var removedFolderID, title sql.NullString

	if err := s.Scan(&e.ID, &editType, &folderDBID, &removedFolderID, &title); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan pending folder edit: %w", err)
	}
	e.Type = FolderEditType(editType)
	e.FolderDBID = folderDBID.Int64
	e.RemovedFolderID = removedFolderID.String
	e.Title = title.String
	return &e, nil
}

func folderEditByTitle(ctx context.Context, q queryer, editType FolderEditType, title string) (*FolderPendingEdit, error) {
	row := q.QueryRowContext(ctx,
		`SELECT id, type, folder_dbid, removed_folder_id, title FROM folder_pending_edits
		 WHERE type = ? AND title = ? ORDER BY id ASC LIMIT 1`, string(editType), title)
	return scanFolderEdit(row)
}

func folderEditByFolder(ctx context.Context, q queryer, editType FolderEditType, folderDBID int64) (*FolderPendingEdit, error) {
	row := q.QueryRowContext(ctx,
		`SELECT id, type, folder_dbid, removed_folder_id, title FROM folder_pending_edits
		 WHERE type = ? AND folder_dbid = ? ORDER BY id ASC LIMIT 1`, string(editType), folderDBID)
	return scanFolderEdit(row)
}

func insertFolderEdit(ctx context.Context, q queryer, e FolderPendingEdit) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO folder_pending_edits (type, folder_dbid, removed_folder_id, title) VALUES (?, ?, ?, ?)`,
		string(e.Type), nullInt64(e.FolderDBID), nullString(e.RemovedFolderID), e.Title)
	if err != nil {
		return fmt.Errorf("failed to add pending folder edit: %w", err)
	}
	return nil
}

func deleteFolderEdit(ctx context.Context, q queryer, id int64) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM folder_pending_edits WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to remove pending folder edit: %w", err)
	}
	return nil
}
