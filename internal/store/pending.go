package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// BookmarkEditType is the kind of a pending bookmark edit.
type BookmarkEditType string

const (
	BookmarkEditAdd    BookmarkEditType = "add"
	BookmarkEditDelete BookmarkEditType = "delete"
	BookmarkEditMove   BookmarkEditType = "move"
	BookmarkEditLike   BookmarkEditType = "like"
	BookmarkEditUnlike BookmarkEditType = "unlike"
)

// BookmarkPendingEdit records a local bookmark mutation not yet applied remotely.
type BookmarkPendingEdit struct {
	ID   int64
	Type BookmarkEditType

	// BookmarkID is zero for adds: the server has not assigned one yet.
	BookmarkID int64
	URL        string
	Title      string

	SourceFolderDBID      int64
	DestinationFolderDBID int64
}

// PendingBookmarkEdits groups pending edits by type. Empty groups are nil.
type PendingBookmarkEdits struct {
	Adds    []BookmarkPendingEdit
	Deletes []BookmarkPendingEdit
	Moves   []BookmarkPendingEdit
	Likes   []BookmarkPendingEdit
	Unlikes []BookmarkPendingEdit
}

// Len returns the number of edits across all groups.
func (p PendingBookmarkEdits) Len() int {
	return len(p.Adds) + len(p.Deletes) + len(p.Moves) + len(p.Likes) + len(p.Unlikes)
}

func (p *PendingBookmarkEdits) add(e BookmarkPendingEdit) {
	switch e.Type {
	case BookmarkEditAdd:
		p.Adds = append(p.Adds, e)
	case BookmarkEditDelete:
		p.Deletes = append(p.Deletes, e)
	case BookmarkEditMove:
		p.Moves = append(p.Moves, e)
	case BookmarkEditLike:
		p.Likes = append(p.Likes, e)
	case BookmarkEditUnlike:
		p.Unlikes = append(p.Unlikes, e)
	}
}

const bookmarkEditColumns = `id, type, bookmark_id, url, title, sourcefolder_dbid, destinationfolder_dbid`

func scanBookmarkEdit(s scanner) (*BookmarkPendingEdit, error) {
	var e BookmarkPendingEdit
	var editType string
	var bookmarkID, source, destination sql.NullInt64
	var url, title sql.NullString

	if err := s.Scan(&e.ID, &editType, &bookmarkID, &url, &title, &source, &destination); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan pending bookmark edit: %w", err)
	}
	e.Type = BookmarkEditType(editType)
	e.BookmarkID = bookmarkID.Int64
	e.URL = url.String
	e.Title = title.String
	e.SourceFolderDBID = source.Int64
	e.DestinationFolderDBID = destination.Int64
	return &e, nil
}

func queryBookmarkEdits(ctx context.Context, q queryer, query string, args ...any) ([]BookmarkPendingEdit, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending bookmark edits: %w", err)
	}
	defer rows.Close()

	var edits []BookmarkPendingEdit
	for rows.Next() {
		e, err := scanBookmarkEdit(rows)
		if err != nil {
			return nil, err
		}
		edits = append(edits, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating pending bookmark edit rows: %w", err)
	}
	return edits, nil
}

func bookmarkEditFor(ctx context.Context, q queryer, bookmarkID int64, editType BookmarkEditType) (*BookmarkPendingEdit, error) {
	row := q.QueryRowContext(ctx, `SELECT `+bookmarkEditColumns+` FROM bookmark_pending_edits
		WHERE bookmark_id = ? AND type = ? ORDER BY id ASC LIMIT 1`, bookmarkID, string(editType))
	return scanBookmarkEdit(row)
}

func insertBookmarkEdit(ctx context.Context, q queryer, e BookmarkPendingEdit) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO bookmark_pending_edits (type, bookmark_id, url, title, sourcefolder_dbid, destinationfolder_dbid)
		VALUES (?, ?, ?, ?, ?, ?)`,
		string(e.Type), nullInt64(e.BookmarkID), nullString(e.URL), nullString(e.Title),
		nullInt64(e.SourceFolderDBID), nullInt64(e.DestinationFolderDBID))
	if err != nil {
		return fmt.Errorf("failed to add pending bookmark edit: %w", err)
	}
	return nil
}

func deleteBookmarkEdit(ctx context.Context, q queryer, id int64) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM bookmark_pending_edits WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to remove pending bookmark edit: %w", err)
	}
	return nil
}

// AddURL journals a bookmark to be created on the server. No bookmark row
// exists until the upload returns the server-assigned id.
func (s *Store) AddURL(ctx context.Context, url, title string) (BookmarkPendingEdit, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return BookmarkPendingEdit{}, errors.New("add url: url is empty")
	}

	edit := BookmarkPendingEdit{Type: BookmarkEditAdd, URL: url, Title: title}
	err := s.update(ctx, func(tx *txn) error {
		result, err := tx.ExecContext(ctx,
			`INSERT INTO bookmark_pending_edits (type, url, title) VALUES (?, ?, ?)`,
			string(BookmarkEditAdd), url, nullString(title))
		if err != nil {
			return fmt.Errorf("failed to add pending url: %w", err)
		}
		if edit.ID, err = result.LastInsertId(); err != nil {
			return fmt.Errorf("failed to get last insert id: %w", err)
		}
		tx.emit(Event{Kind: BookmarkChanged, Operation: OpAdd, FolderDBID: s.unreadDBID})
		return nil
	})
	if err != nil {
		return BookmarkPendingEdit{}, err
	}
	return edit, nil
}

// GetPendingBookmarkEdits returns pending bookmark edits grouped by type.
// A folderDBID of 0 returns every edit. Otherwise only edits whose source or
// destination is that folder are returned; adds always target Unread.
func (s *Store) GetPendingBookmarkEdits(ctx context.Context, folderDBID int64) (PendingBookmarkEdits, error) {
	var grouped PendingBookmarkEdits
	err := s.view(ctx, func(tx *txn) error {
		var edits []BookmarkPendingEdit
		var err error
		switch {
		case folderDBID == 0:
			edits, err = queryBookmarkEdits(ctx, tx,
				`SELECT `+bookmarkEditColumns+` FROM bookmark_pending_edits ORDER BY id ASC`)
		case folderDBID == s.unreadDBID:
			edits, err = queryBookmarkEdits(ctx, tx,
				`SELECT `+bookmarkEditColumns+` FROM bookmark_pending_edits
				 WHERE sourcefolder_dbid = ? OR destinationfolder_dbid = ? OR type = ?
				 ORDER BY id ASC`, folderDBID, folderDBID, string(BookmarkEditAdd))
		default:
			edits, err = queryBookmarkEdits(ctx, tx,
				`SELECT `+bookmarkEditColumns+` FROM bookmark_pending_edits
				 WHERE sourcefolder_dbid = ? OR destinationfolder_dbid = ?
				 ORDER BY id ASC`, folderDBID, folderDBID)
		}
		if err != nil {
			return err
		}
		for _, e := range edits {
			grouped.add(e)
		}
		return nil
	})
	return grouped, err
}

// GetPendingBookmarkEditsFor returns every pending edit of one bookmark.
func (s *Store) GetPendingBookmarkEditsFor(ctx context.Context, bookmarkID int64) ([]BookmarkPendingEdit, error) {
	var edits []BookmarkPendingEdit
	err := s.view(ctx, func(tx *txn) error {
		var err error
		edits, err = queryBookmarkEdits(ctx, tx,
			`SELECT `+bookmarkEditColumns+` FROM bookmark_pending_edits WHERE bookmark_id = ? ORDER BY id ASC`, bookmarkID)
		return err
	})
	return edits, err
}

// DeletePendingBookmarkEdit removes a bookmark edit once it reached the server.
func (s *Store) DeletePendingBookmarkEdit(ctx context.Context, id int64) error {
	return s.update(ctx, func(tx *txn) error {
		return deleteBookmarkEdit(ctx, tx, id)
	})
}

// HasPendingEdits reports whether any folder or bookmark edit is waiting for upload.
func (s *Store) HasPendingEdits(ctx context.Context) (bool, error) {
	var pending bool
	err := s.view(ctx, func(tx *txn) error {
		var n int
		if err := tx.QueryRowContext(ctx, `
			SELECT (SELECT COUNT(*) FROM folder_pending_edits) + (SELECT COUNT(*) FROM bookmark_pending_edits)`).Scan(&n); err != nil {
			return fmt.Errorf("failed to count pending edits: %w", err)
		}
		pending = n > 0
		return nil
	})
	return pending, err
}
