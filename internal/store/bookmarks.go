package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Bookmark is a local bookmark (article) row.
type Bookmark struct {
	BookmarkID int64 // remote id; negative for local placeholders
	FolderDBID int64
	FolderID   string // remote folder id mirror, may be stale until synced

	Title             string
	URL               string
	Description       string
	Hash              string
	Progress          float64
	ProgressTimestamp int64 // unix seconds
	Starred           bool

	// Written by the article downloader.
	ContentAvailableLocally bool
	LocalFolderRelativePath string
	HasImages               bool
	ExtractedDescription    string
	FirstImagePath          string
	FirstImageOriginalURL   string
	ArticleUnavailable      bool
	FailedToDownload        bool
}

const bookmarkColumns = `bookmark_id, folder_dbid, folder_id, title, url, description, hash,
	progress, progress_timestamp, starred, content_available_locally, local_folder_relative_path,
	has_images, extracted_description, first_image_path, first_image_original_url,
	article_unavailable, failed_to_download`

func scanBookmark(s scanner) (*Bookmark, error) {
	var b Bookmark
	var folderID, title, url, description, hash, localPath, extracted, firstImage, firstImageURL sql.NullString
	var progress sql.NullFloat64
	var progressTimestamp sql.NullInt64
	var starred, contentAvailable, hasImages, unavailable, failed int

	err := s.Scan(
		&b.BookmarkID,
		&b.FolderDBID,
		&folderID,
		&title,
		&url,
		&description,
		&hash,
		&progress,
		&progressTimestamp,
		&starred,
		&contentAvailable,
		&localPath,
		&hasImages,
		&extracted,
		&firstImage,
		&firstImageURL,
		&unavailable,
		&failed,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan bookmark: %w", err)
	}

	b.FolderID = folderID.String
	b.Title = title.String
	b.URL = url.String
	b.Description = description.String
	b.Hash = hash.String
	b.Progress = progress.Float64
	b.ProgressTimestamp = progressTimestamp.Int64
	b.Starred = starred == 1
	b.ContentAvailableLocally = contentAvailable == 1
	b.LocalFolderRelativePath = localPath.String
	b.HasImages = hasImages == 1
	b.ExtractedDescription = extracted.String
	b.FirstImagePath = firstImage.String
	b.FirstImageOriginalURL = firstImageURL.String
	b.ArticleUnavailable = unavailable == 1
	b.FailedToDownload = failed == 1
	return &b, nil
}

func queryBookmarks(ctx context.Context, q queryer, query string, args ...any) ([]Bookmark, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query bookmarks: %w", err)
	}
	defer rows.Close()

	bookmarks := []Bookmark{}
	for rows.Next() {
		b, err := scanBookmark(rows)
		if err != nil {
			return nil, err
		}
		bookmarks = append(bookmarks, *b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating bookmark rows: %w", err)
	}
	return bookmarks, nil
}

func bookmarkByID(ctx context.Context, q queryer, id int64) (*Bookmark, error) {
	row := q.QueryRowContext(ctx, `SELECT `+bookmarkColumns+` FROM bookmarks WHERE bookmark_id = ?`, id)
	return scanBookmark(row)
}

func bookmarkArgs(b Bookmark) []any {
	return []any{
		b.FolderDBID,
		nullString(b.FolderID),
		b.Title,
		b.URL,
		nullString(b.Description),
		nullString(b.Hash),
		b.Progress,
		b.ProgressTimestamp,
		boolToInt(b.Starred),
		boolToInt(b.ContentAvailableLocally),
		nullString(b.LocalFolderRelativePath),
		boolToInt(b.HasImages),
		nullString(b.ExtractedDescription),
		nullString(b.FirstImagePath),
		nullString(b.FirstImageOriginalURL),
		boolToInt(b.ArticleUnavailable),
		boolToInt(b.FailedToDownload),
	}
}

// ListCurrentBookmarks returns the bookmarks in a folder, ordered by id.
// A folderDBID of 0 returns every bookmark. The Liked folder is virtual: it
// lists every starred bookmark regardless of the folder it lives in.
func (s *Store) ListCurrentBookmarks(ctx context.Context, folderDBID int64) ([]Bookmark, error) {
	var bookmarks []Bookmark
	err := s.view(ctx, func(tx *txn) error {
		var err error
		switch {
		case folderDBID == 0:
			bookmarks, err = queryBookmarks(ctx, tx,
				`SELECT `+bookmarkColumns+` FROM bookmarks ORDER BY bookmark_id ASC`)
		case folderDBID == s.likedDBID:
			bookmarks, err = queryBookmarks(ctx, tx,
				`SELECT `+bookmarkColumns+` FROM bookmarks WHERE starred = 1 ORDER BY bookmark_id ASC`)
		default:
			bookmarks, err = queryBookmarks(ctx, tx,
				`SELECT `+bookmarkColumns+` FROM bookmarks WHERE folder_dbid = ? ORDER BY bookmark_id ASC`, folderDBID)
		}
		return err
	})
	return bookmarks, err
}

// GetBookmark returns the bookmark with the given id, or nil.
func (s *Store) GetBookmark(ctx context.Context, id int64) (*Bookmark, error) {
	var b *Bookmark
	err := s.view(ctx, func(tx *txn) error {
		var err error
		b, err = bookmarkByID(ctx, tx, id)
		return err
	})
	return b, err
}

// AddBookmark inserts a bookmark into the folder named by FolderDBID.
// A zero BookmarkID is replaced by a negative local placeholder id.
func (s *Store) AddBookmark(ctx context.Context, bookmark Bookmark) (Bookmark, error) {
	if bookmark.FolderDBID == 0 {
		return Bookmark{}, fmt.Errorf("add bookmark %d: %w", bookmark.BookmarkID, ErrMissingFolder)
	}

	err := s.update(ctx, func(tx *txn) error {
		folder, err := folderByID(ctx, tx, bookmark.FolderDBID)
		if err != nil {
			return err
		}
		if folder == nil {
			return fmt.Errorf("add bookmark %d: %w", bookmark.BookmarkID, ErrFolderNotFound)
		}
		if folder.ID == s.likedDBID {
			return fmt.Errorf("add bookmark %d: %w", bookmark.BookmarkID, ErrInvalidDestinationFolder)
		}
		if bookmark.FolderID == "" {
			bookmark.FolderID = folder.FolderID
		}

		if bookmark.BookmarkID == 0 {
			var minID sql.NullInt64
			if err := tx.QueryRowContext(ctx, `SELECT MIN(bookmark_id) FROM bookmarks WHERE bookmark_id < 0`).Scan(&minID); err != nil {
				return fmt.Errorf("failed to allocate local bookmark id: %w", err)
			}
			bookmark.BookmarkID = minID.Int64 - 1
			if !minID.Valid {
				bookmark.BookmarkID = -1
			}
		}

		args := append([]any{bookmark.BookmarkID}, bookmarkArgs(bookmark)...)
		if _, err := tx.ExecContext(ctx, `INSERT INTO bookmarks (`+bookmarkColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, args...); err != nil {
			return fmt.Errorf("failed to insert bookmark %d: %w", bookmark.BookmarkID, err)
		}

		snapshot := bookmark
		tx.emit(Event{
			Kind:       BookmarkChanged,
			Operation:  OpAdd,
			BookmarkID: bookmark.BookmarkID,
			FolderDBID: bookmark.FolderDBID,
			Bookmark:   &snapshot,
		})
		return nil
	})
	if err != nil {
		return Bookmark{}, err
	}
	return bookmark, nil
}

// UpdateBookmark overwrites the stored bookmark with the same id.
func (s *Store) UpdateBookmark(ctx context.Context, bookmark Bookmark, suppressEvent bool) error {
	if bookmark.FolderDBID == 0 {
		return fmt.Errorf("update bookmark %d: %w", bookmark.BookmarkID, ErrMissingFolder)
	}

	return s.update(ctx, func(tx *txn) error {
		args := append(bookmarkArgs(bookmark), bookmark.BookmarkID)
		result, err := tx.ExecContext(ctx, `
			UPDATE bookmarks SET
				folder_dbid = ?, folder_id = ?, title = ?, url = ?, description = ?, hash = ?,
				progress = ?, progress_timestamp = ?, starred = ?, content_available_locally = ?,
				local_folder_relative_path = ?, has_images = ?, extracted_description = ?,
				first_image_path = ?, first_image_original_url = ?, article_unavailable = ?,
				failed_to_download = ?
			WHERE bookmark_id = ?`, args...)
		if err != nil {
			return fmt.Errorf("failed to update bookmark: %w", err)
		}
		if n, err := result.RowsAffected(); err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		} else if n == 0 {
			return fmt.Errorf("update bookmark %d: %w", bookmark.BookmarkID, ErrBookmarkNotFound)
		}

		if !suppressEvent {
			snapshot := bookmark
			tx.emit(Event{
				Kind:       BookmarkChanged,
				Operation:  OpUpdate,
				BookmarkID: bookmark.BookmarkID,
				FolderDBID: bookmark.FolderDBID,
				Bookmark:   &snapshot,
			})
		}
		return nil
	})
}

// RemoveBookmark deletes a bookmark and its pending adds, moves and deletes.
// Pending likes and unlikes survive so they still reach the server. Unless
// fromServer is set, a delete is journaled.
func (s *Store) RemoveBookmark(ctx context.Context, id int64, fromServer bool) error {
	return s.update(ctx, func(tx *txn) error {
		bookmark, err := bookmarkByID(ctx, tx, id)
		if err != nil {
			return err
		}
		if bookmark == nil {
			return fmt.Errorf("remove bookmark %d: %w", id, ErrBookmarkNotFound)
		}

		if _, err := tx.ExecContext(ctx,
			`DELETE FROM bookmark_pending_edits WHERE bookmark_id = ? AND type NOT IN (?, ?)`,
			id, string(BookmarkEditLike), string(BookmarkEditUnlike)); err != nil {
			return fmt.Errorf("failed to discard pending edits: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM bookmarks WHERE bookmark_id = ?`, id); err != nil {
			return fmt.Errorf("failed to delete bookmark: %w", err)
		}

		if !fromServer {
			if err := insertBookmarkEdit(ctx, tx, BookmarkPendingEdit{
				Type:             BookmarkEditDelete,
				BookmarkID:       id,
				SourceFolderDBID: bookmark.FolderDBID,
			}); err != nil {
				return err
			}
		}

		snapshot := *bookmark
		tx.emit(Event{
			Kind:             BookmarkChanged,
			Operation:        OpDelete,
			BookmarkID:       id,
			FolderDBID:       bookmark.FolderDBID,
			SourceFolderDBID: bookmark.FolderDBID,
			Bookmark:         &snapshot,
		})
		return nil
	})
}

// MoveBookmark moves a bookmark to another folder.
//
// Unless fromServer is set, the move is journaled. Repeated moves collapse
// into a single pending move that keeps the folder the bookmark was in
// before the first unsynced move, even when it ends up back there.
func (s *Store) MoveBookmark(ctx context.Context, id, destinationDBID int64, fromServer bool) (Bookmark, error) {
	var moved Bookmark
	err := s.update(ctx, func(tx *txn) error {
		destination, err := folderByID(ctx, tx, destinationDBID)
		if err != nil {
			return err
		}
		if destination == nil {
			return fmt.Errorf("move bookmark %d: %w", id, ErrFolderNotFound)
		}
		if destination.ID == s.likedDBID || (!fromServer && destination.ID == s.orphanedDBID) {
			return fmt.Errorf("move bookmark %d to %q: %w", id, destination.Title, ErrInvalidDestinationFolder)
		}

		bookmark, err := bookmarkByID(ctx, tx, id)
		if err != nil {
			return err
		}
		if bookmark == nil {
			return fmt.Errorf("move bookmark %d: %w", id, ErrBookmarkNotFound)
		}

		moved = *bookmark
		if bookmark.FolderDBID == destination.ID {
			return nil
		}

		source := bookmark.FolderDBID
		moved.FolderDBID = destination.ID
		moved.FolderID = destination.FolderID
		if _, err := tx.ExecContext(ctx,
			`UPDATE bookmarks SET folder_dbid = ?, folder_id = ? WHERE bookmark_id = ?`,
			moved.FolderDBID, nullString(moved.FolderID), id); err != nil {
			return fmt.Errorf("failed to move bookmark: %w", err)
		}

		if !fromServer {
			originalSource := source
			existing, err := bookmarkEditFor(ctx, tx, id, BookmarkEditMove)
			if err != nil {
				return err
			}
			if existing != nil {
				originalSource = existing.SourceFolderDBID
				if err := deleteBookmarkEdit(ctx, tx, existing.ID); err != nil {
					return err
				}
			}
			if err := insertBookmarkEdit(ctx, tx, BookmarkPendingEdit{
				Type:                  BookmarkEditMove,
				BookmarkID:            id,
				SourceFolderDBID:      originalSource,
				DestinationFolderDBID: destination.ID,
			}); err != nil {
				return err
			}
		}

		snapshot := moved
		tx.emit(Event{
			Kind:                  BookmarkChanged,
			Operation:             OpMove,
			BookmarkID:            id,
			FolderDBID:            destination.ID,
			SourceFolderDBID:      source,
			DestinationFolderDBID: destination.ID,
			Bookmark:              &snapshot,
		})
		return nil
	})
	return moved, err
}

// LikeBookmark stars a bookmark. See setStarred.
func (s *Store) LikeBookmark(ctx context.Context, id int64, skipPendingEdit bool) (Bookmark, error) {
	return s.setStarred(ctx, id, true, skipPendingEdit)
}

// UnlikeBookmark unstars a bookmark. See setStarred.
func (s *Store) UnlikeBookmark(ctx context.Context, id int64, skipPendingEdit bool) (Bookmark, error) {
	return s.setStarred(ctx, id, false, skipPendingEdit)
}

// setStarred flips the starred flag. A bookmark already in the requested
// state is returned unchanged. A pending edit in the opposite direction is
// cancelled instead of journaling a new one, so at most one like-or-unlike
// is ever pending per bookmark.
func (s *Store) setStarred(ctx context.Context, id int64, starred, skipPendingEdit bool) (Bookmark, error) {
	editType, opposite, op := BookmarkEditLike, BookmarkEditUnlike, OpLike
	if !starred {
		editType, opposite, op = BookmarkEditUnlike, BookmarkEditLike, OpUnlike
	}

	var result Bookmark
	err := s.update(ctx, func(tx *txn) error {
		bookmark, err := bookmarkByID(ctx, tx, id)
		if err != nil {
			return err
		}
		if bookmark == nil {
			return fmt.Errorf("%s bookmark %d: %w", op, id, ErrBookmarkNotFound)
		}

		result = *bookmark
		if bookmark.Starred != starred {
			result.Starred = starred
			if _, err := tx.ExecContext(ctx, `UPDATE bookmarks SET starred = ? WHERE bookmark_id = ?`,
				boolToInt(starred), id); err != nil {
				return fmt.Errorf("failed to update starred: %w", err)
			}

			pendingOpposite, err := bookmarkEditFor(ctx, tx, id, opposite)
			if err != nil {
				return err
			}
			switch {
			case pendingOpposite != nil:
				if err := deleteBookmarkEdit(ctx, tx, pendingOpposite.ID); err != nil {
					return err
				}
			case !skipPendingEdit:
				if err := insertBookmarkEdit(ctx, tx, BookmarkPendingEdit{
					Type:             editType,
					BookmarkID:       id,
					SourceFolderDBID: bookmark.FolderDBID,
				}); err != nil {
					return err
				}
			}
		}

		snapshot := result
		tx.emit(Event{
			Kind:       BookmarkChanged,
			Operation:  op,
			BookmarkID: id,
			FolderDBID: result.FolderDBID,
			Bookmark:   &snapshot,
		})
		return nil
	})
	return result, err
}

// UpdateReadProgress records reading progress and replaces the hash with a
// fresh value, so the next list call's have-list no longer matches the
// server's hash and the server re-evaluates the bookmark.
func (s *Store) UpdateReadProgress(ctx context.Context, id int64, progress float64) (Bookmark, error) {
	if progress < 0 || progress > 1 {
		return Bookmark{}, fmt.Errorf("update progress of bookmark %d to %v: %w", id, progress, ErrInvalidProgress)
	}

	var result Bookmark
	err := s.update(ctx, func(tx *txn) error {
		bookmark, err := bookmarkByID(ctx, tx, id)
		if err != nil {
			return err
		}
		if bookmark == nil {
			return fmt.Errorf("update progress of bookmark %d: %w", id, ErrBookmarkNotFound)
		}

		result = *bookmark
		result.Progress = progress
		result.ProgressTimestamp = time.Now().Unix()
		result.Hash = uuid.NewString()

		if _, err := tx.ExecContext(ctx,
			`UPDATE bookmarks SET progress = ?, progress_timestamp = ?, hash = ? WHERE bookmark_id = ?`,
			result.Progress, result.ProgressTimestamp, result.Hash, id); err != nil {
			return fmt.Errorf("failed to update progress: %w", err)
		}

		snapshot := result
		tx.emit(Event{
			Kind:       BookmarkChanged,
			Operation:  OpUpdate,
			BookmarkID: id,
			FolderDBID: result.FolderDBID,
			Bookmark:   &snapshot,
		})
		return nil
	})
	return result, err
}

// ArticleState is the part of a bookmark written by the article downloader.
type ArticleState struct {
	ContentAvailableLocally bool
	LocalFolderRelativePath string
	HasImages               bool
	ExtractedDescription    string
	FirstImagePath          string
	FirstImageOriginalURL   string
	ArticleUnavailable      bool
	FailedToDownload        bool
}

// ArticleState returns the article fields of b.
func (b Bookmark) ArticleState() ArticleState {
	return ArticleState{
		ContentAvailableLocally: b.ContentAvailableLocally,
		LocalFolderRelativePath: b.LocalFolderRelativePath,
		HasImages:               b.HasImages,
		ExtractedDescription:    b.ExtractedDescription,
		FirstImagePath:          b.FirstImagePath,
		FirstImageOriginalURL:   b.FirstImageOriginalURL,
		ArticleUnavailable:      b.ArticleUnavailable,
		FailedToDownload:        b.FailedToDownload,
	}
}

// UpdateArticleState writes only the article fields of a bookmark, leaving
// fields a concurrent sync may have changed untouched.
func (s *Store) UpdateArticleState(ctx context.Context, id int64, state ArticleState) (Bookmark, error) {
	var result Bookmark
	err := s.update(ctx, func(tx *txn) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE bookmarks SET
				content_available_locally = ?, local_folder_relative_path = ?, has_images = ?,
				extracted_description = ?, first_image_path = ?, first_image_original_url = ?,
				article_unavailable = ?, failed_to_download = ?
			WHERE bookmark_id = ?`,
			boolToInt(state.ContentAvailableLocally), nullString(state.LocalFolderRelativePath),
			boolToInt(state.HasImages), nullString(state.ExtractedDescription),
			nullString(state.FirstImagePath), nullString(state.FirstImageOriginalURL),
			boolToInt(state.ArticleUnavailable), boolToInt(state.FailedToDownload), id)
		if err != nil {
			return fmt.Errorf("failed to update article state: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		} else if n == 0 {
			return fmt.Errorf("update article of bookmark %d: %w", id, ErrBookmarkNotFound)
		}

		b, err := bookmarkByID(ctx, tx, id)
		if err != nil {
			return err
		}
		result = *b
		snapshot := result
		tx.emit(Event{
			Kind:       BookmarkChanged,
			Operation:  OpUpdate,
			BookmarkID: id,
			FolderDBID: result.FolderDBID,
			Bookmark:   &snapshot,
		})
		return nil
	})
	return result, err
}
