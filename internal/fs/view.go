package fs

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"syscall"

	"github.com/JohanCodinha/storyvoid/internal/logger"
	"github.com/JohanCodinha/storyvoid/internal/md"
	"github.com/JohanCodinha/storyvoid/internal/store"
)

const (
	// maxTitleLength is the maximum length for sanitized titles in filenames.
	maxTitleLength = 50
	// maxFileSize is the maximum allowed file size (10MB) to prevent unbounded memory growth.
	maxFileSize = 10 * 1024 * 1024
)

// filenameRegex matches bookmark filenames in the format: title[id].md
// Local placeholder ids are negative.
var filenameRegex = regexp.MustCompile(`^(.+)\[(-?\d+)\]\.md$`)

// newBookmarkFilenameRegex matches new bookmark filenames in the format: title[new].md
var newBookmarkFilenameRegex = regexp.MustCompile(`^(.+)\[new\]\.md$`)

// sanitizeTitle converts a bookmark title to a filesystem-safe filename component.
// It lowercases, replaces spaces with dashes, removes special characters,
// and truncates to maxTitleLength characters.
func sanitizeTitle(title string) string {
	result := strings.ToLower(title)
	result = strings.ReplaceAll(result, " ", "-")

	var sb strings.Builder
	for _, r := range result {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' {
			sb.WriteRune(r)
		}
	}
	result = sb.String()

	for strings.Contains(result, "--") {
		result = strings.ReplaceAll(result, "--", "-")
	}
	result = strings.Trim(result, "-")

	if len(result) > maxTitleLength {
		result = result[:maxTitleLength]
		result = strings.TrimSuffix(result, "-")
	}

	if result == "" {
		result = "bookmark"
	}
	return result
}

// makeFilename creates a filename from a bookmark title and id.
// Format: sanitized-title[id].md
func makeFilename(title string, id int64) string {
	return fmt.Sprintf("%s[%d].md", sanitizeTitle(title), id)
}

// parseFilename extracts the bookmark id from a filename.
func parseFilename(name string) (int64, bool) {
	matches := filenameRegex.FindStringSubmatch(name)
	if len(matches) < 3 {
		return 0, false
	}
	id, err := strconv.ParseInt(matches[2], 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// parseNewBookmarkFilename checks if a filename is for a new bookmark
// (title[new].md format) and returns the title portion.
func parseNewBookmarkFilename(name string) (string, bool) {
	matches := newBookmarkFilenameRegex.FindStringSubmatch(name)
	if len(matches) < 2 {
		return "", false
	}
	return matches[1], true
}

// unsanitizeTitle converts a sanitized filename back to a human-readable title.
func unsanitizeTitle(sanitized string) string {
	words := strings.Fields(strings.ReplaceAll(sanitized, "-", " "))
	for i, word := range words {
		words[i] = strings.ToUpper(word[:1]) + word[1:]
	}
	return strings.Join(words, " ")
}

// dirName is the directory name of a folder.
func dirName(title string) string {
	name := strings.ReplaceAll(title, "/", "-")
	if name == "" || name == "." || name == ".." {
		name = "folder"
	}
	return name
}

// errNotADirectory is returned when a name does not match any folder.
var errNotADirectory = errors.New("no such folder")

// view maps filesystem operations onto store operations. It holds no state
// of its own; every call reads the store.
type view struct {
	store   *store.Store
	onDirty func()
}

func (v *view) dirty() {
	if v.onDirty != nil {
		v.onDirty()
	}
}

func (v *view) folders(ctx context.Context) ([]store.Folder, error) {
	return v.store.ListCurrentFolders(ctx)
}

func (v *view) folderByName(ctx context.Context, name string) (*store.Folder, error) {
	folders, err := v.folders(ctx)
	if err != nil {
		return nil, err
	}
	for _, f := range folders {
		if dirName(f.Title) == name {
			return &f, nil
		}
	}
	return nil, errNotADirectory
}

func (v *view) folder(ctx context.Context, id int64) (store.Folder, error) {
	f, err := v.store.GetFolder(ctx, id)
	if err != nil {
		return store.Folder{}, err
	}
	if f == nil {
		return store.Folder{}, store.ErrFolderNotFound
	}
	return *f, nil
}

func (v *view) bookmarks(ctx context.Context, folderDBID int64) ([]store.Bookmark, error) {
	return v.store.ListCurrentBookmarks(ctx, folderDBID)
}

// bookmarkByName resolves a filename inside folderDBID. The title part is
// not checked so a renamed remote title still resolves.
func (v *view) bookmarkByName(ctx context.Context, folderDBID int64, name string) (*store.Bookmark, error) {
	id, ok := parseFilename(name)
	if !ok {
		return nil, store.ErrBookmarkNotFound
	}
	b, err := v.store.GetBookmark(ctx, id)
	if err != nil {
		return nil, err
	}
	if b == nil || !v.inFolder(*b, folderDBID) {
		return nil, store.ErrBookmarkNotFound
	}
	return b, nil
}

func (v *view) inFolder(b store.Bookmark, folderDBID int64) bool {
	if folderDBID == v.store.LikedFolderDBID() {
		return b.Starred
	}
	return b.FolderDBID == folderDBID
}

// content renders a bookmark file.
func (v *view) content(ctx context.Context, id int64) (string, *store.Bookmark, error) {
	b, err := v.store.GetBookmark(ctx, id)
	if err != nil {
		return "", nil, err
	}
	if b == nil {
		return "", nil, store.ErrBookmarkNotFound
	}

	folderTitle := ""
	if f, err := v.store.GetFolder(ctx, b.FolderDBID); err == nil && f != nil {
		folderTitle = f.Title
	}
	edits, err := v.store.GetPendingBookmarkEditsFor(ctx, id)
	if err != nil {
		return "", nil, err
	}
	return md.ToMarkdown(*b, folderTitle, len(edits) > 0), b, nil
}

func (v *view) mkdir(ctx context.Context, name string) (store.Folder, error) {
	f, err := v.store.AddFolder(ctx, store.Folder{Title: name}, false)
	if err != nil {
		return store.Folder{}, err
	}
	logger.Info("fs: created folder %q", name)
	v.dirty()
	return f, nil
}

func (v *view) rmdir(ctx context.Context, name string) error {
	f, err := v.folderByName(ctx, name)
	if err != nil {
		return err
	}
	if err := v.store.RemoveFolder(ctx, f.ID, false); err != nil {
		return err
	}
	logger.Info("fs: removed folder %q", f.Title)
	v.dirty()
	return nil
}

// unlink deletes a bookmark, or unlikes it when removed from the Liked folder.
func (v *view) unlink(ctx context.Context, folderDBID int64, name string) error {
	b, err := v.bookmarkByName(ctx, folderDBID, name)
	if err != nil {
		return err
	}

	if folderDBID == v.store.LikedFolderDBID() {
		_, err = v.store.UnlikeBookmark(ctx, b.BookmarkID, false)
	} else {
		err = v.store.RemoveBookmark(ctx, b.BookmarkID, false)
	}
	if err != nil {
		return err
	}
	logger.Debug("fs: unlinked bookmark %d from folder %d", b.BookmarkID, folderDBID)
	v.dirty()
	return nil
}

// rename moves a bookmark between folders. Moving into Liked likes it.
func (v *view) rename(ctx context.Context, fromDBID int64, name string, toDBID int64) error {
	if fromDBID == toDBID {
		return syscall.EPERM
	}
	b, err := v.bookmarkByName(ctx, fromDBID, name)
	if err != nil {
		return err
	}

	if toDBID == v.store.LikedFolderDBID() {
		_, err = v.store.LikeBookmark(ctx, b.BookmarkID, false)
	} else {
		_, err = v.store.MoveBookmark(ctx, b.BookmarkID, toDBID, false)
	}
	if err != nil {
		return err
	}
	logger.Debug("fs: moved bookmark %d from folder %d to %d", b.BookmarkID, fromDBID, toDBID)
	v.dirty()
	return nil
}

// save applies the edits made to a bookmark file.
func (v *view) save(ctx context.Context, id int64, content string) error {
	parsed, err := md.FromMarkdown(content)
	if err != nil {
		return fmt.Errorf("bookmark %d: %w", id, err)
	}
	b, err := v.store.GetBookmark(ctx, id)
	if err != nil {
		return err
	}
	if b == nil {
		return store.ErrBookmarkNotFound
	}

	changes := md.DetectChanges(*b, parsed)
	if !changes.Any() {
		return nil
	}
	if changes.StarredChanged {
		if changes.NewStarred {
			_, err = v.store.LikeBookmark(ctx, id, false)
		} else {
			_, err = v.store.UnlikeBookmark(ctx, id, false)
		}
		if err != nil {
			return err
		}
	}
	if changes.ProgressChanged {
		if _, err := v.store.UpdateReadProgress(ctx, id, changes.NewProgress); err != nil {
			return err
		}
	}
	v.dirty()
	return nil
}

// addNew saves the URL of a new-bookmark file. fallbackTitle is used when the
// file carries no title.
func (v *view) addNew(ctx context.Context, content, fallbackTitle string) error {
	nb, err := md.ParseNew(content)
	if err != nil {
		return err
	}
	title := nb.Title
	if title == "" {
		title = fallbackTitle
	}
	if _, err := v.store.AddURL(ctx, nb.URL, title); err != nil {
		return err
	}
	logger.Info("fs: saved %s", nb.URL)
	v.dirty()
	return nil
}

// errno maps store errors onto filesystem errors.
func errno(err error) syscall.Errno {
	var errno syscall.Errno
	switch {
	case err == nil:
		return 0
	case errors.As(err, &errno):
		return errno
	case errors.Is(err, errNotADirectory),
		errors.Is(err, store.ErrFolderNotFound),
		errors.Is(err, store.ErrBookmarkNotFound):
		return syscall.ENOENT
	case errors.Is(err, store.ErrFolderDuplicateTitle):
		return syscall.EEXIST
	case errors.Is(err, store.ErrInvalidDestinationFolder),
		errors.Is(err, store.ErrBuiltInFolder):
		return syscall.EPERM
	case errors.Is(err, store.ErrInvalidProgress):
		return syscall.EINVAL
	default:
		logger.Warn("fs: %v", err)
		return syscall.EIO
	}
}
