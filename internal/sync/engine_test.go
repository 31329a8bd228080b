package sync

import (
	"context"
	"errors"
	"path/filepath"
	gosync "sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/JohanCodinha/storyvoid/internal/article"
	"github.com/JohanCodinha/storyvoid/internal/instapaper"
	"github.com/JohanCodinha/storyvoid/internal/store"
	"github.com/google/go-cmp/cmp"
)

type testEnv struct {
	store  *store.Store
	mock   *instapaper.MockServer
	engine *Engine
}

func setupTest(t *testing.T, opts Options) *testEnv {
	t.Helper()

	st, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	mock := instapaper.NewMockServer()
	t.Cleanup(mock.Close)

	engine := NewEngine(st, instapaper.NewWithBaseURL("test-token", mock.URL), opts)
	t.Cleanup(engine.Stop)

	return &testEnv{store: st, mock: mock, engine: engine}
}

func (env *testEnv) sync(t *testing.T) *Report {
	t.Helper()

	report, err := env.engine.Sync(context.Background(), SyncOptions{})
	if err != nil {
		t.Fatalf("Sync() unexpected error: %v", err)
	}
	return report
}

func (env *testEnv) bookmark(t *testing.T, id int64) *store.Bookmark {
	t.Helper()

	b, err := env.store.GetBookmark(context.Background(), id)
	if err != nil {
		t.Fatalf("GetBookmark(%d) unexpected error: %v", id, err)
	}
	return b
}

func (env *testEnv) folder(t *testing.T, folderID string) store.Folder {
	t.Helper()

	f, err := env.store.GetFolderByFolderID(context.Background(), folderID)
	if err != nil {
		t.Fatalf("GetFolderByFolderID(%s) unexpected error: %v", folderID, err)
	}
	if f == nil {
		t.Fatalf("folder %s not found locally", folderID)
	}
	return *f
}

func (env *testEnv) assertNoPendingEdits(t *testing.T) {
	t.Helper()

	pending, err := env.store.HasPendingEdits(context.Background())
	if err != nil {
		t.Fatalf("HasPendingEdits() unexpected error: %v", err)
	}
	if pending {
		edits, _ := env.store.GetPendingBookmarkEdits(context.Background(), 0)
		folders, _ := env.store.GetPendingFolderEdits(context.Background())
		t.Errorf("expected no pending edits, got bookmarks=%+v folders=%+v", edits, folders)
	}
}

// =============================================================================
// Folder Tests
// =============================================================================

func TestSync_PullsFoldersAndBookmarks(t *testing.T) {
	env := setupTest(t, Options{})

	reading := env.mock.AddFolder("Reading")
	unread := env.mock.AddBookmark(instapaper.Bookmark{URL: "https://example.com/a", Title: "A"}, "unread")
	archived := env.mock.AddBookmark(instapaper.Bookmark{URL: "https://example.com/b", Title: "B"}, "archive")
	inFolder := env.mock.AddBookmark(instapaper.Bookmark{URL: "https://example.com/c", Title: "C"}, reading)
	liked := env.mock.AddBookmark(instapaper.Bookmark{URL: "https://example.com/d", Title: "D", Starred: true}, "unread")

	report := env.sync(t)
	if report.Folders == nil || report.Folders.Added != 1 {
		t.Errorf("unexpected folder report %+v", report.Folders)
	}

	readingFolder := env.folder(t, reading)
	if readingFolder.Title != "Reading" {
		t.Errorf("folder title = %q, want %q", readingFolder.Title, "Reading")
	}

	tests := []struct {
		id      int64
		folder  int64
		starred bool
	}{
		{unread.BookmarkID, env.store.UnreadFolderDBID(), false},
		{archived.BookmarkID, env.store.ArchiveFolderDBID(), false},
		{inFolder.BookmarkID, readingFolder.ID, false},
		{liked.BookmarkID, env.store.UnreadFolderDBID(), true},
	}
	for _, tt := range tests {
		b := env.bookmark(t, tt.id)
		if b == nil {
			t.Errorf("bookmark %d not pulled", tt.id)
			continue
		}
		if b.FolderDBID != tt.folder || b.Starred != tt.starred {
			t.Errorf("bookmark %d: folder=%d starred=%v, want folder=%d starred=%v",
				tt.id, b.FolderDBID, b.Starred, tt.folder, tt.starred)
		}
	}

	likedLocal, err := env.store.ListCurrentBookmarks(context.Background(), env.store.LikedFolderDBID())
	if err != nil {
		t.Fatalf("ListCurrentBookmarks() unexpected error: %v", err)
	}
	if len(likedLocal) != 1 || likedLocal[0].BookmarkID != liked.BookmarkID {
		t.Errorf("liked folder = %+v, want only bookmark %d", likedLocal, liked.BookmarkID)
	}

	// A second run sees nothing new.
	report = env.sync(t)
	if report.Folders.Added != 0 || report.Folders.Updated != 0 {
		t.Errorf("second sync changed folders: %+v", report.Folders)
	}
	for _, res := range report.Bookmarks {
		if res.Added != 0 || res.Updated != 0 || res.Moved != 0 {
			t.Errorf("second sync changed bookmarks in %q: %+v", res.Title, res)
		}
	}
}

func TestSync_UploadsLocalFolder(t *testing.T) {
	env := setupTest(t, Options{})
	ctx := context.Background()

	local, err := env.store.AddFolder(ctx, store.Folder{Title: "Local"}, false)
	if err != nil {
		t.Fatalf("AddFolder() unexpected error: %v", err)
	}

	report := env.sync(t)
	if report.Folders.Uploaded != 1 {
		t.Errorf("Uploaded = %d, want 1", report.Folders.Uploaded)
	}

	remote := env.mock.Folders()
	if len(remote) != 1 || remote[0].Title != "Local" {
		t.Fatalf("remote folders = %+v, want [Local]", remote)
	}
	got, err := env.store.GetFolder(ctx, local.ID)
	if err != nil || got == nil {
		t.Fatalf("GetFolder() = %v, %v", got, err)
	}
	if got.FolderID != remote[0].FolderID.String() {
		t.Errorf("local folder_id = %q, want %q", got.FolderID, remote[0].FolderID)
	}
	env.assertNoPendingEdits(t)

	env.sync(t)
	if n := len(env.mock.Folders()); n != 1 {
		t.Errorf("second sync created duplicates: %d remote folders", n)
	}
}

func TestSync_AdoptsRemoteFolderWithSameTitle(t *testing.T) {
	env := setupTest(t, Options{})
	ctx := context.Background()

	remoteID := env.mock.AddFolder("Shared")
	local, err := env.store.AddFolder(ctx, store.Folder{Title: "Shared"}, false)
	if err != nil {
		t.Fatalf("AddFolder() unexpected error: %v", err)
	}

	env.sync(t)

	if calls := env.mock.Calls("folders/add"); calls != 0 {
		t.Errorf("folders/add called %d times, want 0", calls)
	}
	got, _ := env.store.GetFolder(ctx, local.ID)
	if got == nil || got.FolderID != remoteID {
		t.Errorf("local folder = %+v, want folder_id %s", got, remoteID)
	}
	env.assertNoPendingEdits(t)
}

func TestSync_DuplicateFolderOnUploadIsAdopted(t *testing.T) {
	env := setupTest(t, Options{})
	ctx := context.Background()

	local, err := env.store.AddFolder(ctx, store.Folder{Title: "Race"}, false)
	if err != nil {
		t.Fatalf("AddFolder() unexpected error: %v", err)
	}

	// Another client creates the folder between our list and our add.
	var mu gosync.Mutex
	var remoteID string
	env.mock.SetHook(func(method string) {
		mu.Lock()
		defer mu.Unlock()
		if method == "folders/add" && remoteID == "" {
			remoteID = env.mock.AddFolder("Race")
		}
	})

	env.sync(t)

	mu.Lock()
	defer mu.Unlock()
	got, _ := env.store.GetFolder(ctx, local.ID)
	if got == nil || got.FolderID != remoteID {
		t.Errorf("local folder = %+v, want folder_id %s", got, remoteID)
	}
	if n := len(env.mock.Folders()); n != 1 {
		t.Errorf("remote folders = %d, want 1", n)
	}
	env.assertNoPendingEdits(t)
}

func TestSync_ServerWinsOnFolderTitle(t *testing.T) {
	env := setupTest(t, Options{})

	id := env.mock.AddFolder("Before")
	env.sync(t)

	env.mock.RenameFolder(id, "After")
	report := env.sync(t)

	if report.Folders.Updated != 1 {
		t.Errorf("Updated = %d, want 1", report.Folders.Updated)
	}
	if got := env.folder(t, id).Title; got != "After" {
		t.Errorf("title = %q, want %q", got, "After")
	}
}

func TestSync_RemoteFolderDeletion(t *testing.T) {
	env := setupTest(t, Options{})

	id := env.mock.AddFolder("Old")
	b := env.mock.AddBookmark(instapaper.Bookmark{URL: "https://example.com/old", Title: "Old"}, id)
	env.sync(t)

	env.mock.RemoveFolder(id)
	report := env.sync(t)

	if report.Folders.Removed != 1 {
		t.Errorf("Removed = %d, want 1", report.Folders.Removed)
	}
	f, _ := env.store.GetFolderByFolderID(context.Background(), id)
	if f != nil {
		t.Errorf("folder should be gone locally, got %+v", f)
	}
	// The server archives bookmarks of deleted folders.
	got := env.bookmark(t, b.BookmarkID)
	if got == nil || got.FolderDBID != env.store.ArchiveFolderDBID() {
		t.Errorf("bookmark = %+v, want it in Archive", got)
	}
	if report.OrphansRemoved != 0 {
		t.Errorf("OrphansRemoved = %d, want 0", report.OrphansRemoved)
	}
}

func TestSync_UploadsFolderDelete(t *testing.T) {
	env := setupTest(t, Options{})
	ctx := context.Background()

	id := env.mock.AddFolder("Doomed")
	b := env.mock.AddBookmark(instapaper.Bookmark{URL: "https://example.com/doomed", Title: "Doomed"}, id)
	env.sync(t)

	if err := env.store.RemoveFolder(ctx, env.folder(t, id).ID, false); err != nil {
		t.Fatalf("RemoveFolder() unexpected error: %v", err)
	}

	env.sync(t)

	if n := len(env.mock.Folders()); n != 0 {
		t.Errorf("remote folders = %d, want 0", n)
	}
	got := env.bookmark(t, b.BookmarkID)
	if got == nil || got.FolderDBID != env.store.ArchiveFolderDBID() {
		t.Errorf("bookmark = %+v, want it in Archive", got)
	}
	env.assertNoPendingEdits(t)
}

func TestSync_FolderRecreatedRemotelyWithSameTitle(t *testing.T) {
	env := setupTest(t, Options{})

	oldID := env.mock.AddFolder("X")
	env.sync(t)

	env.mock.RemoveFolder(oldID)
	newID := env.mock.AddFolder("X")

	report := env.sync(t)
	if err := report.Err(); err != nil {
		t.Fatalf("Sync() report error: %v", err)
	}
	if report.Folders.Removed != 1 || report.Folders.Added != 1 {
		t.Errorf("folder report = %+v, want 1 removed and 1 added", report.Folders)
	}
	if got := env.folder(t, newID); got.Title != "X" {
		t.Errorf("title = %q, want X", got.Title)
	}
	if f, _ := env.store.GetFolderByFolderID(context.Background(), oldID); f != nil {
		t.Errorf("stale folder %s should be gone, got %+v", oldID, f)
	}
}

func TestSync_DeletedLocallyAndRecreatedRemotely(t *testing.T) {
	env := setupTest(t, Options{})
	ctx := context.Background()

	oldID := env.mock.AddFolder("X")
	env.sync(t)

	if err := env.store.RemoveFolder(ctx, env.folder(t, oldID).ID, false); err != nil {
		t.Fatalf("RemoveFolder() unexpected error: %v", err)
	}
	env.mock.RemoveFolder(oldID)
	newID := env.mock.AddFolder("X")

	report := env.sync(t)
	if err := report.Err(); err != nil {
		t.Fatalf("Sync() report error: %v", err)
	}

	local, err := env.store.GetFolderByTitle(ctx, "X")
	if err != nil {
		t.Fatalf("GetFolderByTitle() unexpected error: %v", err)
	}
	if local == nil || local.FolderID != newID {
		t.Errorf("local X = %+v, want folder_id %s", local, newID)
	}
	if calls := env.mock.Calls("folders/delete"); calls != 0 {
		t.Errorf("folders/delete called %d times, want 0", calls)
	}
	env.assertNoPendingEdits(t)
}

// =============================================================================
// Bookmark Upload Tests
// =============================================================================

func TestSync_UploadsNewURL(t *testing.T) {
	env := setupTest(t, Options{})
	ctx := context.Background()

	if _, err := env.store.AddURL(ctx, "https://example.com/new", "New"); err != nil {
		t.Fatalf("AddURL() unexpected error: %v", err)
	}

	report := env.sync(t)
	if report.AddsUploaded != 1 {
		t.Errorf("AddsUploaded = %d, want 1", report.AddsUploaded)
	}

	remote := env.mock.Bookmarks()
	if len(remote) != 1 || remote[0].URL != "https://example.com/new" || remote[0].FolderID != "unread" {
		t.Fatalf("remote bookmarks = %+v", remote)
	}
	got := env.bookmark(t, remote[0].BookmarkID)
	if got == nil || got.FolderDBID != env.store.UnreadFolderDBID() || got.Title != "New" {
		t.Errorf("local bookmark = %+v", got)
	}
	env.assertNoPendingEdits(t)
}

func TestSync_LikedThenRemovedLocally(t *testing.T) {
	tests := []struct {
		name       string
		fromServer bool
	}{
		{name: "with delete edit", fromServer: false},
		{name: "without delete edit", fromServer: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setupTest(t, Options{})
			ctx := context.Background()

			rb := env.mock.AddBookmark(instapaper.Bookmark{URL: "https://example.com/x", Title: "X"}, "unread")
			env.sync(t)

			if _, err := env.store.LikeBookmark(ctx, rb.BookmarkID, false); err != nil {
				t.Fatalf("LikeBookmark() unexpected error: %v", err)
			}
			if err := env.store.RemoveBookmark(ctx, rb.BookmarkID, tt.fromServer); err != nil {
				t.Fatalf("RemoveBookmark() unexpected error: %v", err)
			}

			var mu gosync.Mutex
			var mutations []string
			env.mock.SetHook(func(method string) {
				if method == "bookmarks/star" || method == "bookmarks/delete" {
					mu.Lock()
					mutations = append(mutations, method)
					mu.Unlock()
				}
			})

			env.sync(t)

			mu.Lock()
			defer mu.Unlock()
			if tt.fromServer {
				if diff := cmp.Diff([]string{"bookmarks/star"}, mutations); diff != "" {
					t.Errorf("remote mutations mismatch (-want +got):\n%s", diff)
				}
				remote, ok := env.mock.GetBookmark(rb.BookmarkID)
				if !ok || !bool(remote.Starred) {
					t.Errorf("remote bookmark should exist and be starred: %+v (found %v)", remote, ok)
				}
			} else {
				if diff := cmp.Diff([]string{"bookmarks/star", "bookmarks/delete"}, mutations); diff != "" {
					t.Errorf("remote mutations mismatch (-want +got):\n%s", diff)
				}
				if _, ok := env.mock.GetBookmark(rb.BookmarkID); ok {
					t.Error("remote bookmark should be deleted")
				}
			}
			env.assertNoPendingEdits(t)
		})
	}
}

func TestSync_DoubleMoveUploadsOnce(t *testing.T) {
	env := setupTest(t, Options{})
	ctx := context.Background()

	first := env.mock.AddFolder("First")
	second := env.mock.AddFolder("Second")
	rb := env.mock.AddBookmark(instapaper.Bookmark{URL: "https://example.com/m", Title: "M"}, "unread")
	env.sync(t)

	for _, dest := range []string{first, second} {
		if _, err := env.store.MoveBookmark(ctx, rb.BookmarkID, env.folder(t, dest).ID, false); err != nil {
			t.Fatalf("MoveBookmark() unexpected error: %v", err)
		}
	}

	env.sync(t)

	if calls := env.mock.Calls("bookmarks/move"); calls != 1 {
		t.Errorf("bookmarks/move called %d times, want 1", calls)
	}
	remote, _ := env.mock.GetBookmark(rb.BookmarkID)
	if remote.FolderID != second {
		t.Errorf("remote folder = %q, want %q", remote.FolderID, second)
	}
	got := env.bookmark(t, rb.BookmarkID)
	if got == nil || got.FolderDBID != env.folder(t, second).ID || got.Hash != remote.Hash {
		t.Errorf("local bookmark = %+v, want it in %q with hash %s", got, "Second", remote.Hash)
	}
	env.assertNoPendingEdits(t)
}

func TestSync_ArchiveUsesArchiveCall(t *testing.T) {
	env := setupTest(t, Options{})
	ctx := context.Background()

	rb := env.mock.AddBookmark(instapaper.Bookmark{URL: "https://example.com/r", Title: "R"}, "unread")
	env.sync(t)

	if _, err := env.store.MoveBookmark(ctx, rb.BookmarkID, env.store.ArchiveFolderDBID(), false); err != nil {
		t.Fatalf("MoveBookmark() unexpected error: %v", err)
	}
	env.sync(t)

	if calls := env.mock.Calls("bookmarks/archive"); calls != 1 {
		t.Errorf("bookmarks/archive called %d times, want 1", calls)
	}
	if calls := env.mock.Calls("bookmarks/move"); calls != 0 {
		t.Errorf("bookmarks/move called %d times, want 0", calls)
	}
	remote, _ := env.mock.GetBookmark(rb.BookmarkID)
	if remote.FolderID != "archive" {
		t.Errorf("remote folder = %q, want archive", remote.FolderID)
	}
}

func TestSync_DropsEditsForBookmarkGoneRemotely(t *testing.T) {
	env := setupTest(t, Options{})
	ctx := context.Background()

	rb := env.mock.AddBookmark(instapaper.Bookmark{URL: "https://example.com/g", Title: "G"}, "unread")
	env.sync(t)

	env.mock.RemoveBookmark(rb.BookmarkID)
	if _, err := env.store.LikeBookmark(ctx, rb.BookmarkID, false); err != nil {
		t.Fatalf("LikeBookmark() unexpected error: %v", err)
	}

	report := env.sync(t)
	if err := report.Err(); err != nil {
		t.Errorf("report.Err() = %v, want nil", err)
	}
	if got := env.bookmark(t, rb.BookmarkID); got != nil {
		t.Errorf("bookmark should be removed locally, got %+v", got)
	}
	env.assertNoPendingEdits(t)
}

// =============================================================================
// Bookmark Download Tests
// =============================================================================

func TestSync_RemoteDeleteRemovesLocalBookmark(t *testing.T) {
	env := setupTest(t, Options{})

	rb := env.mock.AddBookmark(instapaper.Bookmark{URL: "https://example.com/d", Title: "D"}, "unread")
	env.sync(t)

	env.mock.RemoveBookmark(rb.BookmarkID)
	report := env.sync(t)

	if report.OrphansRemoved != 1 {
		t.Errorf("OrphansRemoved = %d, want 1", report.OrphansRemoved)
	}
	if got := env.bookmark(t, rb.BookmarkID); got != nil {
		t.Errorf("bookmark should be removed, got %+v", got)
	}
}

func TestSync_RemoteMoveBetweenFolders(t *testing.T) {
	env := setupTest(t, Options{})

	rb := env.mock.AddBookmark(instapaper.Bookmark{URL: "https://example.com/mv", Title: "Mv"}, "unread")
	env.sync(t)

	env.mock.UpdateBookmark(rb.BookmarkID, func(b *instapaper.MockBookmark) { b.FolderID = "archive" })
	report := env.sync(t)

	got := env.bookmark(t, rb.BookmarkID)
	if got == nil || got.FolderDBID != env.store.ArchiveFolderDBID() {
		t.Errorf("bookmark = %+v, want it in Archive", got)
	}
	if report.OrphansRemoved != 0 {
		t.Errorf("OrphansRemoved = %d, want 0", report.OrphansRemoved)
	}
}

func TestSync_RemoteChangesKeepArticleState(t *testing.T) {
	env := setupTest(t, Options{})
	ctx := context.Background()

	rb := env.mock.AddBookmark(instapaper.Bookmark{URL: "https://example.com/p", Title: "P"}, "unread")
	env.sync(t)

	state := store.ArticleState{ContentAvailableLocally: true, LocalFolderRelativePath: "p.html"}
	if _, err := env.store.UpdateArticleState(ctx, rb.BookmarkID, state); err != nil {
		t.Fatalf("UpdateArticleState() unexpected error: %v", err)
	}

	env.mock.UpdateBookmark(rb.BookmarkID, func(b *instapaper.MockBookmark) {
		b.Title = "P, revised"
		b.Progress = 0.5
		b.ProgressTimestamp = time.Now().Unix() + 60
	})
	env.sync(t)

	got := env.bookmark(t, rb.BookmarkID)
	if got == nil {
		t.Fatal("bookmark missing")
	}
	if got.Title != "P, revised" || got.Progress != 0.5 {
		t.Errorf("remote changes not applied: %+v", got)
	}
	if diff := cmp.Diff(state, got.ArticleState()); diff != "" {
		t.Errorf("article state mismatch (-want +got):\n%s", diff)
	}
}

func TestSync_RemoteUnstar(t *testing.T) {
	env := setupTest(t, Options{})

	rb := env.mock.AddBookmark(instapaper.Bookmark{URL: "https://example.com/s", Title: "S", Starred: true}, "unread")
	env.sync(t)
	if got := env.bookmark(t, rb.BookmarkID); got == nil || !got.Starred {
		t.Fatalf("bookmark should be starred after first sync: %+v", got)
	}

	env.mock.UpdateBookmark(rb.BookmarkID, func(b *instapaper.MockBookmark) { b.Starred = false })
	env.sync(t)

	if got := env.bookmark(t, rb.BookmarkID); got == nil || got.Starred {
		t.Errorf("bookmark should be unstarred: %+v", got)
	}
}

func TestSync_LikedBeyondFolderLimitLandsInOrphaned(t *testing.T) {
	limits := DefaultLimits()
	limits.Unread = 1
	env := setupTest(t, Options{Limits: limits})

	old := env.mock.AddBookmark(instapaper.Bookmark{URL: "https://example.com/old", Title: "Old", Starred: true}, "unread")
	env.mock.AddBookmark(instapaper.Bookmark{URL: "https://example.com/new", Title: "New"}, "unread")

	env.sync(t)

	got := env.bookmark(t, old.BookmarkID)
	if got == nil {
		t.Fatal("liked bookmark not pulled")
	}
	if got.FolderDBID != env.store.OrphanedFolderDBID() || !got.Starred {
		t.Errorf("bookmark = %+v, want starred in Orphaned", got)
	}

	// Starred orphans survive cleanup.
	env.sync(t)
	if env.bookmark(t, old.BookmarkID) == nil {
		t.Error("starred orphan was removed")
	}
}

// =============================================================================
// Failure Tests
// =============================================================================

func TestSync_FolderFailureIsIsolated(t *testing.T) {
	env := setupTest(t, Options{})
	ctx := context.Background()

	dest := env.mock.AddFolder("Dest")
	rb := env.mock.AddBookmark(instapaper.Bookmark{URL: "https://example.com/f", Title: "F"}, "unread")
	archived := env.mock.AddBookmark(instapaper.Bookmark{URL: "https://example.com/ar", Title: "Ar"}, "archive")
	env.sync(t)

	destFolder := env.folder(t, dest)
	if _, err := env.store.MoveBookmark(ctx, rb.BookmarkID, destFolder.ID, false); err != nil {
		t.Fatalf("MoveBookmark() unexpected error: %v", err)
	}
	env.mock.UpdateBookmark(archived.BookmarkID, func(b *instapaper.MockBookmark) { b.Title = "Ar, revised" })
	env.mock.SetMethodError("bookmarks/move", instapaper.CodeServiceError)

	report, err := env.engine.Sync(ctx, SyncOptions{})
	if err == nil {
		t.Fatal("expected error")
	}
	var apiErr *instapaper.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != instapaper.CodeServiceError {
		t.Errorf("error should carry the service error, got %v", err)
	}

	failed := make(map[string]bool)
	for _, res := range report.Bookmarks {
		failed[res.Title] = res.Err != nil
	}
	want := map[string]bool{"Home": true, "Archive": false, "Liked": false, "Dest": true}
	if diff := cmp.Diff(want, failed); diff != "" {
		t.Errorf("folder failures mismatch (-want +got):\n%s", diff)
	}

	// Other folders still synced and local intent survived.
	if got := env.bookmark(t, archived.BookmarkID); got == nil || got.Title != "Ar, revised" {
		t.Errorf("archive not synced: %+v", got)
	}
	if got := env.bookmark(t, rb.BookmarkID); got == nil || got.FolderDBID != destFolder.ID {
		t.Errorf("pending move was overwritten: %+v", got)
	}

	env.mock.ClearMethodErrors()
	env.sync(t)

	remote, _ := env.mock.GetBookmark(rb.BookmarkID)
	if remote.FolderID != dest {
		t.Errorf("remote folder = %q, want %q", remote.FolderID, dest)
	}
	env.assertNoPendingEdits(t)
}

func TestSync_FailedRunKeepsOrphans(t *testing.T) {
	env := setupTest(t, Options{})

	rb := env.mock.AddBookmark(instapaper.Bookmark{URL: "https://example.com/k", Title: "K"}, "unread")
	env.sync(t)

	// Unread lists fine and orphans the bookmark; Archive fails.
	env.mock.RemoveBookmark(rb.BookmarkID)
	var lists atomic.Int32
	env.mock.SetHook(func(method string) {
		if method == "bookmarks/list" && lists.Add(1) == 2 {
			env.mock.SetNextError(500, "boom")
		}
	})

	report, err := env.engine.Sync(context.Background(), SyncOptions{})
	if err == nil {
		t.Fatal("expected error")
	}
	if report.OrphansRemoved != 0 {
		t.Errorf("OrphansRemoved = %d, want 0", report.OrphansRemoved)
	}
	got := env.bookmark(t, rb.BookmarkID)
	if got == nil || got.FolderDBID != env.store.OrphanedFolderDBID() {
		t.Errorf("bookmark = %+v, want it kept in Orphaned", got)
	}
}

func TestSync_Cancelled(t *testing.T) {
	env := setupTest(t, Options{})

	env.mock.AddBookmark(instapaper.Bookmark{URL: "https://example.com/c", Title: "C"}, "unread")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	env.mock.SetHook(func(method string) {
		if method == "bookmarks/list" {
			cancel()
		}
	})

	report, err := env.engine.Sync(ctx, SyncOptions{})
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("Sync() error = %v, want ErrCancelled", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error should wrap context.Canceled, got %v", err)
	}
	var apiErr *instapaper.APIError
	if errors.As(err, &apiErr) {
		t.Errorf("cancellation should not surface as a service error: %v", err)
	}

	// The unit in progress finished; nothing after it started.
	if len(report.Bookmarks) != 1 || report.Bookmarks[0].Added != 1 {
		t.Errorf("unexpected bookmark results %+v", report.Bookmarks)
	}
	if calls := env.mock.Calls("bookmarks/list"); calls != 1 {
		t.Errorf("bookmarks/list called %d times, want 1", calls)
	}
}

func TestSync_CancelledBeforeStart(t *testing.T) {
	env := setupTest(t, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := env.engine.Sync(ctx, SyncOptions{})
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("Sync() error = %v, want ErrCancelled", err)
	}
	if calls := env.mock.Calls("folders/list"); calls != 0 {
		t.Errorf("folders/list called %d times, want 0", calls)
	}
}

// =============================================================================
// Engine Tests
// =============================================================================

func TestSync_StatusSequence(t *testing.T) {
	var got []Status
	env := setupTest(t, Options{OnStatus: func(u StatusUpdate) { got = append(got, u.Status) }})

	env.sync(t)

	want := []Status{
		StatusStart,
		StatusFoldersStart, StatusFoldersEnd,
		StatusBookmarksStart,
		StatusBookmarkFolder, StatusFolder,
		StatusBookmarkFolder, StatusFolder,
		StatusBookmarkFolder, StatusFolder,
		StatusBookmarksEnd,
		StatusEnd,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("status sequence mismatch (-want +got):\n%s", diff)
	}
}

func TestSync_OnlySelectedFolders(t *testing.T) {
	env := setupTest(t, Options{})

	rb := env.mock.AddBookmark(instapaper.Bookmark{URL: "https://example.com/o", Title: "O"}, "unread")
	env.sync(t)
	env.mock.RemoveBookmark(rb.BookmarkID)

	report, err := env.engine.Sync(context.Background(), SyncOptions{
		SkipFolders: true,
		FolderDBIDs: []int64{env.store.UnreadFolderDBID()},
	})
	if err != nil {
		t.Fatalf("Sync() unexpected error: %v", err)
	}
	if len(report.Bookmarks) != 1 || report.Bookmarks[0].Title != "Home" {
		t.Errorf("unexpected folders synced: %+v", report.Bookmarks)
	}
	if report.Folders != nil {
		t.Errorf("folder phase should be skipped, got %+v", report.Folders)
	}
	// Orphan cleanup waits for a full run.
	if got := env.bookmark(t, rb.BookmarkID); got == nil || got.FolderDBID != env.store.OrphanedFolderDBID() {
		t.Errorf("bookmark = %+v, want it in Orphaned", got)
	}
}

type fakeArticles struct {
	calls atomic.Int32
}

func (f *fakeArticles) SyncArticles(ctx context.Context) (*article.Report, error) {
	f.calls.Add(1)
	return &article.Report{Downloaded: 2}, nil
}

func TestSync_Articles(t *testing.T) {
	articles := &fakeArticles{}
	env := setupTest(t, Options{Articles: articles})

	report := env.sync(t)
	if report.Articles == nil || report.Articles.Downloaded != 2 {
		t.Errorf("unexpected article report %+v", report.Articles)
	}

	if _, err := env.engine.SyncNow(context.Background()); err != nil {
		t.Fatalf("SyncNow() unexpected error: %v", err)
	}
	if calls := articles.calls.Load(); calls != 1 {
		t.Errorf("SyncArticles called %d times, want 1", calls)
	}
}

func TestSync_ConcurrentCallsShareOneRun(t *testing.T) {
	env := setupTest(t, Options{})

	entered := make(chan struct{})
	release := make(chan struct{})
	var once gosync.Once
	env.mock.SetHook(func(method string) {
		if method == "folders/list" {
			once.Do(func() {
				close(entered)
				<-release
			})
		}
	})

	var wg gosync.WaitGroup
	reports := make([]*Report, 2)
	wg.Add(1)
	go func() {
		defer wg.Done()
		reports[0], _ = env.engine.Sync(context.Background(), SyncOptions{})
	}()
	<-entered

	wg.Add(1)
	go func() {
		defer wg.Done()
		reports[1], _ = env.engine.Sync(context.Background(), SyncOptions{})
	}()
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if reports[0] == nil || reports[0] != reports[1] {
		t.Errorf("concurrent calls should share one report, got %p and %p", reports[0], reports[1])
	}
	if calls := env.mock.Calls("folders/list"); calls != 1 {
		t.Errorf("folders/list called %d times, want 1", calls)
	}
}

func TestTriggerSync_Debounces(t *testing.T) {
	env := setupTest(t, Options{DebounceMs: 50})

	for i := 0; i < 3; i++ {
		env.engine.TriggerSync()
		time.Sleep(10 * time.Millisecond)
	}

	deadline := time.Now().Add(2 * time.Second)
	for env.mock.Calls("folders/list") == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	time.Sleep(150 * time.Millisecond)

	if calls := env.mock.Calls("folders/list"); calls != 1 {
		t.Errorf("folders/list called %d times, want 1", calls)
	}
}

func TestStop_CancelsPendingTrigger(t *testing.T) {
	env := setupTest(t, Options{DebounceMs: 50})

	env.engine.TriggerSync()
	env.engine.Stop()
	env.engine.TriggerSync()

	time.Sleep(150 * time.Millisecond)
	if calls := env.mock.Calls("folders/list"); calls != 0 {
		t.Errorf("folders/list called %d times, want 0", calls)
	}
}

func TestReport_Err(t *testing.T) {
	boom := errors.New("boom")
	tests := []struct {
		name    string
		report  Report
		wantNil bool
		wantIs  error
	}{
		{name: "empty", report: Report{}, wantNil: true},
		{name: "folder error", report: Report{Folders: &FolderReport{Err: boom}}, wantIs: boom},
		{name: "bookmark folder error", report: Report{Bookmarks: []FolderResult{{Title: "Home", Err: boom}}}, wantIs: boom},
		{name: "cancel hides failures", report: Report{
			AddsErr:   boom,
			Cancelled: &cancelledError{cause: context.Canceled},
		}, wantIs: ErrCancelled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.report.Err()
			if tt.wantNil {
				if err != nil {
					t.Errorf("Err() = %v, want nil", err)
				}
				return
			}
			if !errors.Is(err, tt.wantIs) {
				t.Errorf("Err() = %v, want %v", err, tt.wantIs)
			}
			if tt.report.Cancelled != nil && errors.Is(err, boom) {
				t.Errorf("cancelled report leaked failure: %v", err)
			}
		})
	}
}
