//go:build integration

// Package integration contains end-to-end tests that require FUSE.
// Run with: go test -tags=integration ./internal/integration/...
package integration

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/JohanCodinha/storyvoid/internal/fs"
	"github.com/JohanCodinha/storyvoid/internal/instapaper"
	"github.com/JohanCodinha/storyvoid/internal/store"
	"github.com/JohanCodinha/storyvoid/internal/sync"
)

type e2eEnv struct {
	mock       *instapaper.MockServer
	store      *store.Store
	engine     *sync.Engine
	mountpoint string
}

// setupMount syncs the mock account into a fresh store and mounts it.
func setupMount(t *testing.T, seed func(m *instapaper.MockServer)) *e2eEnv {
	t.Helper()

	if os.Getuid() != 0 {
		t.Skip("FUSE tests require root or CAP_SYS_ADMIN")
	}

	mock := instapaper.NewMockServer()
	t.Cleanup(mock.Close)
	if seed != nil {
		seed(mock)
	}

	tmpDir := t.TempDir()
	mountpoint := filepath.Join(tmpDir, "mount")
	if err := os.MkdirAll(mountpoint, 0755); err != nil {
		t.Fatalf("failed to create mountpoint: %v", err)
	}

	st, err := store.Open(context.Background(), filepath.Join(tmpDir, "storyvoid.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	client := instapaper.NewWithBaseURL("test-token", mock.URL)
	engine := sync.NewEngine(st, client, sync.Options{DebounceMs: 100}) // 100ms debounce for tests
	t.Cleanup(engine.Stop)

	// Initial sync
	report, err := engine.Sync(context.Background(), sync.SyncOptions{})
	if err != nil {
		t.Fatalf("initial sync failed: %v", err)
	}
	if err := report.Err(); err != nil {
		t.Fatalf("initial sync reported failures: %v", err)
	}

	filesystem := fs.NewFS(st, mountpoint, engine.TriggerSync)

	// Mount in goroutine (blocks until unmount)
	mountErr := make(chan error, 1)
	go func() {
		mountErr <- filesystem.Mount()
	}()
	t.Cleanup(func() {
		filesystem.Unmount()
		select {
		case err := <-mountErr:
			if err != nil {
				t.Errorf("mount error: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("timeout waiting for unmount")
		}
	})

	// Wait for mount
	time.Sleep(500 * time.Millisecond)

	return &e2eEnv{mock: mock, store: st, engine: engine, mountpoint: mountpoint}
}

// waitFor polls cond until it holds or the timeout expires.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func names(t *testing.T, dir string) []string {
	t.Helper()

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("failed to read %s: %v", dir, err)
	}
	var out []string
	for _, e := range entries {
		out = append(out, e.Name())
	}
	return out
}

func contains(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}

// TestE2E_MountReadWrite tests the full mount → read → write → sync cycle
func TestE2E_MountReadWrite(t *testing.T) {
	var id int64
	env := setupMount(t, func(m *instapaper.MockServer) {
		id = m.AddBookmark(instapaper.Bookmark{
			Title:       "Slow Reading",
			URL:         "https://example.com/slow",
			Description: "Original description",
		}, "unread").BookmarkID
	})
	home := filepath.Join(env.mountpoint, "Home")

	t.Run("ListFolders", func(t *testing.T) {
		got := names(t, env.mountpoint)
		for _, want := range []string{"Home", "Liked", "Archive", "Orphaned"} {
			if !contains(got, want) {
				t.Errorf("expected folder %q in %v", want, got)
			}
		}
	})

	t.Run("ReadFile", func(t *testing.T) {
		files := names(t, home)
		if len(files) != 1 || !strings.HasSuffix(files[0], "].md") {
			t.Fatalf("expected one bookmark file, got %v", files)
		}
		content, err := os.ReadFile(filepath.Join(home, files[0]))
		if err != nil {
			t.Fatalf("failed to read file: %v", err)
		}
		for _, want := range []string{"# Slow Reading", "Original description", "folder: Home", "starred: false"} {
			if !strings.Contains(string(content), want) {
				t.Errorf("expected %q in:\n%s", want, content)
			}
		}
	})

	t.Run("StarAndSync", func(t *testing.T) {
		files := names(t, home)
		path := filepath.Join(home, files[0])
		content, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("failed to read file: %v", err)
		}
		edited := strings.Replace(string(content), "starred: false", "starred: true", 1)
		if err := os.WriteFile(path, []byte(edited), 0644); err != nil {
			t.Fatalf("failed to write file: %v", err)
		}

		waitFor(t, "remote star", func() bool {
			b, ok := env.mock.GetBookmark(id)
			return ok && bool(b.Starred)
		})

		liked := names(t, filepath.Join(env.mountpoint, "Liked"))
		if len(liked) != 1 {
			t.Errorf("expected the bookmark in Liked, got %v", liked)
		}
	})

	t.Run("MoveToArchive", func(t *testing.T) {
		files := names(t, home)
		if err := os.Rename(filepath.Join(home, files[0]), filepath.Join(env.mountpoint, "Archive", files[0])); err != nil {
			t.Fatalf("rename failed: %v", err)
		}

		waitFor(t, "remote archive", func() bool {
			b, ok := env.mock.GetBookmark(id)
			return ok && b.FolderID == "archive"
		})
		if got := names(t, home); len(got) != 0 {
			t.Errorf("Home should be empty, got %v", got)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		archive := filepath.Join(env.mountpoint, "Archive")
		files := names(t, archive)
		if err := os.Remove(filepath.Join(archive, files[0])); err != nil {
			t.Fatalf("remove failed: %v", err)
		}

		waitFor(t, "remote delete", func() bool {
			_, ok := env.mock.GetBookmark(id)
			return !ok
		})
	})
}

// TestE2E_SaveNewURL creates a title[new].md file and expects the URL to be saved remotely.
func TestE2E_SaveNewURL(t *testing.T) {
	env := setupMount(t, nil)
	home := filepath.Join(env.mountpoint, "Home")

	path := filepath.Join(home, "reading-list[new].md")
	if err := os.WriteFile(path, []byte("https://example.com/fresh\n"), 0644); err != nil {
		t.Fatalf("failed to write new bookmark: %v", err)
	}

	waitFor(t, "remote add", func() bool {
		for _, b := range env.mock.Bookmarks() {
			if b.URL == "https://example.com/fresh" {
				return true
			}
		}
		return false
	})

	waitFor(t, "local bookmark file", func() bool {
		return len(names(t, home)) == 1
	})
}

// TestE2E_NewFileOutsideHome rejects new bookmark files in other folders.
func TestE2E_NewFileOutsideHome(t *testing.T) {
	env := setupMount(t, nil)

	path := filepath.Join(env.mountpoint, "Archive", "nope[new].md")
	if err := os.WriteFile(path, []byte("https://example.com/nope\n"), 0644); err == nil {
		t.Error("expected creating a new bookmark outside Home to fail")
	}

	path = filepath.Join(env.mountpoint, "Home", "notes.txt")
	if err := os.WriteFile(path, []byte("hello"), 0644); err == nil {
		t.Error("expected creating an arbitrary file to fail")
	}
}

// TestE2E_Folders creates and removes a folder through mkdir and rmdir.
func TestE2E_Folders(t *testing.T) {
	env := setupMount(t, func(m *instapaper.MockServer) {
		m.AddFolder("Existing")
	})

	if err := os.Mkdir(filepath.Join(env.mountpoint, "Long Reads"), 0755); err != nil {
		t.Fatalf("mkdir failed: %v", err)
	}
	waitFor(t, "remote folder", func() bool {
		for _, f := range env.mock.Folders() {
			if f.Title == "Long Reads" {
				return true
			}
		}
		return false
	})

	if err := os.Remove(filepath.Join(env.mountpoint, "Existing")); err != nil {
		t.Fatalf("rmdir failed: %v", err)
	}
	waitFor(t, "remote folder delete", func() bool {
		for _, f := range env.mock.Folders() {
			if f.Title == "Existing" {
				return false
			}
		}
		return true
	})

	if err := os.Remove(filepath.Join(env.mountpoint, "Archive")); err == nil {
		t.Error("expected removing a built-in folder to fail")
	}
}

// TestE2E_OfflineEditsAreKept edits while the service is down and expects the
// edits to stay journaled until it comes back.
func TestE2E_OfflineEditsAreKept(t *testing.T) {
	var id int64
	env := setupMount(t, func(m *instapaper.MockServer) {
		id = m.AddBookmark(instapaper.Bookmark{Title: "Offline", URL: "https://example.com/offline"}, "unread").BookmarkID
	})
	home := filepath.Join(env.mountpoint, "Home")

	env.mock.SetMethodError("bookmarks/star", 1500)

	files := names(t, home)
	if err := os.Rename(filepath.Join(home, files[0]), filepath.Join(env.mountpoint, "Liked", files[0])); err != nil {
		t.Fatalf("rename to Liked failed: %v", err)
	}

	waitFor(t, "failed star attempt", func() bool {
		return env.mock.Calls("bookmarks/star") > 0
	})
	pending, err := env.store.HasPendingEdits(context.Background())
	if err != nil {
		t.Fatalf("HasPendingEdits() unexpected error: %v", err)
	}
	if !pending {
		t.Error("like should stay journaled while the service fails")
	}

	env.mock.ClearMethodErrors()
	if _, err := env.engine.SyncNow(context.Background()); err != nil {
		t.Fatalf("SyncNow() failed: %v", err)
	}
	b, ok := env.mock.GetBookmark(id)
	if !ok || !bool(b.Starred) {
		t.Errorf("bookmark should be starred remotely after recovery, got %+v", b)
	}
}

// TestE2E_GrepAcrossFiles checks ordinary tools work on the mount.
func TestE2E_GrepAcrossFiles(t *testing.T) {
	env := setupMount(t, func(m *instapaper.MockServer) {
		m.AddBookmark(instapaper.Bookmark{Title: "Gardening", URL: "https://example.com/garden", Description: "tomatoes and basil"}, "unread")
		m.AddBookmark(instapaper.Bookmark{Title: "Cooking", URL: "https://example.com/cook", Description: "basil pesto"}, "archive")
		m.AddBookmark(instapaper.Bookmark{Title: "Cycling", URL: "https://example.com/bike", Description: "hills"}, "unread")
	})

	out, err := exec.Command("grep", "-rl", "basil", env.mountpoint).Output()
	if err != nil {
		t.Fatalf("grep failed: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	if len(lines) != 2 {
		t.Errorf("expected 2 matches, got %d: %v", len(lines), lines)
	}
}
