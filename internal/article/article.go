// Package article downloads article bodies and their images for offline reading.
package article

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	gosync "sync"
	"time"
	"unicode/utf8"

	"golang.org/x/net/html"
	"golang.org/x/sync/errgroup"

	"github.com/JohanCodinha/storyvoid/internal/instapaper"
	"github.com/JohanCodinha/storyvoid/internal/logger"
	"github.com/JohanCodinha/storyvoid/internal/store"
)

// DefaultWorkers is the number of concurrent downloads when none is configured.
const DefaultWorkers = 4

const descriptionLength = 200

// TextSource returns the processed HTML of a bookmark.
type TextSource interface {
	GetText(ctx context.Context, id int64) (string, error)
}

// Report summarises an article run.
type Report struct {
	Downloaded   int
	Unavailable  int
	Failed       int
	Skipped      int // not started because the run was cancelled
	FilesRemoved int
}

// Syncer downloads missing article bodies into a directory.
type Syncer struct {
	store      *store.Store
	text       TextSource
	dir        string
	httpClient *http.Client
	workers    int
}

// NewSyncer creates a Syncer writing into dir. workers <= 0 uses DefaultWorkers.
func NewSyncer(st *store.Store, text TextSource, dir string, workers int) *Syncer {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	return &Syncer{
		store:      st,
		text:       text,
		dir:        dir,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		workers:    workers,
	}
}

// Dir returns the directory articles are written to.
func (s *Syncer) Dir() string {
	return s.dir
}

// SyncArticles downloads every bookmark whose body is not stored locally and
// is not known to be unavailable, then removes files of deleted bookmarks.
// Cancelling ctx stops new downloads from starting; running ones finish.
func (s *Syncer) SyncArticles(ctx context.Context) (*Report, error) {
	bookmarks, err := s.store.ListCurrentBookmarks(context.WithoutCancel(ctx), 0)
	if err != nil {
		return nil, fmt.Errorf("failed to list bookmarks: %w", err)
	}

	var pending []store.Bookmark
	for _, b := range bookmarks {
		if b.BookmarkID > 0 && !b.ContentAvailableLocally && !b.ArticleUnavailable {
			pending = append(pending, b)
		}
	}
	logger.Debug("article: %d articles to download with %d workers", len(pending), s.workers)

	report := &Report{}
	var mu gosync.Mutex
	count := func(field *int) {
		mu.Lock()
		*field++
		mu.Unlock()
	}

	var g errgroup.Group
	g.SetLimit(s.workers)
	for _, b := range pending {
		g.Go(func() error {
			if ctx.Err() != nil {
				count(&report.Skipped)
				return nil
			}
			err := s.Download(context.WithoutCancel(ctx), b)
			switch {
			case err == nil:
				count(&report.Downloaded)
			case errors.Is(err, ErrUnavailable):
				count(&report.Unavailable)
			default:
				logger.Warn("article: bookmark %d: %v", b.BookmarkID, err)
				count(&report.Failed)
			}
			return nil
		})
	}
	g.Wait()

	if err := ctx.Err(); err != nil {
		return report, err
	}

	removed, err := s.RemoveOrphanedFiles(ctx)
	report.FilesRemoved = removed
	if err != nil {
		return report, err
	}
	return report, nil
}

// ErrUnavailable is returned by Download when the service cannot produce the
// article text. The bookmark is marked so it is not retried.
var ErrUnavailable = errors.New("article text unavailable")

// Download fetches one article, localises its images and records the result
// on the bookmark.
func (s *Syncer) Download(ctx context.Context, b store.Bookmark) error {
	text, err := s.text.GetText(ctx, b.BookmarkID)
	if err != nil {
		state := b.ArticleState()
		var result error
		if instapaper.IsUnavailable(err) || instapaper.IsNotFound(err) {
			state.ArticleUnavailable = true
			result = fmt.Errorf("bookmark %d: %w: %v", b.BookmarkID, ErrUnavailable, err)
		} else {
			state.FailedToDownload = true
			result = fmt.Errorf("failed to get text: %w", err)
		}
		if _, uerr := s.store.UpdateArticleState(ctx, b.BookmarkID, state); uerr != nil && !errors.Is(uerr, store.ErrBookmarkNotFound) {
			logger.Warn("article: failed to record failure of bookmark %d: %v", b.BookmarkID, uerr)
		}
		return result
	}

	state, err := s.write(ctx, b, text)
	if err != nil {
		failed := b.ArticleState()
		failed.FailedToDownload = true
		if _, uerr := s.store.UpdateArticleState(ctx, b.BookmarkID, failed); uerr != nil && !errors.Is(uerr, store.ErrBookmarkNotFound) {
			logger.Warn("article: failed to record failure of bookmark %d: %v", b.BookmarkID, uerr)
		}
		return fmt.Errorf("bookmark %d: %w", b.BookmarkID, err)
	}

	if _, err := s.store.UpdateArticleState(ctx, b.BookmarkID, state); err != nil {
		if errors.Is(err, store.ErrBookmarkNotFound) {
			// Removed while downloading.
			s.removeFiles(b.BookmarkID)
			return nil
		}
		return err
	}
	logger.Debug("article: downloaded bookmark %d", b.BookmarkID)
	return nil
}

// write parses text, downloads its images and writes the rewritten HTML.
func (s *Syncer) write(ctx context.Context, b store.Bookmark, text string) (store.ArticleState, error) {
	doc, err := html.Parse(strings.NewReader(text))
	if err != nil {
		return store.ArticleState{}, fmt.Errorf("failed to parse article: %w", err)
	}

	id := strconv.FormatInt(b.BookmarkID, 10)
	imageDir := filepath.Join(s.dir, id)
	state := store.ArticleState{
		ContentAvailableLocally: true,
		LocalFolderRelativePath: id + ".html",
	}

	var images []*html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "img" {
			images = append(images, n)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	base, _ := url.Parse(b.URL)
	for i, img := range images {
		src := attr(img, "src")
		if src == "" {
			continue
		}
		abs := resolve(base, src)
		if abs == nil || (abs.Scheme != "http" && abs.Scheme != "https") {
			continue
		}

		name, err := s.fetchImage(ctx, abs.String(), imageDir, i)
		if err != nil {
			// An article with a remote image left in it is not complete.
			os.RemoveAll(imageDir)
			return store.ArticleState{}, fmt.Errorf("image %s: %w", abs, err)
		}
		rel := id + "/" + name
		setAttr(img, "src", rel)
		if !state.HasImages {
			state.HasImages = true
			state.FirstImagePath = rel
			state.FirstImageOriginalURL = abs.String()
		}
	}

	state.ExtractedDescription = extractDescription(doc)

	var buf bytes.Buffer
	if err := html.Render(&buf, doc); err != nil {
		return store.ArticleState{}, fmt.Errorf("failed to render article: %w", err)
	}
	if err := writeFileAtomic(filepath.Join(s.dir, state.LocalFolderRelativePath), buf.Bytes()); err != nil {
		return store.ArticleState{}, err
	}
	return state, nil
}

func (s *Syncer) fetchImage(ctx context.Context, src, dir string, index int) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return "", err
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %s", resp.Status)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}

	name := strconv.Itoa(index) + imageExt(src, resp.Header.Get("Content-Type"))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create image directory: %w", err)
	}
	if err := writeFileAtomic(filepath.Join(dir, name), data); err != nil {
		return "", err
	}
	return name, nil
}

// RemoveOrphanedFiles deletes article files of bookmarks no longer in the store.
func (s *Syncer) RemoveOrphanedFiles(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read article directory: %w", err)
	}

	bookmarks, err := s.store.ListCurrentBookmarks(ctx, 0)
	if err != nil {
		return 0, fmt.Errorf("failed to list bookmarks: %w", err)
	}
	known := make(map[int64]bool, len(bookmarks))
	for _, b := range bookmarks {
		known[b.BookmarkID] = true
	}

	removed := 0
	for _, entry := range entries {
		id, err := strconv.ParseInt(strings.TrimSuffix(entry.Name(), ".html"), 10, 64)
		if err != nil || known[id] {
			continue
		}
		if err := os.RemoveAll(filepath.Join(s.dir, entry.Name())); err != nil {
			return removed, fmt.Errorf("failed to remove %s: %w", entry.Name(), err)
		}
		removed++
	}
	if removed > 0 {
		logger.Debug("article: removed %d orphaned files", removed)
	}
	return removed, nil
}

func (s *Syncer) removeFiles(id int64) {
	name := strconv.FormatInt(id, 10)
	os.Remove(filepath.Join(s.dir, name+".html"))
	os.RemoveAll(filepath.Join(s.dir, name))
}

// writeFileAtomic writes data to a temporary file next to path and renames it
// into place, so readers never observe a partial file.
func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func setAttr(n *html.Node, key, val string) {
	for i := range n.Attr {
		if n.Attr[i].Key == key {
			n.Attr[i].Val = val
			return
		}
	}
	n.Attr = append(n.Attr, html.Attribute{Key: key, Val: val})
}

func resolve(base *url.URL, ref string) *url.URL {
	u, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return nil
	}
	if base == nil {
		return u
	}
	return base.ResolveReference(u)
}

func imageExt(src, contentType string) string {
	if u, err := url.Parse(src); err == nil {
		if ext := path.Ext(u.Path); ext != "" && len(ext) <= 5 {
			return strings.ToLower(ext)
		}
	}
	if mediaType, _, err := mime.ParseMediaType(contentType); err == nil {
		switch mediaType {
		case "image/jpeg":
			return ".jpg"
		case "image/png":
			return ".png"
		case "image/gif":
			return ".gif"
		case "image/webp":
			return ".webp"
		case "image/svg+xml":
			return ".svg"
		}
	}
	return ".img"
}

// extractDescription returns the first characters of the article's visible text.
func extractDescription(doc *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node) bool
	walk = func(n *html.Node) bool {
		if n.Type == html.ElementNode && (n.Data == "script" || n.Data == "style") {
			return true
		}
		if n.Type == html.TextNode {
			for _, word := range strings.Fields(n.Data) {
				if sb.Len() > 0 {
					sb.WriteByte(' ')
				}
				sb.WriteString(word)
			}
			if utf8.RuneCountInString(sb.String()) >= descriptionLength {
				return false
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if !walk(c) {
				return false
			}
		}
		return true
	}
	walk(doc)

	text := sb.String()
	if utf8.RuneCountInString(text) > descriptionLength {
		text = string([]rune(text)[:descriptionLength])
	}
	return text
}
