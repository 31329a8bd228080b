// Package instapaper provides a client for the Instapaper-style bookmarks API.
package instapaper

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/JohanCodinha/storyvoid/internal/logger"
	"github.com/JohanCodinha/storyvoid/internal/store"
)

const (
	apiBaseURL = "https://www.instapaper.com"
	apiPrefix  = "/api/1"
)

// Folder is a remote folder.
type Folder struct {
	FolderID FlexString `json:"folder_id"`
	Title    string     `json:"title"`
	Position int64      `json:"position"`
}

// Bookmark is a remote bookmark.
type Bookmark struct {
	BookmarkID        int64   `json:"bookmark_id"`
	URL               string  `json:"url"`
	Title             string  `json:"title"`
	Description       string  `json:"description"`
	Hash              string  `json:"hash"`
	Progress          float64 `json:"progress"`
	ProgressTimestamp int64   `json:"progress_timestamp"`
	Starred           Flag    `json:"starred"`
	Time              int64   `json:"time"`
}

// ListResult is the response of a bookmarks list call.
type ListResult struct {
	Bookmarks []Bookmark
	// DeletedIDs are ids from the have list that are no longer in the folder.
	DeletedIDs []int64
}

// ListOptions selects the bookmarks to list.
type ListOptions struct {
	FolderID string // "unread" when empty
	Limit    int    // server default when 0
	Have     []HaveItem
}

// AddRequest describes a bookmark to create.
type AddRequest struct {
	URL         string
	Title       string
	Description string
	FolderID    string
}

// Client is an Instapaper API client.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
}

// New creates a new API client with the given token.
func New(token string) *Client {
	return NewWithBaseURL(token, apiBaseURL)
}

// NewWithBaseURL creates an API client with a custom base URL (for testing).
func NewWithBaseURL(token, baseURL string) *Client {
	return &Client{
		token:      token,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// post sends a form-encoded request to an API method and returns the response
// body. Non-2xx responses and error documents become *APIError.
func (c *Client) post(ctx context.Context, method string, form url.Values) ([]byte, error) {
	if c.token == "" {
		return nil, fmt.Errorf("%s: %w", method, store.ErrNoClientInformation)
	}
	if form == nil {
		form = url.Values{}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+apiPrefix+"/"+method, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	logger.Debug("instapaper: POST %s %s", method, form.Encode())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if apiErr := parseError(resp.StatusCode, body); apiErr != nil {
		checkRateLimit(apiErr)
		return nil, apiErr
	}
	return body, nil
}

// checkRateLimit logs a warning when the service reports the rate limit was hit.
func checkRateLimit(err *APIError) {
	if err.Code == CodeRateLimited {
		logger.Warn("instapaper: rate limit exceeded: %s", err.Message)
	}
}

// postDecode calls post and decodes the JSON response into v.
func (c *Client) postDecode(ctx context.Context, method string, form url.Values, v any) error {
	body, err := c.post(ctx, method, form)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", method, err)
	}
	return nil
}

// ListFolders fetches the user's folders. Built-in folders are not included.
func (c *Client) ListFolders(ctx context.Context) ([]Folder, error) {
	var folders []Folder
	if err := c.postDecode(ctx, "folders/list", nil, &folders); err != nil {
		return nil, err
	}
	return folders, nil
}

// AddFolder creates a folder and returns it with its remote id.
func (c *Client) AddFolder(ctx context.Context, title string) (*Folder, error) {
	var folders []Folder
	if err := c.postDecode(ctx, "folders/add", url.Values{"title": {title}}, &folders); err != nil {
		return nil, err
	}
	if len(folders) == 0 {
		return nil, fmt.Errorf("folders/add returned no folder")
	}
	return &folders[0], nil
}

// DeleteFolder removes a folder.
func (c *Client) DeleteFolder(ctx context.Context, folderID string) error {
	_, err := c.post(ctx, "folders/delete", url.Values{"folder_id": {folderID}})
	return err
}

// ListBookmarks fetches the bookmarks of one folder.
func (c *Client) ListBookmarks(ctx context.Context, opts ListOptions) (*ListResult, error) {
	form := url.Values{}
	if opts.FolderID != "" {
		form.Set("folder_id", opts.FolderID)
	}
	if opts.Limit > 0 {
		form.Set("limit", strconv.Itoa(opts.Limit))
	}
	if len(opts.Have) > 0 {
		form.Set("have", FormatHave(opts.Have))
	}

	var resp struct {
		Bookmarks []Bookmark `json:"bookmarks"`
		DeleteIDs string     `json:"delete_ids"`
	}
	if err := c.postDecode(ctx, "bookmarks/list", form, &resp); err != nil {
		return nil, err
	}

	deleted, err := parseIDList(resp.DeleteIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to parse delete_ids: %w", err)
	}
	if resp.Bookmarks == nil {
		resp.Bookmarks = []Bookmark{}
	}
	return &ListResult{Bookmarks: resp.Bookmarks, DeletedIDs: deleted}, nil
}

// AddBookmark creates a bookmark. Adding a URL that is already saved returns
// the existing bookmark.
func (c *Client) AddBookmark(ctx context.Context, add AddRequest) (*Bookmark, error) {
	form := url.Values{"url": {add.URL}}
	if add.Title != "" {
		form.Set("title", add.Title)
	}
	if add.Description != "" {
		form.Set("description", add.Description)
	}
	if add.FolderID != "" {
		form.Set("folder_id", add.FolderID)
	}
	return c.bookmarkCall(ctx, "bookmarks/add", form)
}

// DeleteBookmark permanently removes a bookmark.
func (c *Client) DeleteBookmark(ctx context.Context, id int64) error {
	_, err := c.post(ctx, "bookmarks/delete", idForm(id))
	return err
}

// MoveBookmark moves a bookmark into a user folder.
func (c *Client) MoveBookmark(ctx context.Context, id int64, folderID string) (*Bookmark, error) {
	form := idForm(id)
	form.Set("folder_id", folderID)
	return c.bookmarkCall(ctx, "bookmarks/move", form)
}

// ArchiveBookmark moves a bookmark to the Archive.
func (c *Client) ArchiveBookmark(ctx context.Context, id int64) (*Bookmark, error) {
	return c.bookmarkCall(ctx, "bookmarks/archive", idForm(id))
}

// UnarchiveBookmark moves a bookmark back to Unread.
func (c *Client) UnarchiveBookmark(ctx context.Context, id int64) (*Bookmark, error) {
	return c.bookmarkCall(ctx, "bookmarks/unarchive", idForm(id))
}

// StarBookmark marks a bookmark as liked.
func (c *Client) StarBookmark(ctx context.Context, id int64) (*Bookmark, error) {
	return c.bookmarkCall(ctx, "bookmarks/star", idForm(id))
}

// UnstarBookmark clears the liked mark.
func (c *Client) UnstarBookmark(ctx context.Context, id int64) (*Bookmark, error) {
	return c.bookmarkCall(ctx, "bookmarks/unstar", idForm(id))
}

// UpdateReadProgress records reading progress at the given unix time.
func (c *Client) UpdateReadProgress(ctx context.Context, id int64, progress float64, timestamp int64) (*Bookmark, error) {
	form := idForm(id)
	form.Set("progress", strconv.FormatFloat(progress, 'f', -1, 64))
	form.Set("progress_timestamp", strconv.FormatInt(timestamp, 10))
	return c.bookmarkCall(ctx, "bookmarks/update_read_progress", form)
}

// GetText returns the processed article HTML of a bookmark.
func (c *Client) GetText(ctx context.Context, id int64) (string, error) {
	body, err := c.post(ctx, "bookmarks/get_text", idForm(id))
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// bookmarkCall performs a call whose response is a one-element bookmark list.
func (c *Client) bookmarkCall(ctx context.Context, method string, form url.Values) (*Bookmark, error) {
	var bookmarks []Bookmark
	if err := c.postDecode(ctx, method, form, &bookmarks); err != nil {
		return nil, err
	}
	if len(bookmarks) == 0 {
		return nil, fmt.Errorf("%s returned no bookmark", method)
	}
	return &bookmarks[0], nil
}

func idForm(id int64) url.Values {
	return url.Values{"bookmark_id": {strconv.FormatInt(id, 10)}}
}

func parseIDList(s string) ([]int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	ids := make([]int64, 0, len(parts))
	for _, p := range parts {
		id, err := strconv.ParseInt(strings.TrimSpace(p), 10, 64)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}
