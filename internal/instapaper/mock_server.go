package instapaper

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// MockBookmark is a bookmark held by the MockServer together with the folder it lives in.
type MockBookmark struct {
	Bookmark
	FolderID string
}

// MockServer provides a fake Instapaper API for testing.
type MockServer struct {
	*httptest.Server

	mu             sync.RWMutex
	folders        []Folder
	bookmarks      map[int64]*MockBookmark
	texts          map[int64]string
	unavailable    map[int64]bool
	files          map[string][]byte
	nextFolderID   int64
	nextBookmarkID int64

	nextErr      *mockError
	methodErrors map[string]*mockError
	calls        map[string]int
	hook         func(method string)
}

type mockError struct {
	status int
	body   string
}

// NewMockServer creates a mock API server.
func NewMockServer() *MockServer {
	m := &MockServer{}
	m.reset()

	mux := http.NewServeMux()
	mux.HandleFunc(apiPrefix+"/", m.handleAPI)
	mux.HandleFunc("/files/", m.handleFile)

	m.Server = httptest.NewServer(mux)
	return m
}

func (m *MockServer) reset() {
	m.folders = nil
	m.bookmarks = make(map[int64]*MockBookmark)
	m.texts = make(map[int64]string)
	m.unavailable = make(map[int64]bool)
	m.files = make(map[string][]byte)
	m.nextFolderID = 1000
	m.nextBookmarkID = 5000
	m.nextErr = nil
	m.methodErrors = make(map[string]*mockError)
	m.calls = make(map[string]int)
}

// Reset clears all state.
func (m *MockServer) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reset()
}

// AddFolder adds a user folder and returns its id.
func (m *MockServer) AddFolder(title string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.addFolder(title).FolderID.String()
}

func (m *MockServer) addFolder(title string) Folder {
	m.nextFolderID++
	f := Folder{
		FolderID: FlexString(strconv.FormatInt(m.nextFolderID, 10)),
		Title:    title,
		Position: int64(len(m.folders) + 1),
	}
	m.folders = append(m.folders, f)
	return f
}

// RenameFolder changes a folder title.
func (m *MockServer) RenameFolder(folderID, title string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.folders {
		if m.folders[i].FolderID.String() == folderID {
			m.folders[i].Title = title
		}
	}
}

// RemoveFolder deletes a folder as if another client did.
func (m *MockServer) RemoveFolder(folderID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteFolder(folderID)
}

// Folders returns the user folders.
func (m *MockServer) Folders() []Folder {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Folder(nil), m.folders...)
}

// AddBookmark stores a bookmark in a folder. A zero BookmarkID is assigned.
// The hash is computed from the bookmark state.
func (m *MockServer) AddBookmark(b Bookmark, folderID string) Bookmark {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.addBookmark(b, folderID).Bookmark
}

func (m *MockServer) addBookmark(b Bookmark, folderID string) *MockBookmark {
	if b.BookmarkID == 0 {
		m.nextBookmarkID++
		b.BookmarkID = m.nextBookmarkID
	}
	if folderID == "" {
		folderID = "unread"
	}
	mb := &MockBookmark{Bookmark: b, FolderID: folderID}
	mb.Hash = mockHash(mb)
	m.bookmarks[b.BookmarkID] = mb
	return mb
}

// GetBookmark returns a copy of a stored bookmark (for test assertions).
func (m *MockServer) GetBookmark(id int64) (MockBookmark, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bookmarks[id]
	if !ok {
		return MockBookmark{}, false
	}
	return *b, true
}

// Bookmarks returns copies of every stored bookmark ordered by id.
func (m *MockServer) Bookmarks() []MockBookmark {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]MockBookmark, 0, len(m.bookmarks))
	for _, b := range m.bookmarks {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BookmarkID < out[j].BookmarkID })
	return out
}

// UpdateBookmark mutates a stored bookmark as if another client did, and
// recomputes its hash.
func (m *MockServer) UpdateBookmark(id int64, fn func(b *MockBookmark)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.bookmarks[id]; ok {
		fn(b)
		b.Hash = mockHash(b)
	}
}

// RemoveBookmark deletes a bookmark as if another client did.
func (m *MockServer) RemoveBookmark(id int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.bookmarks, id)
}

// SetText sets the article HTML returned by get_text.
func (m *MockServer) SetText(id int64, html string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.texts[id] = html
}

// SetUnavailable makes get_text fail with the text-unavailable code.
func (m *MockServer) SetUnavailable(id int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unavailable[id] = true
}

// SetFile serves content at URL()+"/files/"+name.
func (m *MockServer) SetFile(name string, content []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[name] = content
}

// FileURL returns the URL of a file registered with SetFile.
func (m *MockServer) FileURL(name string) string {
	return m.URL + "/files/" + name
}

// SetNextError forces the next API request to fail with the given status and body.
func (m *MockServer) SetNextError(status int, body string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextErr = &mockError{status: status, body: body}
}

// SetMethodError makes every call to method fail with the given service
// error code until ClearMethodErrors is called.
func (m *MockServer) SetMethodError(method string, code int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.methodErrors[method] = &mockError{status: http.StatusBadRequest, body: errorBody(code, "injected failure")}
}

// ClearMethodErrors removes every error set by SetMethodError.
func (m *MockServer) ClearMethodErrors() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.methodErrors = make(map[string]*mockError)
}

// SetHook registers fn to run before each API request is handled.
func (m *MockServer) SetHook(fn func(method string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hook = fn
}

// Calls returns how many times method was called, e.g. "bookmarks/star".
func (m *MockServer) Calls(method string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.calls[method]
}

func (m *MockServer) handleFile(w http.ResponseWriter, r *http.Request) {
	m.mu.RLock()
	content, ok := m.files[strings.TrimPrefix(r.URL.Path, "/files/")]
	m.mu.RUnlock()
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.Write(content)
}

func (m *MockServer) handleAPI(w http.ResponseWriter, r *http.Request) {
	method := strings.TrimPrefix(r.URL.Path, apiPrefix+"/")

	m.mu.Lock()
	m.calls[method]++
	hook := m.hook
	m.mu.Unlock()

	if hook != nil {
		hook(method)
	}

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
		http.Error(w, "missing credentials", http.StatusUnauthorized)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if e := m.nextErr; e != nil {
		m.nextErr = nil
		w.WriteHeader(e.status)
		w.Write([]byte(e.body))
		return
	}
	if e, ok := m.methodErrors[method]; ok {
		w.WriteHeader(e.status)
		w.Write([]byte(e.body))
		return
	}

	switch method {
	case "folders/list":
		m.handleListFolders(w)
	case "folders/add":
		m.handleAddFolder(w, r)
	case "folders/delete":
		m.handleDeleteFolder(w, r)
	case "bookmarks/list":
		m.handleListBookmarks(w, r)
	case "bookmarks/add":
		m.handleAddBookmark(w, r)
	case "bookmarks/get_text":
		m.handleGetText(w, r)
	case "bookmarks/delete", "bookmarks/move", "bookmarks/archive", "bookmarks/unarchive",
		"bookmarks/star", "bookmarks/unstar", "bookmarks/update_read_progress":
		m.handleBookmarkMutation(w, r, method)
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

func (m *MockServer) handleListFolders(w http.ResponseWriter) {
	type wireFolder struct {
		Type string `json:"type"`
		Folder
	}
	out := make([]wireFolder, 0, len(m.folders))
	for _, f := range m.folders {
		out = append(out, wireFolder{Type: "folder", Folder: f})
	}
	writeJSON(w, out)
}

func (m *MockServer) handleAddFolder(w http.ResponseWriter, r *http.Request) {
	title := r.PostForm.Get("title")
	for _, f := range m.folders {
		if f.Title == title {
			writeError(w, http.StatusBadRequest, CodeDuplicateFolder, "User already has a folder with this title")
			return
		}
	}
	f := m.addFolder(title)
	writeJSON(w, []Folder{f})
}

func (m *MockServer) handleDeleteFolder(w http.ResponseWriter, r *http.Request) {
	if !m.deleteFolder(r.PostForm.Get("folder_id")) {
		writeError(w, http.StatusBadRequest, CodeFolderNotFound, "Invalid or missing folder_id")
		return
	}
	writeJSON(w, []any{})
}

// deleteFolder removes a folder; its bookmarks go to the Archive.
func (m *MockServer) deleteFolder(folderID string) bool {
	for i, f := range m.folders {
		if f.FolderID.String() != folderID {
			continue
		}
		m.folders = append(m.folders[:i], m.folders[i+1:]...)
		for _, b := range m.bookmarks {
			if b.FolderID == folderID {
				b.FolderID = "archive"
				b.Hash = mockHash(b)
			}
		}
		return true
	}
	return false
}

func (m *MockServer) folderExists(folderID string) bool {
	if IsWellKnownRemoteFolder(folderID) {
		return true
	}
	for _, f := range m.folders {
		if f.FolderID.String() == folderID {
			return true
		}
	}
	return false
}

func (m *MockServer) handleListBookmarks(w http.ResponseWriter, r *http.Request) {
	folderID := r.PostForm.Get("folder_id")
	if folderID == "" {
		folderID = "unread"
	}
	if !m.folderExists(folderID) {
		writeError(w, http.StatusBadRequest, CodeFolderNotFound, "Invalid or missing folder_id")
		return
	}

	inFolder := make(map[int64]*MockBookmark)
	for id, b := range m.bookmarks {
		if (folderID == "starred" && bool(b.Starred)) || b.FolderID == folderID {
			inFolder[id] = b
		}
	}

	unchanged := make(map[int64]bool)
	var deleted []string
	for _, have := range ParseHave(r.PostForm.Get("have")) {
		b, ok := inFolder[have.ID]
		if !ok {
			deleted = append(deleted, strconv.FormatInt(have.ID, 10))
			continue
		}
		if have.ProgressTimestamp > b.ProgressTimestamp {
			b.Progress = have.Progress
			b.ProgressTimestamp = have.ProgressTimestamp
			b.Hash = mockHash(b)
		}
		if have.Hash == b.Hash {
			unchanged[have.ID] = true
		}
	}

	list := make([]*MockBookmark, 0, len(inFolder))
	for _, b := range inFolder {
		list = append(list, b)
	}
	// Newest first.
	sort.Slice(list, func(i, j int) bool { return list[i].BookmarkID > list[j].BookmarkID })
	if limit, err := strconv.Atoi(r.PostForm.Get("limit")); err == nil && limit > 0 && limit < len(list) {
		list = list[:limit]
	}

	type wireBookmark struct {
		Type string `json:"type"`
		Bookmark
	}
	resp := struct {
		Bookmarks []wireBookmark `json:"bookmarks"`
		DeleteIDs string         `json:"delete_ids"`
	}{Bookmarks: []wireBookmark{}, DeleteIDs: strings.Join(deleted, ",")}
	for _, b := range list {
		if unchanged[b.BookmarkID] {
			continue
		}
		resp.Bookmarks = append(resp.Bookmarks, wireBookmark{Type: "bookmark", Bookmark: b.Bookmark})
	}
	writeJSON(w, resp)
}

func (m *MockServer) handleAddBookmark(w http.ResponseWriter, r *http.Request) {
	u := r.PostForm.Get("url")
	if u == "" {
		writeError(w, http.StatusBadRequest, 1240, "Invalid URL specified")
		return
	}
	for _, b := range m.bookmarks {
		if b.URL == u {
			writeJSON(w, []Bookmark{b.Bookmark})
			return
		}
	}

	folderID := r.PostForm.Get("folder_id")
	if folderID != "" && !m.folderExists(folderID) {
		writeError(w, http.StatusBadRequest, CodeFolderNotFound, "Invalid or missing folder_id")
		return
	}
	title := r.PostForm.Get("title")
	if title == "" {
		title = u
	}
	b := m.addBookmark(Bookmark{URL: u, Title: title, Description: r.PostForm.Get("description")}, folderID)
	writeJSON(w, []Bookmark{b.Bookmark})
}

func (m *MockServer) handleGetText(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.ParseInt(r.PostForm.Get("bookmark_id"), 10, 64)
	if _, ok := m.bookmarks[id]; !ok {
		writeError(w, http.StatusBadRequest, CodeBookmarkNotFound, "Bookmark not found")
		return
	}
	text, ok := m.texts[id]
	if m.unavailable[id] || !ok {
		writeError(w, http.StatusBadRequest, CodeTextUnavailable, "Text view not available for this bookmark")
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(text))
}

func (m *MockServer) handleBookmarkMutation(w http.ResponseWriter, r *http.Request, method string) {
	id, _ := strconv.ParseInt(r.PostForm.Get("bookmark_id"), 10, 64)
	b, ok := m.bookmarks[id]
	if !ok {
		writeError(w, http.StatusBadRequest, CodeBookmarkNotFound, "Bookmark not found")
		return
	}

	switch method {
	case "bookmarks/delete":
		delete(m.bookmarks, id)
		writeJSON(w, []any{})
		return
	case "bookmarks/move":
		folderID := r.PostForm.Get("folder_id")
		if !m.folderExists(folderID) || IsWellKnownRemoteFolder(folderID) {
			writeError(w, http.StatusBadRequest, CodeFolderNotFound, "Invalid or missing folder_id")
			return
		}
		b.FolderID = folderID
	case "bookmarks/archive":
		b.FolderID = "archive"
	case "bookmarks/unarchive":
		b.FolderID = "unread"
	case "bookmarks/star":
		b.Starred = true
	case "bookmarks/unstar":
		b.Starred = false
	case "bookmarks/update_read_progress":
		ts, _ := strconv.ParseInt(r.PostForm.Get("progress_timestamp"), 10, 64)
		progress, _ := strconv.ParseFloat(r.PostForm.Get("progress"), 64)
		if ts >= b.ProgressTimestamp {
			b.Progress = progress
			b.ProgressTimestamp = ts
		}
	}
	b.Hash = mockHash(b)
	writeJSON(w, []Bookmark{b.Bookmark})
}

func mockHash(b *MockBookmark) string {
	sum := sha1.Sum([]byte(fmt.Sprintf("%d|%s|%s|%s|%s|%v|%d|%v",
		b.BookmarkID, b.URL, b.Title, b.Description, b.FolderID, b.Progress, b.ProgressTimestamp, bool(b.Starred))))
	return hex.EncodeToString(sum[:])[:8]
}

func errorBody(code int, message string) string {
	data, _ := json.Marshal([]map[string]any{{"type": "error", "error_code": code, "message": message}})
	return string(data)
}

func writeError(w http.ResponseWriter, status, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write([]byte(errorBody(code, message)))
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
