package md

import (
	"strings"
	"testing"

	"github.com/JohanCodinha/storyvoid/internal/store"
	"github.com/google/go-cmp/cmp"
)

func testBookmark() store.Bookmark {
	return store.Bookmark{
		BookmarkID:        1234,
		FolderDBID:        1,
		FolderID:          "unread",
		Title:             "Crash on startup",
		URL:               "https://example.com/crash",
		Description:       "Why the app crashes immediately after login.",
		Hash:              "abc123",
		Progress:          0.25,
		ProgressTimestamp: 1767860100,
		Starred:           true,
	}
}

// Test 1: ToMarkdown produces valid frontmatter
func TestToMarkdown_ProducesValidFrontmatter(t *testing.T) {
	result := ToMarkdown(testBookmark(), "Home", false)

	if !strings.HasPrefix(result, "---\n") {
		t.Error("markdown should start with ---")
	}

	parts := strings.SplitN(result, "---", 3)
	if len(parts) < 3 {
		t.Fatal("could not extract frontmatter")
	}
	frontmatter := parts[1]

	expectedKeys := []string{"id:", "url:", "folder:", "starred:", "progress:", "progress_updated_at:", "hash:"}
	for _, key := range expectedKeys {
		if !strings.Contains(frontmatter, key) {
			t.Errorf("frontmatter should contain %q", key)
		}
	}
	if strings.Contains(frontmatter, "pending:") {
		t.Error("pending should be omitted when false")
	}
}

// Test 2: ToMarkdown includes all expected fields
func TestToMarkdown_IncludesAllExpectedFields(t *testing.T) {
	result := ToMarkdown(testBookmark(), "Home", true)

	checks := []struct {
		name     string
		contains string
	}{
		{"id", "id: 1234"},
		{"url", "url: https://example.com/crash"},
		{"folder", "folder: Home"},
		{"starred", "starred: true"},
		{"progress", "progress: 0.25"},
		{"progress_updated_at", "progress_updated_at: \"2026-01-08T08:15:00Z\""},
		{"hash", "hash: abc123"},
		{"pending", "pending: true"},
		{"title", "# Crash on startup"},
		{"description", "Why the app crashes immediately after login."},
	}

	for _, check := range checks {
		if !strings.Contains(result, check.contains) {
			t.Errorf("expected %s field: %q not found in:\n%s", check.name, check.contains, result)
		}
	}
}

// Test 3: ToMarkdown falls back to the URL and extracted description
func TestToMarkdown_Fallbacks(t *testing.T) {
	b := store.Bookmark{
		BookmarkID:              7,
		URL:                     "https://example.com/untitled",
		ExtractedDescription:    "First words of the article",
		ContentAvailableLocally: true,
		LocalFolderRelativePath: "7.html",
	}

	result := ToMarkdown(b, "Archive", false)

	for _, want := range []string{"# https://example.com/untitled", "First words of the article", "article: 7.html"} {
		if !strings.Contains(result, want) {
			t.Errorf("expected %q in:\n%s", want, result)
		}
	}
	if strings.Contains(result, "progress_updated_at") {
		t.Error("progress_updated_at should be omitted without a timestamp")
	}
}

// Test 4: Round-trip: ToMarkdown -> FromMarkdown preserves data
func TestRoundTrip_PreservesData(t *testing.T) {
	original := testBookmark()

	parsed, err := FromMarkdown(ToMarkdown(original, "Home", false))
	if err != nil {
		t.Fatalf("failed to parse markdown: %v", err)
	}

	want := &ParsedBookmark{
		Frontmatter: Frontmatter{
			ID:                1234,
			URL:               "https://example.com/crash",
			Folder:            "Home",
			Starred:           true,
			Progress:          0.25,
			ProgressUpdatedAt: "2026-01-08T08:15:00Z",
			Hash:              "abc123",
		},
		Title:       "Crash on startup",
		Description: "Why the app crashes immediately after login.",
	}
	if diff := cmp.Diff(want, parsed); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

// Test 5: FromMarkdown keeps multi-paragraph descriptions
func TestFromMarkdown_MultilineDescription(t *testing.T) {
	content := `---
id: 1
url: https://example.com
---

# Title

First line.

Second paragraph.
`

	parsed, err := FromMarkdown(content)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expected := "First line.\n\nSecond paragraph."
	if parsed.Description != expected {
		t.Errorf("expected description:\n%q\ngot:\n%q", expected, parsed.Description)
	}
}

// Test 6: FromMarkdown errors
func TestFromMarkdown_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"missing frontmatter", "# Just a title\n"},
		{"unterminated frontmatter", "---\nid: 1\n# Title\n"},
		{"malformed frontmatter", "---\nid: [1\n---\n# Title\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := FromMarkdown(tt.content); err == nil {
				t.Errorf("expected error for %q", tt.content)
			}
		})
	}
}

// Test 7: DetectChanges identifies the editable fields
func TestDetectChanges(t *testing.T) {
	original := testBookmark()

	tests := []struct {
		name    string
		edit    func(p *ParsedBookmark)
		want    Changes
		wantAny bool
	}{
		{
			name: "no changes",
			edit: func(p *ParsedBookmark) {},
			want: Changes{},
		},
		{
			name:    "unstarred",
			edit:    func(p *ParsedBookmark) { p.Starred = false },
			want:    Changes{StarredChanged: true, NewStarred: false},
			wantAny: true,
		},
		{
			name:    "progress",
			edit:    func(p *ParsedBookmark) { p.Progress = 1 },
			want:    Changes{ProgressChanged: true, NewProgress: 1},
			wantAny: true,
		},
		{
			name: "title and hash edits are ignored",
			edit: func(p *ParsedBookmark) { p.Title = "Other"; p.Hash = "zzz" },
			want: Changes{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			parsed, err := FromMarkdown(ToMarkdown(original, "Home", false))
			if err != nil {
				t.Fatalf("failed to parse markdown: %v", err)
			}
			tt.edit(parsed)

			got := DetectChanges(original, parsed)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("changes mismatch (-want +got):\n%s", diff)
			}
			if got.Any() != tt.wantAny {
				t.Errorf("Any() = %v, want %v", got.Any(), tt.wantAny)
			}
		})
	}
}

// Test 8: ParseNew accepts frontmatter and bare URLs
func TestParseNew(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    *NewBookmark
		wantErr bool
	}{
		{
			name:    "frontmatter with heading",
			content: "---\nurl: https://example.com/a\n---\n\n# A title\n",
			want:    &NewBookmark{URL: "https://example.com/a", Title: "A title"},
		},
		{
			name:    "frontmatter title key",
			content: "---\nurl: https://example.com/b\ntitle: From key\n---\n",
			want:    &NewBookmark{URL: "https://example.com/b", Title: "From key"},
		},
		{
			name:    "bare url",
			content: "\n  https://example.com/c  \n",
			want:    &NewBookmark{URL: "https://example.com/c"},
		},
		{
			name:    "bare url and title",
			content: "https://example.com/d\n# Dee\n",
			want:    &NewBookmark{URL: "https://example.com/d", Title: "Dee"},
		},
		{
			name:    "untouched template",
			content: NewTemplate("Something"),
			wantErr: true,
		},
		{
			name:    "not a url",
			content: "just some notes",
			wantErr: true,
		},
		{
			name:    "unsupported scheme",
			content: "ftp://example.com/file",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseNew(tt.content)
			if tt.wantErr {
				if err == nil {
					t.Errorf("ParseNew() expected error, got %+v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseNew() unexpected error: %v", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("ParseNew() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}
