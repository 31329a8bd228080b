// Package md provides markdown formatting and parsing for bookmarks.
package md

import (
	"bufio"
	"errors"
	"fmt"
	"math"
	"net/url"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/JohanCodinha/storyvoid/internal/store"
)

const frontmatterDelim = "---"

// Frontmatter is the YAML header of a bookmark file.
type Frontmatter struct {
	ID                int64   `yaml:"id"`
	URL               string  `yaml:"url"`
	Folder            string  `yaml:"folder"`
	Starred           bool    `yaml:"starred"`
	Progress          float64 `yaml:"progress"`
	ProgressUpdatedAt string  `yaml:"progress_updated_at,omitempty"`
	Hash              string  `yaml:"hash,omitempty"`
	Article           string  `yaml:"article,omitempty"`
	Pending           bool    `yaml:"pending,omitempty"`
}

// ParsedBookmark is the data read back from a bookmark file.
type ParsedBookmark struct {
	Frontmatter
	Title       string
	Description string
}

// ToMarkdown renders a bookmark as markdown with YAML frontmatter.
// folder is the title of the folder the bookmark lives in.
func ToMarkdown(b store.Bookmark, folder string, pending bool) string {
	fm := Frontmatter{
		ID:       b.BookmarkID,
		URL:      b.URL,
		Folder:   folder,
		Starred:  b.Starred,
		Progress: b.Progress,
		Hash:     b.Hash,
		Pending:  pending,
	}
	if b.ProgressTimestamp > 0 {
		fm.ProgressUpdatedAt = time.Unix(b.ProgressTimestamp, 0).UTC().Format(time.RFC3339)
	}
	if b.ContentAvailableLocally {
		fm.Article = b.LocalFolderRelativePath
	}

	var sb strings.Builder
	sb.WriteString(frontmatterDelim + "\n")
	data, _ := yaml.Marshal(fm)
	sb.Write(data)
	sb.WriteString(frontmatterDelim + "\n\n")

	title := b.Title
	if title == "" {
		title = b.URL
	}
	sb.WriteString("# " + title + "\n")

	description := b.Description
	if description == "" {
		description = b.ExtractedDescription
	}
	if description != "" {
		sb.WriteString("\n" + description + "\n")
	}
	return sb.String()
}

// FromMarkdown parses a bookmark file written by ToMarkdown.
func FromMarkdown(content string) (*ParsedBookmark, error) {
	header, body, err := splitFrontmatter(content)
	if err != nil {
		return nil, err
	}

	parsed := &ParsedBookmark{}
	if err := yaml.Unmarshal([]byte(header), &parsed.Frontmatter); err != nil {
		return nil, fmt.Errorf("invalid frontmatter: %w", err)
	}
	parsed.Title, parsed.Description = parseBody(body)
	return parsed, nil
}

func splitFrontmatter(content string) (header, body string, err error) {
	content = strings.TrimPrefix(content, "\ufeff")
	if !strings.HasPrefix(content, frontmatterDelim+"\n") {
		return "", "", errors.New("missing frontmatter")
	}
	rest := content[len(frontmatterDelim)+1:]

	end := strings.Index(rest, "\n"+frontmatterDelim)
	if end < 0 {
		return "", "", errors.New("unterminated frontmatter")
	}
	header = rest[:end+1]
	body = strings.TrimPrefix(rest[end+1+len(frontmatterDelim):], "\n")
	return header, body, nil
}

// parseBody returns the first heading and the text after it.
func parseBody(body string) (title, description string) {
	var desc []string
	scanner := bufio.NewScanner(strings.NewReader(body))
	for scanner.Scan() {
		line := scanner.Text()
		if title == "" && strings.HasPrefix(line, "# ") {
			title = strings.TrimSpace(strings.TrimPrefix(line, "# "))
			continue
		}
		if title != "" {
			desc = append(desc, line)
		}
	}
	return title, strings.TrimSpace(strings.Join(desc, "\n"))
}

// Changes holds the edits a user made to a bookmark file.
type Changes struct {
	StarredChanged  bool
	NewStarred      bool
	ProgressChanged bool
	NewProgress     float64
}

// Any reports whether anything changed.
func (c Changes) Any() bool {
	return c.StarredChanged || c.ProgressChanged
}

// DetectChanges compares a parsed file with the stored bookmark. Only the
// fields that map to store operations are considered.
func DetectChanges(original store.Bookmark, parsed *ParsedBookmark) Changes {
	var c Changes
	if parsed.Starred != original.Starred {
		c.StarredChanged = true
		c.NewStarred = parsed.Starred
	}
	if math.Abs(parsed.Progress-original.Progress) > 1e-9 {
		c.ProgressChanged = true
		c.NewProgress = parsed.Progress
	}
	return c
}

// NewBookmark is the content of a file created to save a URL.
type NewBookmark struct {
	URL   string
	Title string
}

// ParseNew reads a new-bookmark file. It accepts either frontmatter with a
// url key and an optional heading, or a bare URL on the first non-empty line.
func ParseNew(content string) (*NewBookmark, error) {
	nb := &NewBookmark{}

	if header, body, err := splitFrontmatter(content); err == nil {
		var fm struct {
			URL   string `yaml:"url"`
			Title string `yaml:"title"`
		}
		if err := yaml.Unmarshal([]byte(header), &fm); err != nil {
			return nil, fmt.Errorf("invalid frontmatter: %w", err)
		}
		nb.URL = strings.TrimSpace(fm.URL)
		nb.Title = strings.TrimSpace(fm.Title)
		if heading, _ := parseBody(body); heading != "" {
			nb.Title = heading
		}
	} else {
		scanner := bufio.NewScanner(strings.NewReader(content))
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			if nb.URL == "" {
				nb.URL = line
				continue
			}
			nb.Title = strings.TrimSpace(strings.TrimPrefix(line, "# "))
			break
		}
	}

	if nb.URL == "" {
		return nil, errors.New("missing url")
	}
	u, err := url.Parse(nb.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid url %q", nb.URL)
	}
	return nb, nil
}

// NewTemplate is the initial content of a freshly created new-bookmark file.
func NewTemplate(title string) string {
	return frontmatterDelim + "\nurl: \n" + frontmatterDelim + "\n\n# " + title + "\n"
}
