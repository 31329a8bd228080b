package instapaper

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// IsWellKnownRemoteFolder reports whether folderID is one of the service's built-in folders.
func IsWellKnownRemoteFolder(folderID string) bool {
	switch folderID {
	case "unread", "archive", "starred":
		return true
	}
	return false
}

// Flag is a boolean the service encodes as "0" or "1".
type Flag bool

func (f Flag) MarshalJSON() ([]byte, error) {
	if f {
		return []byte(`"1"`), nil
	}
	return []byte(`"0"`), nil
}

func (f *Flag) UnmarshalJSON(data []byte) error {
	switch strings.Trim(string(data), `"`) {
	case "1", "true":
		*f = true
	case "0", "false", "", "null":
		*f = false
	default:
		return fmt.Errorf("invalid flag %s", data)
	}
	return nil
}

// FlexString accepts a JSON string or number. Folder ids are numbers for user
// folders and strings for built-in ones.
type FlexString string

func (s *FlexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*s = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var v string
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		*s = FlexString(v)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("invalid folder id %s: %w", data, err)
	}
	*s = FlexString(n.String())
	return nil
}

func (s FlexString) String() string { return string(s) }

func (s FlexString) MarshalJSON() ([]byte, error) {
	if _, err := strconv.ParseInt(string(s), 10, 64); err == nil {
		return []byte(s), nil
	}
	return json.Marshal(string(s))
}

// HaveItem describes a bookmark the client already has, so the server can
// skip sending it when nothing changed.
type HaveItem struct {
	ID                int64
	Hash              string
	Progress          float64
	ProgressTimestamp int64
}

// String renders the item as id, id:hash or id:hash:progress:timestamp.
func (h HaveItem) String() string {
	id := strconv.FormatInt(h.ID, 10)
	if h.Hash == "" {
		return id
	}
	if h.ProgressTimestamp == 0 {
		return id + ":" + h.Hash
	}
	return fmt.Sprintf("%s:%s:%s:%d", id, h.Hash,
		strconv.FormatFloat(h.Progress, 'f', -1, 64), h.ProgressTimestamp)
}

// FormatHave joins have items into the list call's have parameter.
func FormatHave(items []HaveItem) string {
	parts := make([]string, len(items))
	for i, item := range items {
		parts[i] = item.String()
	}
	return strings.Join(parts, ",")
}

// ParseHave parses a have parameter. Malformed entries are skipped.
func ParseHave(s string) []HaveItem {
	var items []HaveItem
	for _, part := range strings.Split(s, ",") {
		fields := strings.Split(strings.TrimSpace(part), ":")
		id, err := strconv.ParseInt(fields[0], 10, 64)
		if err != nil {
			continue
		}
		item := HaveItem{ID: id}
		if len(fields) > 1 {
			item.Hash = fields[1]
		}
		if len(fields) > 3 {
			item.Progress, _ = strconv.ParseFloat(fields[2], 64)
			item.ProgressTimestamp, _ = strconv.ParseInt(fields[3], 10, 64)
		}
		items = append(items, item)
	}
	return items
}
