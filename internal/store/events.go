package store

import "sync"

// Kind distinguishes folder events from bookmark events.
type Kind int

const (
	FolderChanged Kind = iota
	BookmarkChanged
)

func (k Kind) String() string {
	switch k {
	case FolderChanged:
		return "folderschanged"
	case BookmarkChanged:
		return "bookmarkschanged"
	default:
		return "unknown"
	}
}

// Operation is the mutation that produced an Event.
type Operation int

const (
	OpAdd Operation = iota
	OpUpdate
	OpDelete
	OpMove
	OpLike
	OpUnlike
)

func (op Operation) String() string {
	switch op {
	case OpAdd:
		return "add"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	case OpMove:
		return "move"
	case OpLike:
		return "like"
	case OpUnlike:
		return "unlike"
	default:
		return "unknown"
	}
}

// Event describes a committed change to the store.
// Folder and Bookmark hold a copy of the row after the change (before it, for deletes).
type Event struct {
	Kind      Kind
	Operation Operation

	FolderDBID int64
	BookmarkID int64

	// Set for bookmark moves.
	SourceFolderDBID      int64
	DestinationFolderDBID int64

	Folder   *Folder
	Bookmark *Bookmark
}

// subscribers holds the registered change listeners.
type subscribers struct {
	mu   sync.RWMutex
	next int
	fns  map[int]func(Event)
}

// Subscribe registers fn to receive every committed change. Listeners run
// synchronously on the goroutine that made the change, after the store lock
// is released, so they may call back into the store.
func (s *Store) Subscribe(fn func(Event)) (unsubscribe func()) {
	s.subs.mu.Lock()
	defer s.subs.mu.Unlock()

	if s.subs.fns == nil {
		s.subs.fns = make(map[int]func(Event))
	}
	id := s.subs.next
	s.subs.next++
	s.subs.fns[id] = fn

	return func() {
		s.subs.mu.Lock()
		defer s.subs.mu.Unlock()
		delete(s.subs.fns, id)
	}
}

func (s *Store) dispatch(events []Event) {
	if len(events) == 0 {
		return
	}

	s.subs.mu.RLock()
	fns := make([]func(Event), 0, len(s.subs.fns))
	for _, fn := range s.subs.fns {
		fns = append(fns, fn)
	}
	s.subs.mu.RUnlock()

	for _, ev := range events {
		for _, fn := range fns {
			fn(ev)
		}
	}
}
