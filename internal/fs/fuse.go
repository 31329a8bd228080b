// Package fs provides a FUSE filesystem over the local bookmark store.
//
// Folders are directories and bookmarks are markdown files named
// title[id].md. Removing a file deletes the bookmark (or unlikes it inside
// Liked), moving it to another directory moves the bookmark (or likes it when
// the target is Liked), and creating title[new].md in the Home directory saves
// the URL written into it.
package fs

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/JohanCodinha/storyvoid/internal/logger"
	"github.com/JohanCodinha/storyvoid/internal/md"
	"github.com/JohanCodinha/storyvoid/internal/store"
)

// Inode number spaces.
const (
	folderInoBase      = 1 << 62
	placeholderInoBase = 1 << 61
	newFileInoBase     = 1 << 60
)

const cacheTimeout = time.Second

func folderIno(id int64) uint64 { return folderInoBase | uint64(id) }

func bookmarkIno(id int64) uint64 {
	if id < 0 {
		return placeholderInoBase | uint64(-id)
	}
	return uint64(id)
}

var newFileCounter atomic.Uint64

// FS represents the FUSE filesystem for the bookmark store.
type FS struct {
	view       *view
	mountpoint string
	server     *fuse.Server
}

// NewFS creates a new FUSE filesystem instance.
// The onDirty callback is called whenever a local edit is journaled.
// Pass nil if no callback is needed.
func NewFS(st *store.Store, mountpoint string, onDirty func()) *FS {
	return &FS{
		view:       &view{store: st, onDirty: onDirty},
		mountpoint: mountpoint,
	}
}

// Mount starts the FUSE server and blocks until unmounted.
// It sets up signal handlers for graceful shutdown on SIGINT/SIGTERM.
func (f *FS) Mount() error {
	root := &rootNode{view: f.view}

	timeout := cacheTimeout
	opts := &fs.Options{
		MountOptions: fuse.MountOptions{
			FsName: "storyvoid",
			Name:   "storyvoid",
		},
		EntryTimeout: &timeout,
		AttrTimeout:  &timeout,
		UID:          uint32(os.Getuid()),
		GID:          uint32(os.Getgid()),
	}

	server, err := fs.Mount(f.mountpoint, root, opts)
	if err != nil {
		return fmt.Errorf("failed to mount FUSE filesystem: %w", err)
	}
	f.server = server
	logger.Info("fs: mounted at %s", f.mountpoint)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		f.Unmount()
	}()

	server.Wait()
	signal.Stop(sigChan)
	return nil
}

// Unmount stops the FUSE server gracefully.
func (f *FS) Unmount() error {
	if f.server != nil {
		return f.server.Unmount()
	}
	return nil
}

// rootNode lists folders as directories.
type rootNode struct {
	fs.Inode
	view *view
}

var _ = (fs.NodeReaddirer)((*rootNode)(nil))
var _ = (fs.NodeLookuper)((*rootNode)(nil))
var _ = (fs.NodeMkdirer)((*rootNode)(nil))
var _ = (fs.NodeRmdirer)((*rootNode)(nil))
var _ = (fs.NodeRenamer)((*rootNode)(nil))

// Readdir returns one directory per folder.
func (r *rootNode) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	folders, err := r.view.folders(ctx)
	if err != nil {
		return nil, errno(err)
	}

	entries := make([]fuse.DirEntry, 0, len(folders))
	for _, f := range folders {
		entries = append(entries, fuse.DirEntry{
			Name: dirName(f.Title),
			Ino:  folderIno(f.ID),
			Mode: fuse.S_IFDIR,
		})
	}
	return fs.NewListDirStream(entries), 0
}

// Lookup finds a folder by directory name.
func (r *rootNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	f, err := r.view.folderByName(ctx, name)
	if err != nil {
		return nil, errno(err)
	}
	return r.folderInode(ctx, *f, out), 0
}

func (r *rootNode) folderInode(ctx context.Context, f store.Folder, out *fuse.EntryOut) *fs.Inode {
	out.Mode = fuse.S_IFDIR | 0755
	out.Ino = folderIno(f.ID)
	node := &folderNode{view: r.view, folderDBID: f.ID}
	return r.NewInode(ctx, node, fs.StableAttr{Mode: fuse.S_IFDIR, Ino: folderIno(f.ID)})
}

// Mkdir creates a folder.
func (r *rootNode) Mkdir(ctx context.Context, name string, mode uint32, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	f, err := r.view.mkdir(ctx, name)
	if err != nil {
		return nil, errno(err)
	}
	return r.folderInode(ctx, f, out), 0
}

// Rmdir removes a folder. Its bookmarks move to Orphaned.
func (r *rootNode) Rmdir(ctx context.Context, name string) syscall.Errno {
	return errno(r.view.rmdir(ctx, name))
}

// Rename rejects folder renames; the service has no call for them.
func (r *rootNode) Rename(ctx context.Context, name string, newParent fs.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	return syscall.EPERM
}

// folderNode lists the bookmarks of one folder.
type folderNode struct {
	fs.Inode
	view       *view
	folderDBID int64
}

var _ = (fs.NodeReaddirer)((*folderNode)(nil))
var _ = (fs.NodeLookuper)((*folderNode)(nil))
var _ = (fs.NodeCreater)((*folderNode)(nil))
var _ = (fs.NodeUnlinker)((*folderNode)(nil))
var _ = (fs.NodeRenamer)((*folderNode)(nil))

// Readdir returns the bookmark files in the folder.
func (d *folderNode) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	bookmarks, err := d.view.bookmarks(ctx, d.folderDBID)
	if err != nil {
		return nil, errno(err)
	}

	entries := make([]fuse.DirEntry, 0, len(bookmarks))
	for _, b := range bookmarks {
		entries = append(entries, fuse.DirEntry{
			Name: makeFilename(b.Title, b.BookmarkID),
			Ino:  bookmarkIno(b.BookmarkID),
			Mode: fuse.S_IFREG,
		})
	}
	return fs.NewListDirStream(entries), 0
}

// Lookup finds a bookmark file by name.
func (d *folderNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	b, err := d.view.bookmarkByName(ctx, d.folderDBID, name)
	if err != nil {
		return nil, errno(err)
	}
	content, _, err := d.view.content(ctx, b.BookmarkID)
	if err != nil {
		return nil, errno(err)
	}

	out.Mode = 0644
	out.Size = uint64(len(content))
	out.Ino = bookmarkIno(b.BookmarkID)
	mtime := progressTime(*b)
	out.SetTimes(&mtime, &mtime, &mtime)

	node := &bookmarkNode{view: d.view, id: b.BookmarkID}
	return d.NewInode(ctx, node, fs.StableAttr{Mode: fuse.S_IFREG, Ino: bookmarkIno(b.BookmarkID)}), 0
}

// Create starts a new bookmark. The filename must be in the format
// title[new].md and the file must be created in the Home folder.
func (d *folderNode) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*fs.Inode, fs.FileHandle, uint32, syscall.Errno) {
	titlePart, ok := parseNewBookmarkFilename(name)
	if !ok {
		return nil, nil, 0, syscall.EINVAL
	}
	if d.folderDBID != d.view.store.UnreadFolderDBID() {
		return nil, nil, 0, syscall.EPERM
	}

	title := unsanitizeTitle(titlePart)
	node := &newBookmarkNode{view: d.view, title: title, content: md.NewTemplate(title)}
	ino := newFileInoBase | newFileCounter.Add(1)
	child := d.NewInode(ctx, node, fs.StableAttr{Mode: fuse.S_IFREG, Ino: ino})

	// The creating writer starts from an empty file; later opens see the template.
	handle := &fileHandle{}

	out.Mode = 0644
	now := time.Now()
	out.SetTimes(&now, &now, &now)

	return child, handle, fuse.FOPEN_DIRECT_IO, 0
}

// Unlink deletes a bookmark, or unlikes it inside Liked.
func (d *folderNode) Unlink(ctx context.Context, name string) syscall.Errno {
	return errno(d.view.unlink(ctx, d.folderDBID, name))
}

// Rename moves a bookmark to another folder.
func (d *folderNode) Rename(ctx context.Context, name string, newParent fs.InodeEmbedder, newName string, flags uint32) syscall.Errno {
	dest, ok := newParent.(*folderNode)
	if !ok {
		return syscall.EPERM
	}
	return errno(d.view.rename(ctx, d.folderDBID, name, dest.folderDBID))
}

func progressTime(b store.Bookmark) time.Time {
	if b.ProgressTimestamp > 0 {
		return time.Unix(b.ProgressTimestamp, 0)
	}
	return time.Now()
}

// fileHandle buffers the content of an open file until it is flushed.
type fileHandle struct {
	mu     sync.Mutex
	buffer []byte
	dirty  bool
}

var _ = (fs.FileHandle)((*fileHandle)(nil))

func (h *fileHandle) read(dest []byte, off int64) fuse.ReadResult {
	h.mu.Lock()
	defer h.mu.Unlock()

	if off >= int64(len(h.buffer)) {
		return fuse.ReadResultData(nil)
	}
	end := off + int64(len(dest))
	if end > int64(len(h.buffer)) {
		end = int64(len(h.buffer))
	}
	return fuse.ReadResultData(h.buffer[off:end])
}

func (h *fileHandle) write(data []byte, off int64) (uint32, syscall.Errno) {
	h.mu.Lock()
	defer h.mu.Unlock()

	endPos := int(off) + len(data)
	if endPos > maxFileSize {
		return 0, syscall.EFBIG
	}
	if endPos > len(h.buffer) {
		newBuf := make([]byte, endPos)
		copy(newBuf, h.buffer)
		h.buffer = newBuf
	}
	copy(h.buffer[off:], data)
	h.dirty = true
	return uint32(len(data)), 0
}

func (h *fileHandle) truncate(sz uint64) uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()

	if sz < uint64(len(h.buffer)) {
		h.buffer = h.buffer[:sz]
	}
	h.dirty = true
	return uint64(len(h.buffer))
}

// flush hands the buffered content to fn if it changed.
func (h *fileHandle) flush(fn func(content string) error) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.dirty {
		return nil
	}
	if err := fn(string(h.buffer)); err != nil {
		return err
	}
	h.dirty = false
	return nil
}

// bookmarkNode is the markdown file of one bookmark. Writes to starred and
// progress in the frontmatter are applied on close.
type bookmarkNode struct {
	fs.Inode
	view *view
	id   int64
}

var _ = (fs.NodeGetattrer)((*bookmarkNode)(nil))
var _ = (fs.NodeSetattrer)((*bookmarkNode)(nil))
var _ = (fs.NodeOpener)((*bookmarkNode)(nil))
var _ = (fs.NodeReader)((*bookmarkNode)(nil))
var _ = (fs.NodeWriter)((*bookmarkNode)(nil))
var _ = (fs.NodeFlusher)((*bookmarkNode)(nil))

// Getattr returns file attributes.
func (f *bookmarkNode) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	content, b, err := f.view.content(ctx, f.id)
	if err != nil {
		return errno(err)
	}
	out.Mode = 0644
	out.Ino = bookmarkIno(f.id)
	out.Size = uint64(len(content))
	mtime := progressTime(*b)
	out.SetTimes(&mtime, &mtime, &mtime)
	return 0
}

// Setattr handles truncation of an open file.
func (f *bookmarkNode) Setattr(ctx context.Context, fh fs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	out.Mode = 0644
	out.Ino = bookmarkIno(f.id)
	now := time.Now()
	out.SetTimes(&now, &now, &now)

	if sz, ok := in.GetSize(); ok {
		if handle, ok := fh.(*fileHandle); ok {
			out.Size = handle.truncate(sz)
		} else {
			out.Size = sz
		}
		return 0
	}
	return f.Getattr(ctx, fh, out)
}

// Open renders the bookmark into a new handle.
func (f *bookmarkNode) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	content, _, err := f.view.content(ctx, f.id)
	if err != nil {
		return nil, 0, errno(err)
	}
	return &fileHandle{buffer: []byte(content)}, fuse.FOPEN_DIRECT_IO, 0
}

// Read reads from the open handle.
func (f *bookmarkNode) Read(ctx context.Context, fh fs.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	handle, ok := fh.(*fileHandle)
	if !ok {
		return nil, syscall.EBADF
	}
	return handle.read(dest, off), 0
}

// Write writes to the open handle.
func (f *bookmarkNode) Write(ctx context.Context, fh fs.FileHandle, data []byte, off int64) (uint32, syscall.Errno) {
	handle, ok := fh.(*fileHandle)
	if !ok {
		return 0, syscall.EBADF
	}
	return handle.write(data, off)
}

// Flush saves changed fields to the store.
func (f *bookmarkNode) Flush(ctx context.Context, fh fs.FileHandle) syscall.Errno {
	handle, ok := fh.(*fileHandle)
	if !ok {
		return 0
	}
	err := handle.flush(func(content string) error {
		return f.view.save(ctx, f.id, content)
	})
	if err != nil {
		logger.Warn("fs: failed to save bookmark %d: %v", f.id, err)
		return errno(err)
	}
	return 0
}

// newBookmarkNode is a file created to save a URL. It exists only until the
// URL is journaled; the bookmark appears under its own name after sync.
type newBookmarkNode struct {
	fs.Inode
	view  *view
	title string

	mu      sync.Mutex
	content string
}

var _ = (fs.NodeGetattrer)((*newBookmarkNode)(nil))
var _ = (fs.NodeSetattrer)((*newBookmarkNode)(nil))
var _ = (fs.NodeOpener)((*newBookmarkNode)(nil))
var _ = (fs.NodeReader)((*newBookmarkNode)(nil))
var _ = (fs.NodeWriter)((*newBookmarkNode)(nil))
var _ = (fs.NodeFlusher)((*newBookmarkNode)(nil))

// Getattr returns minimal attributes.
func (f *newBookmarkNode) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Mode = 0644
	if handle, ok := fh.(*fileHandle); ok {
		handle.mu.Lock()
		out.Size = uint64(len(handle.buffer))
		handle.mu.Unlock()
	} else {
		f.mu.Lock()
		out.Size = uint64(len(f.content))
		f.mu.Unlock()
	}
	now := time.Now()
	out.SetTimes(&now, &now, &now)
	return 0
}

// Setattr handles truncation.
func (f *newBookmarkNode) Setattr(ctx context.Context, fh fs.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	if handle, ok := fh.(*fileHandle); ok {
		if sz, ok := in.GetSize(); ok {
			out.Size = handle.truncate(sz)
		}
	}
	out.Mode = 0644
	now := time.Now()
	out.SetTimes(&now, &now, &now)
	return 0
}

// Open returns the last flushed content, or the template.
func (f *newBookmarkNode) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &fileHandle{buffer: []byte(f.content)}, fuse.FOPEN_DIRECT_IO, 0
}

// Read reads from the open handle.
func (f *newBookmarkNode) Read(ctx context.Context, fh fs.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	handle, ok := fh.(*fileHandle)
	if !ok {
		return nil, syscall.EBADF
	}
	return handle.read(dest, off), 0
}

// Write writes to the open handle.
func (f *newBookmarkNode) Write(ctx context.Context, fh fs.FileHandle, data []byte, off int64) (uint32, syscall.Errno) {
	handle, ok := fh.(*fileHandle)
	if !ok {
		return 0, syscall.EBADF
	}
	return handle.write(data, off)
}

// Flush journals the URL once the file holds one. An untouched template is
// left alone so editors can save in several steps.
func (f *newBookmarkNode) Flush(ctx context.Context, fh fs.FileHandle) syscall.Errno {
	handle, ok := fh.(*fileHandle)
	if !ok {
		return 0
	}
	err := handle.flush(func(content string) error {
		f.mu.Lock()
		f.content = content
		f.mu.Unlock()

		if _, err := md.ParseNew(content); err != nil {
			logger.Debug("fs: new bookmark %q not saved yet: %v", f.title, err)
			return nil
		}
		return f.view.addNew(ctx, content, f.title)
	})
	return errno(err)
}
