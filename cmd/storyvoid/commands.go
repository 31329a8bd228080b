package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/JohanCodinha/storyvoid/internal/store"
	"github.com/JohanCodinha/storyvoid/internal/sync"
)

var (
	syncFolders      []string
	syncSkipArticles bool
	syncSkipFolders  bool
	resetConfirmed   bool
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Push local changes and pull remote ones",
	Long: `Sync folders, then bookmarks folder by folder, then download articles.

A failing folder does not stop the others. Ctrl+C stops the run after the
step in progress; completed steps are kept.`,
	Args: cobra.NoArgs,
	RunE: runSync,
}

var foldersCmd = &cobra.Command{
	Use:   "folders",
	Short: "List and edit folders",
}

var foldersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List folders",
	Args:  cobra.NoArgs,
	RunE:  runFoldersList,
}

var foldersAddCmd = &cobra.Command{
	Use:   "add <title>",
	Short: "Create a folder",
	Args:  cobra.ExactArgs(1),
	RunE:  runFoldersAdd,
}

var foldersRemoveCmd = &cobra.Command{
	Use:   "remove <folder>",
	Short: "Delete a folder; its bookmarks move to Orphaned",
	Args:  cobra.ExactArgs(1),
	RunE:  runFoldersRemove,
}

var bookmarksCmd = &cobra.Command{
	Use:     "bookmarks",
	Aliases: []string{"bm"},
	Short:   "List and edit bookmarks",
}

var bookmarksListCmd = &cobra.Command{
	Use:   "list [folder]",
	Short: "List the bookmarks of a folder (default Home)",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runBookmarksList,
}

var bookmarksAddCmd = &cobra.Command{
	Use:   "add <url> [title]",
	Short: "Save a URL; it is uploaded on the next sync",
	Args:  cobra.RangeArgs(1, 2),
	RunE:  runBookmarksAdd,
}

var bookmarksLikeCmd = &cobra.Command{
	Use:   "like <id>",
	Short: "Like a bookmark",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSetStarred(cmd, args[0], true)
	},
}

var bookmarksUnlikeCmd = &cobra.Command{
	Use:   "unlike <id>",
	Short: "Unlike a bookmark",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSetStarred(cmd, args[0], false)
	},
}

var bookmarksMoveCmd = &cobra.Command{
	Use:   "move <id> <folder>",
	Short: "Move a bookmark to another folder",
	Args:  cobra.ExactArgs(2),
	RunE:  runBookmarksMove,
}

var bookmarksRemoveCmd = &cobra.Command{
	Use:   "remove <id>",
	Short: "Delete a bookmark",
	Args:  cobra.ExactArgs(1),
	RunE:  runBookmarksRemove,
}

var bookmarksProgressCmd = &cobra.Command{
	Use:   "progress <id> <0..1>",
	Short: "Record reading progress",
	Args:  cobra.ExactArgs(2),
	RunE:  runBookmarksProgress,
}

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "Show local changes not yet synced",
	Args:  cobra.NoArgs,
	RunE:  runPending,
}

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Delete all local data, including unsynced changes",
	Args:  cobra.NoArgs,
	RunE:  runReset,
}

func init() {
	syncCmd.Flags().StringSliceVar(&syncFolders, "folder", nil, "only sync these folders (repeatable)")
	syncCmd.Flags().BoolVar(&syncSkipArticles, "skip-articles", false, "do not download articles")
	syncCmd.Flags().BoolVar(&syncSkipFolders, "skip-folders", false, "do not sync the folder list")
	resetCmd.Flags().BoolVar(&resetConfirmed, "yes", false, "confirm deletion")

	foldersCmd.AddCommand(foldersListCmd, foldersAddCmd, foldersRemoveCmd)
	bookmarksCmd.AddCommand(bookmarksListCmd, bookmarksAddCmd, bookmarksLikeCmd, bookmarksUnlikeCmd,
		bookmarksMoveCmd, bookmarksRemoveCmd, bookmarksProgressCmd)
	rootCmd.AddCommand(syncCmd, foldersCmd, bookmarksCmd, pendingCmd, resetCmd)
}

// withStore opens the store for the duration of fn.
func withStore(fn func(ctx context.Context, st *store.Store) error) error {
	ctx := context.Background()
	st, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()
	return fn(ctx, st)
}

// resolveFolder finds a folder by title (case-insensitive) or remote id.
func resolveFolder(ctx context.Context, st *store.Store, name string) (*store.Folder, error) {
	folders, err := st.ListCurrentFolders(ctx)
	if err != nil {
		return nil, err
	}
	for _, f := range folders {
		if strings.EqualFold(f.Title, name) || (f.FolderID != "" && f.FolderID == name) {
			return &f, nil
		}
	}
	return nil, fmt.Errorf("folder %q: %w", name, store.ErrFolderNotFound)
}

func parseBookmarkID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid bookmark id %q", s)
	}
	return id, nil
}

func parseProgress(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if pct, ok := strings.CutSuffix(s, "%"); ok {
		v, err := strconv.ParseFloat(pct, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid progress %q", s)
		}
		return v / 100, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid progress %q", s)
	}
	return v, nil
}

// =============================================================================
// sync
// =============================================================================

func runSync(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	return withStore(func(_ context.Context, st *store.Store) error {
		out := cmd.OutOrStdout()
		engine, err := newEngine(st, func(u sync.StatusUpdate) {
			switch u.Status {
			case sync.StatusFolder:
				if u.Err != nil {
					fmt.Fprintf(out, "  %-20s failed: %v\n", u.Title, u.Err)
				} else {
					fmt.Fprintf(out, "  %-20s ok\n", u.Title)
				}
			case sync.StatusArticlesStart:
				fmt.Fprintln(out, "downloading articles...")
			}
		})
		if err != nil {
			return err
		}
		defer engine.Stop()

		opts := sync.SyncOptions{SkipArticles: syncSkipArticles, SkipFolders: syncSkipFolders}
		for _, name := range syncFolders {
			f, err := resolveFolder(ctx, st, name)
			if err != nil {
				return err
			}
			opts.FolderDBIDs = append(opts.FolderDBIDs, f.ID)
		}

		fmt.Fprintln(out, "syncing...")
		report, err := engine.Sync(ctx, opts)
		if err != nil {
			return err
		}
		printReport(out, report)
		return report.Err()
	})
}

func printReport(w io.Writer, r *sync.Report) {
	if r.Folders != nil {
		fmt.Fprintf(w, "folders: %s added, %s updated, %s removed, %s uploaded\n",
			humanize.Comma(int64(r.Folders.Added)), humanize.Comma(int64(r.Folders.Updated)),
			humanize.Comma(int64(r.Folders.Removed)), humanize.Comma(int64(r.Folders.Uploaded)))
	}

	var added, updated, uploaded, orphaned int
	for _, res := range r.Bookmarks {
		added += res.Added
		updated += res.Updated + res.Moved
		uploaded += res.Uploaded
		orphaned += res.Orphaned
	}
	uploaded += r.AddsUploaded
	fmt.Fprintf(w, "bookmarks: %s new, %s changed, %s uploaded, %s orphaned, %s removed\n",
		humanize.Comma(int64(added)), humanize.Comma(int64(updated)), humanize.Comma(int64(uploaded)),
		humanize.Comma(int64(orphaned)), humanize.Comma(int64(r.OrphansRemoved)))

	if a := r.Articles; a != nil {
		fmt.Fprintf(w, "articles: %s downloaded, %s unavailable, %s failed\n",
			humanize.Comma(int64(a.Downloaded)), humanize.Comma(int64(a.Unavailable)), humanize.Comma(int64(a.Failed)))
	}

	if !r.Finished.IsZero() {
		fmt.Fprintf(w, "finished in %s\n", r.Finished.Sub(r.Started).Round(time.Millisecond))
	}
	if r.Cancelled != nil {
		fmt.Fprintln(w, "sync was cancelled; completed steps were kept")
	}
}

// =============================================================================
// folders
// =============================================================================

func runFoldersList(cmd *cobra.Command, args []string) error {
	return withStore(func(ctx context.Context, st *store.Store) error {
		folders, err := st.ListCurrentFolders(ctx)
		if err != nil {
			return err
		}

		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "TITLE\tREMOTE ID\tBOOKMARKS")
		for _, f := range folders {
			bookmarks, err := st.ListCurrentBookmarks(ctx, f.ID)
			if err != nil {
				return err
			}
			remote := f.FolderID
			switch {
			case f.LocalOnly:
				remote = "(local)"
			case remote == "":
				remote = "(pending)"
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\n", f.Title, remote, humanize.Comma(int64(len(bookmarks))))
		}
		return tw.Flush()
	})
}

func runFoldersAdd(cmd *cobra.Command, args []string) error {
	return withStore(func(ctx context.Context, st *store.Store) error {
		f, err := st.AddFolder(ctx, store.Folder{Title: args[0]}, false)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "created folder %q\n", f.Title)
		return nil
	})
}

func runFoldersRemove(cmd *cobra.Command, args []string) error {
	return withStore(func(ctx context.Context, st *store.Store) error {
		f, err := resolveFolder(ctx, st, args[0])
		if err != nil {
			return err
		}
		if err := st.RemoveFolder(ctx, f.ID, false); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "removed folder %q\n", f.Title)
		return nil
	})
}

// =============================================================================
// bookmarks
// =============================================================================

func runBookmarksList(cmd *cobra.Command, args []string) error {
	return withStore(func(ctx context.Context, st *store.Store) error {
		folderDBID := st.UnreadFolderDBID()
		if len(args) == 1 {
			f, err := resolveFolder(ctx, st, args[0])
			if err != nil {
				return err
			}
			folderDBID = f.ID
		}

		bookmarks, err := st.ListCurrentBookmarks(ctx, folderDBID)
		if err != nil {
			return err
		}
		return printBookmarks(cmd.OutOrStdout(), bookmarks, time.Now())
	})
}

func printBookmarks(w io.Writer, bookmarks []store.Bookmark, now time.Time) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tLIKED\tREAD\tUPDATED\tOFFLINE\tTITLE")
	for _, b := range bookmarks {
		liked := ""
		if b.Starred {
			liked = "*"
		}
		updated := "-"
		if b.ProgressTimestamp > 0 {
			updated = humanize.RelTime(time.Unix(b.ProgressTimestamp, 0), now, "ago", "from now")
		}
		offline := "-"
		switch {
		case b.ContentAvailableLocally:
			offline = "yes"
		case b.ArticleUnavailable:
			offline = "unavailable"
		case b.FailedToDownload:
			offline = "failed"
		}
		title := b.Title
		if title == "" {
			title = b.URL
		}
		fmt.Fprintf(tw, "%d\t%s\t%.0f%%\t%s\t%s\t%s\n", b.BookmarkID, liked, b.Progress*100, updated, offline, title)
	}
	return tw.Flush()
}

func runBookmarksAdd(cmd *cobra.Command, args []string) error {
	title := ""
	if len(args) == 2 {
		title = args[1]
	}
	return withStore(func(ctx context.Context, st *store.Store) error {
		if _, err := st.AddURL(ctx, args[0], title); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "saved %s; it will be uploaded on the next sync\n", args[0])
		return nil
	})
}

func runSetStarred(cmd *cobra.Command, arg string, starred bool) error {
	id, err := parseBookmarkID(arg)
	if err != nil {
		return err
	}
	return withStore(func(ctx context.Context, st *store.Store) error {
		if starred {
			_, err = st.LikeBookmark(ctx, id, false)
		} else {
			_, err = st.UnlikeBookmark(ctx, id, false)
		}
		if err != nil {
			return err
		}
		verb := "liked"
		if !starred {
			verb = "unliked"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s bookmark %d\n", verb, id)
		return nil
	})
}

func runBookmarksMove(cmd *cobra.Command, args []string) error {
	id, err := parseBookmarkID(args[0])
	if err != nil {
		return err
	}
	return withStore(func(ctx context.Context, st *store.Store) error {
		f, err := resolveFolder(ctx, st, args[1])
		if err != nil {
			return err
		}
		if f.ID == st.LikedFolderDBID() {
			return errors.New("use 'bookmarks like' to add a bookmark to Liked")
		}
		if _, err := st.MoveBookmark(ctx, id, f.ID, false); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "moved bookmark %d to %q\n", id, f.Title)
		return nil
	})
}

func runBookmarksRemove(cmd *cobra.Command, args []string) error {
	id, err := parseBookmarkID(args[0])
	if err != nil {
		return err
	}
	return withStore(func(ctx context.Context, st *store.Store) error {
		if err := st.RemoveBookmark(ctx, id, false); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "removed bookmark %d\n", id)
		return nil
	})
}

func runBookmarksProgress(cmd *cobra.Command, args []string) error {
	id, err := parseBookmarkID(args[0])
	if err != nil {
		return err
	}
	progress, err := parseProgress(args[1])
	if err != nil {
		return err
	}
	return withStore(func(ctx context.Context, st *store.Store) error {
		if _, err := st.UpdateReadProgress(ctx, id, progress); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "bookmark %d is %.0f%% read\n", id, progress*100)
		return nil
	})
}

// =============================================================================
// pending, reset
// =============================================================================

func runPending(cmd *cobra.Command, args []string) error {
	return withStore(func(ctx context.Context, st *store.Store) error {
		folderEdits, err := st.GetPendingFolderEdits(ctx)
		if err != nil {
			return err
		}
		bookmarkEdits, err := st.GetPendingBookmarkEdits(ctx, 0)
		if err != nil {
			return err
		}
		return printPending(ctx, cmd.OutOrStdout(), st, folderEdits, bookmarkEdits)
	})
}

func printPending(ctx context.Context, w io.Writer, st *store.Store, folderEdits []store.FolderPendingEdit, bookmarkEdits store.PendingBookmarkEdits) error {
	total := len(folderEdits) + bookmarkEdits.Len()
	if total == 0 {
		fmt.Fprintln(w, "nothing to sync")
		return nil
	}
	fmt.Fprintf(w, "%s pending %s\n", humanize.Comma(int64(total)), pluralize(total, "change", "changes"))

	folderTitle := func(id int64) string {
		if f, err := st.GetFolder(ctx, id); err == nil && f != nil {
			return f.Title
		}
		return fmt.Sprintf("folder %d", id)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, e := range folderEdits {
		fmt.Fprintf(tw, "folder %s\t%s\t\n", e.Type, e.Title)
	}
	for _, e := range bookmarkEdits.Adds {
		fmt.Fprintf(tw, "bookmark add\t%s\t\n", e.URL)
	}
	for _, group := range [][]store.BookmarkPendingEdit{bookmarkEdits.Moves, bookmarkEdits.Likes, bookmarkEdits.Unlikes, bookmarkEdits.Deletes} {
		for _, e := range group {
			detail := ""
			if e.Type == store.BookmarkEditMove {
				detail = folderTitle(e.SourceFolderDBID) + " -> " + folderTitle(e.DestinationFolderDBID)
			}
			fmt.Fprintf(tw, "bookmark %s\t%d\t%s\n", e.Type, e.BookmarkID, detail)
		}
	}
	return tw.Flush()
}

func pluralize(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}

func runReset(cmd *cobra.Command, args []string) error {
	if !resetConfirmed {
		return errors.New("reset deletes all local data including unsynced changes; pass --yes to confirm")
	}

	ctx := context.Background()
	st, err := openStore(ctx)
	if err != nil {
		return err
	}
	if err := st.DeleteAllData(ctx); err != nil {
		return err
	}
	if err := os.RemoveAll(cfg.ArticlesDir()); err != nil {
		return fmt.Errorf("failed to remove articles: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), "local data deleted")
	return nil
}
