package main

import (
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/vdust/partage/internal/trash"
)

func newTrashCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trash",
		Short: "Inspect and manage the trash",
	}
	cmd.AddCommand(
		newTrashListCmd(a),
		newTrashEmptyCmd(a),
		newTrashRestoreCmd(a),
		newTrashRemoveCmd(a),
		newTrashPurgeCmd(a),
	)
	return cmd
}

func newTrashListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List trashed items",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			mgr, err := a.manager(ctx)
			if err != nil {
				return err
			}
			items, err := mgr.Trash().Scan(ctx, a.user(mgr))
			if err != nil {
				return err
			}
			if items == nil {
				items = []trash.Item{}
			}
			return a.render(cmd.OutOrStdout(), items, func(w *tabwriter.Writer) {
				row(w, "NAME", "TYPE", "ORIGIN", "TRASHED", "UID")
				for _, it := range items {
					origin := it.Origin
					if it.IsFolder {
						origin = "(shared folder)"
					}
					row(w, it.Name, it.Type, origin, humanize.Time(it.Timestamp), it.UID)
				}
			})
		},
	}
}

func newTrashEmptyCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "empty",
		Short: "Delete every trashed item for good",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			mgr, err := a.manager(ctx)
			if err != nil {
				return err
			}
			n, err := mgr.Trash().Empty(ctx, a.user(mgr))
			if err != nil {
				return err
			}
			cmd.Printf("removed %d item(s)\n", n)
			return nil
		},
	}
}

func newTrashRestoreCmd(a *app) *cobra.Command {
	var (
		dest     string
		noRename bool
		replace  bool
		parents  bool
	)
	cmd := &cobra.Command{
		Use:   "restore UID",
		Short: "Restore a trashed item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			mgr, err := a.manager(ctx)
			if err != nil {
				return err
			}
			rename := !noRename
			res, err := mgr.Trash().Restore(ctx, a.user(mgr), args[0], trash.RestoreOptions{
				Path:    dest,
				Rename:  &rename,
				Replace: replace,
				Parents: parents,
			})
			if err != nil {
				return err
			}
			if res.Resource != nil {
				res.Resource.Unref()
			}
			return a.render(cmd.OutOrStdout(), res, func(w *tabwriter.Writer) {
				row(w, "PATH", "TYPE", "SIZE", "REPLACED")
				replaced := "-"
				if res.Replaced != nil {
					replaced = res.Replaced.ItemUID
				}
				row(w, res.Path, res.Stats.Type, humanize.Bytes(uint64(res.Stats.Size)), replaced)
			})
		},
	}
	cmd.Flags().StringVar(&dest, "path", "", "destination path, folder name first (default: the original path)")
	cmd.Flags().BoolVar(&noRename, "no-rename", false, "fail instead of picking a new name when the destination exists")
	cmd.Flags().BoolVar(&replace, "replace", false, "move the current occupant of the destination to the trash")
	cmd.Flags().BoolVar(&parents, "parents", false, "create missing parent directories")
	return cmd
}

func newTrashRemoveCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "remove UID...",
		Short: "Delete trashed items for good",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			mgr, err := a.manager(ctx)
			if err != nil {
				return err
			}
			user := a.user(mgr)
			for _, uid := range args {
				if err := mgr.Trash().Remove(ctx, user, uid); err != nil {
					return err
				}
			}
			cmd.Printf("removed %d item(s)\n", len(args))
			return nil
		},
	}
}

func newTrashPurgeCmd(a *app) *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete items trashed longer ago than the retention period",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if !cmd.Flags().Changed("older-than") {
				olderThan = a.cfg.Storage.TrashRetention
			}
			if olderThan <= 0 {
				cmd.Println("no retention period configured, nothing to purge")
				return nil
			}
			mgr, err := a.manager(ctx)
			if err != nil {
				return err
			}
			n, err := mgr.Trash().Purge(ctx, olderThan)
			if err != nil {
				return err
			}
			cmd.Printf("purged %d item(s) older than %s\n", n, olderThan)
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "age threshold (default: storage.trash_retention)")
	return cmd
}
