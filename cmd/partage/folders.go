package main

import (
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/vdust/partage/internal/share"
)

type folderRow struct {
	Name        string    `json:"name" yaml:"name"`
	Description string    `json:"description" yaml:"description"`
	AccessList  []string  `json:"accessList" yaml:"accessList"`
	Modified    time.Time `json:"modified" yaml:"modified"`
}

func newFoldersCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "folders",
		Short: "Manage shared folders",
	}
	cmd.AddCommand(
		newFoldersListCmd(a),
		newFoldersCreateCmd(a),
		newFoldersRenameCmd(a),
	)
	return cmd
}

func newFoldersListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List shared folders",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			mgr, err := a.manager(ctx)
			if err != nil {
				return err
			}
			folders := mgr.Folders(a.user(mgr))
			rows := make([]folderRow, 0, len(folders))
			for _, f := range folders {
				cfg := f.Config()
				r := folderRow{Name: f.Name(), AccessList: cfg.AccessList.Entries()}
				if cfg.Description != nil {
					r.Description = *cfg.Description
				}
				if st, err := f.Stat(ctx); err == nil {
					r.Modified = st.Mtime
				}
				rows = append(rows, r)
			}
			return a.render(cmd.OutOrStdout(), rows, func(w *tabwriter.Writer) {
				row(w, "NAME", "MODIFIED", "ACCESS", "DESCRIPTION")
				for _, r := range rows {
					row(w, r.Name, humanize.Time(r.Modified), strings.Join(r.AccessList, ","), r.Description)
				}
			})
		},
	}
}

func newFoldersCreateCmd(a *app) *cobra.Command {
	var (
		access      []string
		description string
	)
	cmd := &cobra.Command{
		Use:   "create NAME",
		Short: "Create a shared folder",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			acl, err := share.ParseAccessList(access)
			if err != nil {
				return err
			}
			mgr, err := a.manager(ctx)
			if err != nil {
				return err
			}
			cfg := share.Config{AccessList: acl}
			if cmd.Flags().Changed("description") {
				cfg.Description = &description
			}
			f, err := mgr.CreateFolder(ctx, a.user(mgr), args[0], cfg)
			if err != nil {
				return err
			}
			cmd.Printf("created %s\n", f.Name())
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&access, "access", nil, "access list entries, '+name' grants write access")
	cmd.Flags().StringVar(&description, "description", "", "folder description")
	return cmd
}

func newFoldersRenameCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "rename OLD NEW",
		Short: "Rename a shared folder",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			mgr, err := a.manager(ctx)
			if err != nil {
				return err
			}
			f, err := mgr.RenameFolder(ctx, a.user(mgr), args[0], args[1])
			if err != nil {
				return err
			}
			cmd.Printf("renamed %s to %s\n", args[0], f.Name())
			return nil
		},
	}
}
