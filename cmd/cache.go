package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/labstack/gommon/bytes"
	"github.com/spf13/cobra"
	"github.com/tphakala/offlinecache/internal/cachestorage"
	"github.com/tphakala/offlinecache/internal/conf"
	"github.com/tphakala/offlinecache/internal/errors"
	"github.com/tphakala/offlinecache/internal/offline"
)

var listEntries bool

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect and manage cache generations",
	Long: `Inspect and manage the cache generations in the configured storage.
These commands need persistent storage (sqlite or mysql).`,
}

var cacheListCmd = &cobra.Command{
	Use:   "list",
	Short: "List cache generations",
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := newStorageApp()
		if err != nil {
			return err
		}
		defer a.close()
		return listCaches(cmd, a.storage, listEntries)
	},
}

var cacheInstallCmd = &cobra.Command{
	Use:   "install",
	Short: "Pre-cache the configured version without activating it",
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := newStorageApp()
		if err != nil {
			return err
		}
		defer a.close()

		ctx := cmd.Context()
		if err := a.manager.Restore(ctx); err != nil {
			return err
		}
		if err := a.manager.Install(ctx); err != nil {
			return err
		}
		cmd.Printf("installed %s\n", a.manager.Version())
		return nil
	},
}

var cacheActivateCmd = &cobra.Command{
	Use:   "activate",
	Short: "Install the configured version and make it the active generation",
	Long: `Install the configured version and activate it, deleting every other
generation. A running proxy picks the new generation up on its next start.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := newStorageApp()
		if err != nil {
			return err
		}
		defer a.close()

		ctx := cmd.Context()
		if err := a.manager.Restore(ctx); err != nil {
			return err
		}
		if a.manager.State() == offline.StateActivated {
			cmd.Printf("%s is already active\n", a.manager.Version())
			return nil
		}
		if err := a.manager.Install(ctx); err != nil {
			return err
		}
		if err := a.manager.Activate(ctx); err != nil {
			return err
		}
		cmd.Printf("activated %s\n", a.manager.ActiveVersion())
		return nil
	},
}

func init() {
	cacheListCmd.Flags().BoolVarP(&listEntries, "entries", "e", false, "list the entries of each generation")

	cacheCmd.AddCommand(cacheListCmd)
	cacheCmd.AddCommand(cacheInstallCmd)
	cacheCmd.AddCommand(cacheActivateCmd)
}

// newStorageApp is newApp for commands that need persistent storage.
func newStorageApp() (*app, error) {
	a, err := newApp()
	if err != nil {
		return nil, err
	}
	if a.settings.Storage.Type == conf.StorageMemory {
		a.close()
		return nil, errors.Newf("cache commands need persistent storage, storage.type is %q", conf.StorageMemory).
			Component("cmd").
			Category(errors.CategoryConfiguration).
			Build()
	}
	return a, nil
}

// listCaches prints one line per generation, and its entries when requested.
func listCaches(cmd *cobra.Command, storage cachestorage.Storage, entries bool) error {
	ctx := cmd.Context()
	active, err := storage.ActiveVersion(ctx)
	if err != nil {
		return err
	}
	names, err := storage.Names(ctx)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "GENERATION\tACTIVE\tENTRIES\tSIZE")
	for _, name := range names {
		cache, ok, err := storage.Lookup(ctx, name)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		keys, err := cache.Keys(ctx)
		if err != nil {
			return err
		}
		var total int64
		for _, k := range keys {
			total += k.Size
		}
		marker := ""
		if name == active {
			marker = "*"
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", name, marker, len(keys), bytes.Format(total))
		if entries {
			for _, k := range keys {
				_, _ = fmt.Fprintf(tw, "  %s %s\t%d\t%s\t%s\n", k.Method, k.URL, k.Status, k.Type, bytes.Format(k.Size))
			}
		}
	}
	return tw.Flush()
}
