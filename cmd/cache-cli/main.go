// cache-cli is a small maintenance tool for blob cache files: list keys,
// read entries, invalidate and vacuum.
package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/nightjarhq/blobcache/cache"
)

var dbPath string

func openCache() (cache.Cache, error) {
	if dbPath == "" {
		return nil, fmt.Errorf("--db is required")
	}
	return cache.New(dbPath)
}

func withCache(fn func(ctx context.Context, c cache.Cache) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	c, err := openCache()
	if err != nil {
		return err
	}
	defer c.Close(ctx)
	return fn(ctx, c)
}

func main() {
	root := &cobra.Command{
		Use:           "cache-cli",
		Short:         "Inspect and maintain blob cache files",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&dbPath, "db", "", "path to the cache database file")

	root.AddCommand(&cobra.Command{
		Use:   "keys",
		Short: "List all non-expired keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCache(func(ctx context.Context, c cache.Cache) error {
				keys, err := c.Keys(ctx)
				if err != nil {
					return err
				}
				sort.Strings(keys)
				for _, key := range keys {
					fmt.Println(key)
				}
				return nil
			})
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "get <key>",
		Short: "Print the payload stored under a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCache(func(ctx context.Context, c cache.Cache) error {
				value, err := c.Get(ctx, args[0])
				if err != nil {
					return err
				}
				_, err = os.Stdout.Write(value)
				return err
			})
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "created <key>",
		Short: "Print the insertion time of a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCache(func(ctx context.Context, c cache.Cache) error {
				createdAt, err := c.CreatedAt(ctx, args[0])
				if err != nil {
					return err
				}
				if createdAt == nil {
					return fmt.Errorf("key %q not found", args[0])
				}
				fmt.Println(createdAt.Format(time.RFC3339Nano))
				return nil
			})
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "invalidate <key>...",
		Short: "Remove entries",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCache(func(ctx context.Context, c cache.Cache) error {
				return c.InvalidateMany(ctx, args)
			})
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "vacuum",
		Short: "Evict expired entries and reclaim space",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCache(func(ctx context.Context, c cache.Cache) error {
				return c.Vacuum(ctx)
			})
		},
	})

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
