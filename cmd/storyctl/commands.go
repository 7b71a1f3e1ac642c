package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"parable-server/internal/cache"
	"parable-server/internal/config"
	"parable-server/internal/database"
	"parable-server/internal/logger"
	"parable-server/internal/models"
	"parable-server/internal/platform"
	"parable-server/internal/storage"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// backends - открытые хранилища, с которыми работают команды.
type backends struct {
	store *storage.Store
	cache *cache.Cache
	close func() error
}

type opener func(ctx context.Context) (*backends, error)

// schema - миграции базы кеша генераций.
type schema interface {
	Up() error
	Down() error
	Version() (uint, bool, error)
}

type schemaOpener func(ctx context.Context) (schema, func(), error)

// openBackends открывает хранилища по той же конфигурации, что и сервер.
func openBackends(ctx context.Context) (*backends, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	log, err := logger.New(logger.Config{Level: cfg.LogLevel, Encoding: "console", OutputPath: "stderr"})
	if err != nil {
		return nil, err
	}
	res := platform.NewResources(log)
	store, err := res.OpenSessionStore(ctx, cfg.Storage, log)
	if err != nil {
		_ = res.Close()
		return nil, err
	}
	c, err := res.OpenCache(ctx, cfg.Cache, log)
	if err != nil {
		_ = res.Close()
		return nil, err
	}
	return &backends{store: store, cache: c, close: res.Close}, nil
}

// openSchema подключается к базе кеша генераций (секрет cache_database_url).
func openSchema(ctx context.Context) (schema, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	if cfg.Cache.DatabaseURL == "" {
		return nil, nil, fmt.Errorf("cache database url is not configured")
	}
	log, err := logger.New(logger.Config{Level: cfg.LogLevel, Encoding: "console", OutputPath: "stderr"})
	if err != nil {
		return nil, nil, err
	}
	pool, err := database.Connect(ctx, cfg.Cache.DatabaseURL, cfg.Cache.DBMaxConns, log)
	if err != nil {
		return nil, nil, err
	}
	return database.NewMigrator(pool, log), pool.Close, nil
}

func newRootCmd(open opener) *cobra.Command {
	root := &cobra.Command{
		Use:           "storyctl",
		Short:         "Maintenance tool for the parable server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newCacheCmd(open), newSessionCmd(open), newUsageCmd(open), newMigrateCmd(openSchema))
	return root
}

// withBackends открывает хранилища на время выполнения команды.
func withBackends(open opener, fn func(ctx context.Context, b *backends, out io.Writer) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		b, err := open(ctx)
		if err != nil {
			return fmt.Errorf("open storage: %w", err)
		}
		defer func() {
			if b.close != nil {
				if err := b.close(); err != nil {
					zap.L().Warn("Failed to close storage", zap.Error(err))
				}
			}
		}()
		return fn(ctx, b, cmd.OutOrStdout())
	}
}

func newCacheCmd(open opener) *cobra.Command {
	cmd := &cobra.Command{Use: "cache", Short: "Manage the generation cache"}

	var kind string
	evict := &cobra.Command{
		Use:   "evict",
		Short: "Apply retention policies to cached media of one kind, or every kind",
		Args:  cobra.NoArgs,
	}
	evict.Flags().StringVar(&kind, "kind", "", "media kind (image, clip, audio); empty applies every policy")
	evict.RunE = func(c *cobra.Command, args []string) error {
		return withBackends(open, func(ctx context.Context, b *backends, out io.Writer) error {
			if kind == "" {
				removed, err := b.cache.EvictAll(ctx)
				if err != nil {
					return err
				}
				kinds := make([]string, 0, len(removed))
				for k := range removed {
					kinds = append(kinds, string(k))
				}
				sort.Strings(kinds)
				for _, k := range kinds {
					fmt.Fprintf(out, "%s: %d evicted\n", k, removed[models.MediaKind(k)])
				}
				return nil
			}
			mk, err := parseKind(kind)
			if err != nil {
				return err
			}
			n, err := b.cache.Evict(ctx, mk)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "%s: %d evicted\n", mk, n)
			return nil
		})(c, args)
	}

	cmd.AddCommand(evict)
	return cmd
}

func parseKind(s string) (models.MediaKind, error) {
	switch k := models.MediaKind(strings.ToLower(s)); k {
	case models.MediaImage, models.MediaClip, models.MediaAudio:
		return k, nil
	default:
		return "", fmt.Errorf("unknown media kind %q", s)
	}
}

func newSessionCmd(open opener) *cobra.Command {
	cmd := &cobra.Command{Use: "session", Short: "Inspect and prune saved sessions"}

	list := &cobra.Command{
		Use:   "list",
		Short: "List saved sessions",
		Args:  cobra.NoArgs,
		RunE: withBackends(open, func(ctx context.Context, b *backends, out io.Writer) error {
			keys, err := b.store.ListSessions(ctx)
			if err != nil {
				return err
			}
			sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
			for _, k := range keys {
				fmt.Fprintf(out, "%s\t%s\n", k.StoryID, k.UserID)
			}
			return nil
		}),
	}

	show := &cobra.Command{
		Use:   "show [story-id] [user-id]",
		Short: "Print a saved session as JSON",
		Args:  cobra.ExactArgs(2),
	}
	show.RunE = func(c *cobra.Command, args []string) error {
		key := models.SessionKey{StoryID: args[0], UserID: args[1]}
		return withBackends(open, func(ctx context.Context, b *backends, out io.Writer) error {
			sess, err := b.store.LoadSession(ctx, key)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(sess)
		})(c, args)
	}

	var all bool
	prune := &cobra.Command{
		Use:   "prune [story-id] [user-id]",
		Short: "Prune a saved session, or every session with --all",
		Args: func(c *cobra.Command, args []string) error {
			if all {
				return cobra.NoArgs(c, args)
			}
			return cobra.ExactArgs(2)(c, args)
		},
	}
	prune.Flags().BoolVar(&all, "all", false, "prune every saved session")
	prune.RunE = func(c *cobra.Command, args []string) error {
		return withBackends(open, func(ctx context.Context, b *backends, out io.Writer) error {
			var keys []models.SessionKey
			if all {
				var err error
				if keys, err = b.store.ListSessions(ctx); err != nil {
					return err
				}
			} else {
				keys = []models.SessionKey{{StoryID: args[0], UserID: args[1]}}
			}
			for _, k := range keys {
				if err := b.store.PruneSession(ctx, k); err != nil {
					return fmt.Errorf("prune %s: %w", k, err)
				}
			}
			fmt.Fprintf(out, "%d session(s) pruned\n", len(keys))
			return nil
		})(c, args)
	}

	cmd.AddCommand(list, show, prune)
	return cmd
}

func newUsageCmd(open opener) *cobra.Command {
	return &cobra.Command{
		Use:   "usage",
		Short: "Report session storage usage, pruning when above the threshold",
		Args:  cobra.NoArgs,
		RunE: withBackends(open, func(ctx context.Context, b *backends, out io.Writer) error {
			report, err := b.store.CheckUsage(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "used %d of %d bytes (%.1f%%), pruned %d\n",
				report.Used, report.Capacity, report.Ratio*100, report.Pruned)
			return nil
		}),
	}
}

func newMigrateCmd(open schemaOpener) *cobra.Command {
	cmd := &cobra.Command{Use: "migrate", Short: "Manage the generation cache database schema"}

	run := func(fn func(s schema, out io.Writer) error) func(*cobra.Command, []string) error {
		return func(c *cobra.Command, _ []string) error {
			ctx := c.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			s, closeFn, err := open(ctx)
			if err != nil {
				return fmt.Errorf("open cache database: %w", err)
			}
			defer closeFn()
			return fn(s, c.OutOrStdout())
		}
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			Args:  cobra.NoArgs,
			RunE: run(func(s schema, out io.Writer) error {
				if err := s.Up(); err != nil {
					return err
				}
				fmt.Fprintln(out, "migrations applied")
				return nil
			}),
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back every migration",
			Args:  cobra.NoArgs,
			RunE: run(func(s schema, out io.Writer) error {
				if err := s.Down(); err != nil {
					return err
				}
				fmt.Fprintln(out, "migrations rolled back")
				return nil
			}),
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print the current schema version",
			Args:  cobra.NoArgs,
			RunE: run(func(s schema, out io.Writer) error {
				v, dirty, err := s.Version()
				if err != nil {
					return err
				}
				if dirty {
					fmt.Fprintf(out, "version %d (dirty)\n", v)
					return nil
				}
				fmt.Fprintf(out, "version %d\n", v)
				return nil
			}),
		},
	)
	return cmd
}
