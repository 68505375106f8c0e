package commands

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/jbctechsolutions/taxsync/internal/adapters/cache"
	"github.com/jbctechsolutions/taxsync/internal/application/ports"
	"github.com/jbctechsolutions/taxsync/internal/presentation/cli/output"
)

// NewCacheCmd creates the cache management command.
func NewCacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage the computation cache",
		Long: `Manage the cache of deterministic tax computations.

Results are keyed by a hash of their canonical inputs and kept in a small
in-memory tier backed by a durable SQLite tier.`,
	}

	cmd.AddCommand(NewCacheStatsCmd())
	cmd.AddCommand(NewCacheClearCmd())
	cmd.AddCommand(NewCacheConfigCmd())

	return cmd
}

// NewCacheStatsCmd creates the cache stats command.
func NewCacheStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show cache statistics",
		Long:  `Display entry counts, sizes, hit rates and evictions for each cache tier.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			container := GetContainer()
			if container == nil {
				return errNotInitialized
			}
			formatter := GetFormatter()

			c := container.CompositeCache()
			if c == nil {
				formatter.Warning("Cache is not enabled")
				return nil
			}

			stats, err := c.Stats(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to get cache stats: %w", err)
			}

			if formatter.IsJSON() {
				return formatter.JSON(stats)
			}

			formatter.Header("Cache Statistics")
			return formatter.Table(output.TableData{
				Columns: []output.TableColumn{
					{Header: "TIER"},
					{Header: "ENTRIES", Align: output.AlignRight},
					{Header: "SIZE", Align: output.AlignRight},
					{Header: "HITS", Align: output.AlignRight},
					{Header: "MISSES", Align: output.AlignRight},
					{Header: "HIT RATE", Align: output.AlignRight},
					{Header: "EVICTED", Align: output.AlignRight},
					{Header: "EXPIRED", Align: output.AlignRight},
					{Header: "OLDEST"},
				},
				Rows: [][]string{
					tierRow(cache.TierMemory, stats.Memory),
					tierRow(cache.TierDisk, stats.Durable),
				},
			})
		},
	}
}

func tierRow(name string, s *ports.CacheStats) []string {
	if s == nil {
		return []string{name, "-", "-", "-", "-", "-", "-", "-", "-"}
	}
	oldest := "-"
	if !s.OldestEntry.IsZero() {
		oldest = output.Duration(time.Since(s.OldestEntry)) + " ago"
	}
	return []string{
		name,
		strconv.FormatInt(s.TotalEntries, 10),
		output.Bytes(s.TotalSize),
		strconv.FormatInt(s.HitCount, 10),
		strconv.FormatInt(s.MissCount, 10),
		fmt.Sprintf("%.1f%%", s.HitRate),
		strconv.FormatInt(s.EvictionCount, 10),
		strconv.FormatInt(s.ExpiredCount, 10),
		oldest,
	}
}

// NewCacheClearCmd creates the cache clear command.
func NewCacheClearCmd() *cobra.Command {
	var confirm bool
	var expired bool

	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Clear the cache",
		Long:  `Clear all entries from both cache tiers, or only the expired ones.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			container := GetContainer()
			if container == nil {
				return errNotInitialized
			}
			formatter := GetFormatter()

			c := container.CompositeCache()
			if c == nil {
				formatter.Warning("Cache is not enabled")
				return nil
			}

			if expired {
				removed, err := c.Cleanup(cmd.Context())
				if err != nil {
					return fmt.Errorf("failed to cleanup cache: %w", err)
				}
				formatter.Success("Removed %d expired cache entries", removed)
				return nil
			}

			if !confirm {
				formatter.Warning("This will clear ALL cached computations.")
				formatter.Info("Use --confirm to proceed, or --expired to only clear expired entries.")
				return nil
			}

			if err := c.Clear(cmd.Context()); err != nil {
				return fmt.Errorf("failed to clear cache: %w", err)
			}

			formatter.Success("Cache cleared successfully")
			return nil
		},
	}

	cmd.Flags().BoolVar(&confirm, "confirm", false, "Confirm clearing all cache entries")
	cmd.Flags().BoolVar(&expired, "expired", false, "Only clear expired entries")

	return cmd
}

// NewCacheConfigCmd creates the cache config command.
func NewCacheConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Show cache configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := GetAppContext()
			if ctx == nil {
				return errNotInitialized
			}
			formatter := GetFormatter()
			cfg := ctx.Config.Cache

			if formatter.IsJSON() {
				return formatter.JSON(map[string]any{
					"enabled":            cfg.Enabled,
					"ttl":                cfg.TTL.String(),
					"max_memory_entries": cfg.MaxMemoryEntries,
					"max_disk_entries":   cfg.MaxDiskEntries,
					"sweep_interval":     cfg.SweepInterval.String(),
				})
			}

			formatter.Header("Cache Configuration")
			formatter.Item("Enabled", strconv.FormatBool(cfg.Enabled))
			formatter.Item("TTL", cfg.TTL.String())
			formatter.Item("Memory entries", strconv.Itoa(cfg.MaxMemoryEntries))
			formatter.Item("Disk entries", strconv.Itoa(cfg.MaxDiskEntries))
			formatter.Item("Sweep interval", cfg.SweepInterval.String())
			return nil
		},
	}
}
