package commands

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/jbctechsolutions/taxsync/internal/application/syncengine"
	domainErrors "github.com/jbctechsolutions/taxsync/internal/domain/errors"
	"github.com/jbctechsolutions/taxsync/internal/domain/mutation"
	"github.com/jbctechsolutions/taxsync/internal/presentation/cli/output"
)

// NewSyncCmd creates the sync command group.
func NewSyncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Queue and sync tax-return changes",
		Long: `Queue tax-return changes locally and push them to the filing service.

Changes are written to a durable queue first and sent in batches whenever
the service is reachable. Failed sends are retried with progressive backoff.`,
	}

	cmd.AddCommand(newSyncQueueCmd())
	cmd.AddCommand(newSyncRunCmd())
	cmd.AddCommand(newSyncFlushCmd())
	cmd.AddCommand(newSyncStatusCmd())
	cmd.AddCommand(newSyncListCmd())

	return cmd
}

func newSyncQueueCmd() *cobra.Command {
	var (
		endpoint     string
		method       string
		formData     string
		formFile     string
		calculations string
	)

	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Queue a change for sync",
		Example: `  taxsync sync queue --endpoint /returns/2025/income --form '{"salary":1200000}'
  taxsync sync queue --endpoint /returns/2025/income --form-file income.json --method POST`,
		RunE: func(cmd *cobra.Command, args []string) error {
			container := GetContainer()
			if container == nil {
				return errNotInitialized
			}
			formatter := GetFormatter()

			data := []byte(formData)
			if formFile != "" {
				var err error
				data, err = os.ReadFile(formFile) //nolint:gosec // path comes from the operator
				if err != nil {
					return fmt.Errorf("failed to read form file: %w", err)
				}
			}

			m, err := container.SyncEngine().QueueSync(cmd.Context(), data, []byte(calculations), endpoint, method)
			if err != nil {
				return fmt.Errorf("failed to queue change: %w", err)
			}

			// Queueing while online already made the first attempt.
			pending := true
			if _, err := container.MutationQueue().Get(cmd.Context(), m.ID); errors.Is(err, domainErrors.ErrMutationNotFound) {
				pending = false
			}

			if formatter.IsJSON() {
				return formatter.JSON(map[string]any{
					"id":      m.ID,
					"version": m.Version,
					"pending": pending,
				})
			}
			formatter.Success("Queued %s (version %d)", m.ID, m.Version)
			if pending {
				formatter.Info("Pending; it is retried by 'taxsync sync run' or the daemon")
			} else {
				formatter.Info("Sent to the filing service")
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&endpoint, "endpoint", "e", "", "remote endpoint (path or absolute URL)")
	cmd.Flags().StringVarP(&method, "method", "m", "PUT", "HTTP method")
	cmd.Flags().StringVarP(&formData, "form", "f", "", "form data as JSON")
	cmd.Flags().StringVar(&formFile, "form-file", "", "read form data from a JSON file")
	cmd.Flags().StringVar(&calculations, "calculations", "", "calculation result as JSON")
	_ = cmd.MarkFlagRequired("endpoint")
	cmd.MarkFlagsMutuallyExclusive("form", "form-file")
	cmd.MarkFlagsOneRequired("form", "form-file")

	return cmd
}

func newSyncRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Sync due changes now",
		RunE: func(cmd *cobra.Command, args []string) error {
			container := GetContainer()
			if container == nil {
				return errNotInitialized
			}

			abandoned := collectAbandoned(container.SyncEngine())
			result, err := container.SyncEngine().SyncPendingData(cmd.Context())
			if err != nil {
				return fmt.Errorf("sync failed: %w", err)
			}
			return printRunResult(GetFormatter(), result, abandoned.list())
		},
	}
}

func newSyncFlushCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "flush",
		Short: "Make one best-effort attempt at every queued change",
		Long: `Send every queued change once, ignoring retry backoff, within the
configured flush budget. Changes still in flight when the budget runs out
stay queued.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			container := GetContainer()
			if container == nil {
				return errNotInitialized
			}

			abandoned := collectAbandoned(container.SyncEngine())
			result, err := container.SyncEngine().FlushCritical(cmd.Context())
			if err != nil {
				return fmt.Errorf("flush failed: %w", err)
			}
			return printRunResult(GetFormatter(), result, abandoned.list())
		},
	}
}

// abandonedChange describes a change dropped after its last attempt.
type abandonedChange struct {
	ID       string `json:"id"`
	Endpoint string `json:"endpoint"`
	Error    string `json:"error"`
}

type abandonedCollector struct {
	mu      sync.Mutex
	changes []abandonedChange
}

func collectAbandoned(engine *syncengine.Engine) *abandonedCollector {
	c := &abandonedCollector{}
	engine.OnAbandoned(func(m mutation.PendingMutation, err error) {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.changes = append(c.changes, abandonedChange{ID: m.ID, Endpoint: m.Endpoint, Error: err.Error()})
	})
	return c
}

func (c *abandonedCollector) list() []abandonedChange {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.changes
}

func printRunResult(formatter *output.Formatter, result syncengine.RunResult, abandoned []abandonedChange) error {
	if formatter.IsJSON() {
		return formatter.JSON(struct {
			syncengine.RunResult
			Abandoned []abandonedChange `json:"abandoned,omitempty"`
		}{result, abandoned})
	}

	for _, a := range abandoned {
		formatter.Error("Gave up on %s %s: %s", a.ID, a.Endpoint, a.Error)
	}

	if result.Skipped {
		switch result.SkipReason {
		case syncengine.SkipOffline:
			formatter.Warning("Offline, nothing sent")
		case syncengine.SkipInProgress:
			formatter.Warning("A sync is already running")
		default:
			formatter.Info("Nothing due")
		}
		return nil
	}

	if result.Pending == 0 {
		formatter.Info("Queue is empty")
		return nil
	}

	msg := fmt.Sprintf("Synced %d of %d attempted (%d due)", result.Succeeded, result.Attempted, result.Pending)
	switch {
	case result.Aborted:
		formatter.Warning("%s, stopped early", msg)
	case result.Succeeded < result.Attempted:
		formatter.Warning("%s, failures will be retried", msg)
	default:
		formatter.Success("%s", msg)
	}
	return nil
}

func newSyncStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show queue, breaker and connectivity state",
		RunE: func(cmd *cobra.Command, args []string) error {
			container := GetContainer()
			if container == nil {
				return errNotInitialized
			}
			formatter := GetFormatter()

			status, err := container.SyncEngine().Status(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to read sync status: %w", err)
			}

			if formatter.IsJSON() {
				return formatter.JSON(status)
			}

			online := formatter.Colorize("offline", output.ColorYellow)
			if status.Online {
				online = formatter.Colorize("online", output.ColorGreen)
			}

			formatter.Header("Sync Status")
			formatter.Item("Connectivity", online)
			formatter.Item("Pending", strconv.Itoa(status.Pending))
			formatter.Item("Abandoned", strconv.FormatInt(status.Abandoned, 10))
			formatter.Item("Breaker", breakerLabel(formatter, status.BreakerState))
			formatter.Item("Failures", strconv.Itoa(status.BreakerFailures))
			formatter.Item("Last sync", output.Timestamp(status.LastSync))
			formatter.Item("Version", strconv.FormatInt(status.Version, 10))
			if !status.NextRetry.IsZero() {
				formatter.Item("Next retry", fmt.Sprintf("in %s", output.Duration(time.Until(status.NextRetry))))
			}
			return nil
		},
	}
}

func newSyncListCmd() *cobra.Command {
	var critical bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List queued changes",
		RunE: func(cmd *cobra.Command, args []string) error {
			container := GetContainer()
			if container == nil {
				return errNotInitialized
			}
			formatter := GetFormatter()

			entries, err := container.MutationQueue().List(cmd.Context(), critical)
			if err != nil {
				return fmt.Errorf("failed to list queue: %w", err)
			}

			if formatter.IsJSON() {
				type row struct {
					ID            string    `json:"id"`
					Endpoint      string    `json:"endpoint"`
					Method        string    `json:"method"`
					Timestamp     time.Time `json:"timestamp"`
					RetryCount    int       `json:"retry_count"`
					Version       int64     `json:"version"`
					NextAttemptAt time.Time `json:"next_attempt_at"`
					LastError     string    `json:"last_error,omitempty"`
				}
				rows := make([]row, 0, len(entries))
				for _, m := range entries {
					rows = append(rows, row{
						ID:            m.ID,
						Endpoint:      m.Endpoint,
						Method:        m.Method,
						Timestamp:     m.Timestamp,
						RetryCount:    m.RetryCount,
						Version:       m.Version,
						NextAttemptAt: m.NextAttemptAt,
						LastError:     m.LastError,
					})
				}
				return formatter.JSON(rows)
			}

			if len(entries) == 0 {
				formatter.Info("Queue is empty")
				return nil
			}

			table := output.TableData{
				Columns: []output.TableColumn{
					{Header: "ID"},
					{Header: "METHOD"},
					{Header: "ENDPOINT"},
					{Header: "VERSION", Align: output.AlignRight},
					{Header: "RETRIES", Align: output.AlignRight},
					{Header: "NEXT"},
					{Header: "LAST ERROR"},
				},
			}
			now := time.Now()
			for _, m := range entries {
				next := "now"
				if m.NextAttemptAt.After(now) {
					next = "in " + output.Duration(m.NextAttemptAt.Sub(now))
				}
				table.Rows = append(table.Rows, []string{
					m.ID,
					m.Method,
					output.Truncate(m.Endpoint, 40),
					strconv.FormatInt(m.Version, 10),
					strconv.Itoa(m.RetryCount),
					next,
					output.Truncate(m.LastError, 40),
				})
			}
			return formatter.Table(table)
		},
	}

	cmd.Flags().BoolVar(&critical, "critical", false, "only changes that still have attempts left")

	return cmd
}
