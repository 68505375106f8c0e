package commands

import (
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/jbctechsolutions/taxsync/internal/infrastructure/resilience"
	"github.com/jbctechsolutions/taxsync/internal/presentation/cli/output"
)

// NewBreakerCmd creates the circuit breaker command group.
func NewBreakerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "breaker",
		Short: "Inspect the remote circuit breaker",
		Long: `Inspect the circuit breaker that guards calls to the filing service.

The breaker opens after repeated failures and rejects calls until the reset
timeout passes, then lets a single trial call through.`,
	}

	cmd.AddCommand(newBreakerStatusCmd())

	return cmd
}

func newBreakerStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show breaker state",
		RunE: func(cmd *cobra.Command, args []string) error {
			container := GetContainer()
			if container == nil {
				return errNotInitialized
			}
			formatter := GetFormatter()
			cfg := container.Config().Breaker

			snap := container.ConnectionGuard().Breaker().Snapshot()
			if formatter.IsJSON() {
				return formatter.JSON(map[string]any{
					"name":              snap.Name,
					"state":             snap.State.String(),
					"failure_count":     snap.FailureCount,
					"last_failure_time": snap.LastFailureTime,
					"failure_threshold": cfg.FailureThreshold,
					"reset_timeout":     cfg.ResetTimeout.String(),
				})
			}

			formatter.Header("Circuit Breaker")
			formatter.Item("Name", snap.Name)
			formatter.Item("State", breakerLabel(formatter, snap.State.String()))
			formatter.Item("Failures", strconv.Itoa(snap.FailureCount)+"/"+strconv.Itoa(cfg.FailureThreshold))
			formatter.Item("Last failure", output.Timestamp(snap.LastFailureTime))
			formatter.Item("Reset timeout", cfg.ResetTimeout.String())
			if snap.State == resilience.StateOpen {
				remaining := time.Until(snap.LastFailureTime.Add(cfg.ResetTimeout))
				formatter.Item("Trial in", output.Duration(remaining))
			}
			return nil
		},
	}
}

// breakerLabel colors a breaker state name.
func breakerLabel(formatter *output.Formatter, state string) string {
	switch state {
	case resilience.StateOpen.String():
		return formatter.Colorize(state, output.ColorRed)
	case resilience.StateHalfOpen.String():
		return formatter.Colorize(state, output.ColorYellow)
	default:
		return formatter.Colorize(state, output.ColorGreen)
	}
}
