// Package e2e provides end-to-end integration tests for taxsync.
package e2e

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/spf13/cobra"

	"github.com/jbctechsolutions/taxsync/internal/application/syncengine"
	"github.com/jbctechsolutions/taxsync/internal/infrastructure/testutil"
	"github.com/jbctechsolutions/taxsync/internal/presentation/cli/commands"
)

// executeCommand executes a cobra command with the given args and captures output.
func executeCommand(root *cobra.Command, args ...string) (string, error) {
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)
	err := root.Execute()
	return buf.String(), err
}

// run executes one CLI invocation, the way a separate process would.
func run(t *testing.T, args ...string) string {
	t.Helper()
	out, err := executeCommand(commands.NewRootCmd(), args...)
	if err != nil {
		t.Fatalf("taxsync %s: %v\n%s", strings.Join(args, " "), err, out)
	}
	return out
}

// writeConfig prepares HOME and a config file pointing at baseURL.
func writeConfig(t *testing.T, baseURL string, extra string) string {
	t.Helper()
	home := testutil.IsolateHome(t)

	content := "store:\n  path: " + filepath.Join(home, "taxsync.db") + "\n" +
		"remote:\n  base_url: " + baseURL + "\n" + extra
	return testutil.WriteFile(t, home, "config.yaml", content)
}

type listedMutation struct {
	ID         string `json:"id"`
	RetryCount int    `json:"retry_count"`
	Version    int64  `json:"version"`
	LastError  string `json:"last_error"`
}

func listQueue(t *testing.T, cfgPath string) []listedMutation {
	t.Helper()
	var rows []listedMutation
	out := run(t, "-c", cfgPath, "-o", "json", "sync", "list")
	if err := json.Unmarshal([]byte(out), &rows); err != nil {
		t.Fatalf("list output is not JSON: %v\n%s", err, out)
	}
	return rows
}

// TestE2E_CLICommands tests the read-only commands execute without error.
func TestE2E_CLICommands(t *testing.T) {
	cfgPath := writeConfig(t, "http://127.0.0.1:1", "")

	tests := []struct {
		name    string
		args    []string
		wantErr bool
	}{
		{"version", []string{"version"}, false},
		{"version json", []string{"version", "-o", "json"}, false},
		{"sync status", []string{"-c", cfgPath, "sync", "status"}, false},
		{"sync status json", []string{"-c", cfgPath, "sync", "status", "-o", "json"}, false},
		{"sync list", []string{"-c", cfgPath, "sync", "list"}, false},
		{"sync list critical", []string{"-c", cfgPath, "sync", "list", "--critical"}, false},
		{"cache stats", []string{"-c", cfgPath, "cache", "stats"}, false},
		{"breaker status", []string{"-c", cfgPath, "breaker", "status"}, false},
		{"queue missing endpoint", []string{"-c", cfgPath, "sync", "queue", "--form", "{}"}, true},
		{"unknown command", []string{"refund"}, true},
		{"help", []string{"--help"}, false},
		{"help sync", []string{"sync", "--help"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := executeCommand(commands.NewRootCmd(), tt.args...)
			if (err != nil) != tt.wantErr {
				t.Errorf("command %v: error = %v, wantErr %v", tt.args, err, tt.wantErr)
			}
		})
	}
}

// TestE2E_RetryThenFlush queues a change while the service fails, checks the
// retry bookkeeping survives across invocations, then flushes it once the
// service recovers.
func TestE2E_RetryThenFlush(t *testing.T) {
	var healthy atomic.Bool
	var delivered atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !healthy.Load() {
			http.Error(w, "maintenance", http.StatusServiceUnavailable)
			return
		}
		delivered.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	cfgPath := writeConfig(t, ts.URL, "sync:\n  retry_delays: [1m, 5m]\n")

	// Online, so queueing makes the first attempt.
	out := run(t, "-c", cfgPath, "-o", "json", "sync", "queue", "--endpoint", "/returns/2025/deductions", "--form", `{"80C":150000}`)
	var queued struct {
		Pending bool `json:"pending"`
	}
	if err := json.Unmarshal([]byte(out), &queued); err != nil {
		t.Fatalf("queue output is not JSON: %v", err)
	}
	if !queued.Pending {
		t.Fatal("a failed first attempt should leave the change pending")
	}

	rows := listQueue(t, cfgPath)
	if len(rows) != 1 {
		t.Fatalf("expected 1 queued change, got %d", len(rows))
	}
	if rows[0].RetryCount != 1 {
		t.Errorf("RetryCount = %d, want 1", rows[0].RetryCount)
	}
	if !strings.Contains(rows[0].LastError, "503") {
		t.Errorf("LastError = %q, want it to mention 503", rows[0].LastError)
	}

	// The retry is not due yet.
	var result syncengine.RunResult
	out = run(t, "-c", cfgPath, "-o", "json", "sync", "run")
	if err := json.Unmarshal([]byte(out), &result); err != nil {
		t.Fatalf("run output is not JSON: %v", err)
	}
	if !result.Skipped || result.SkipReason != syncengine.SkipNothingDue {
		t.Errorf("expected nothing due, got %+v", result)
	}

	healthy.Store(true)
	out = run(t, "-c", cfgPath, "-o", "json", "sync", "flush")
	if err := json.Unmarshal([]byte(out), &result); err != nil {
		t.Fatalf("flush output is not JSON: %v", err)
	}
	if result.Succeeded != 1 {
		t.Errorf("flush Succeeded = %d, want 1", result.Succeeded)
	}
	if delivered.Load() != 1 {
		t.Errorf("delivered = %d, want 1", delivered.Load())
	}
	if rows := listQueue(t, cfgPath); len(rows) != 0 {
		t.Errorf("queue should be empty, got %d entries", len(rows))
	}

	out = run(t, "-c", cfgPath, "-o", "json", "sync", "status")
	var status syncengine.Status
	if err := json.Unmarshal([]byte(out), &status); err != nil {
		t.Fatalf("status output is not JSON: %v", err)
	}
	if status.LastSync.IsZero() || status.Version < 1 {
		t.Errorf("metadata not recorded: %+v", status)
	}
}

// TestE2E_ServerWinsConflict checks a newer server record discards the local
// change.
func TestE2E_ServerWinsConflict(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"formData":{"80C":100000},"calculations":null,"timestamp":1774947600000,"version":42}`))
	}))
	defer ts.Close()

	cfgPath := writeConfig(t, ts.URL, "")

	run(t, "-c", cfgPath, "sync", "queue", "--endpoint", "/returns/2025/deductions", "--form", `{"80C":150000}`)

	if rows := listQueue(t, cfgPath); len(rows) != 0 {
		t.Errorf("server-wins conflict should drop the local change, got %d entries", len(rows))
	}
}

// TestE2E_EncryptedQueue checks encrypted payloads round-trip through the
// store and reach the remote in clear.
func TestE2E_EncryptedQueue(t *testing.T) {
	var body atomic.Value
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := new(bytes.Buffer)
		_, _ = buf.ReadFrom(r.Body)
		body.Store(buf.String())
		w.WriteHeader(http.StatusNoContent)
	}))
	defer ts.Close()

	cfgPath := writeConfig(t, ts.URL, "security:\n  encrypt_payloads: true\n")

	run(t, "-c", cfgPath, "--offline", "sync", "queue", "--endpoint", "/returns/2025/pan", "--form", `{"pan":"ABCDE1234F"}`)

	raw, err := os.ReadFile(filepath.Join(filepath.Dir(cfgPath), "taxsync.db"))
	if err != nil {
		t.Fatalf("failed to read store: %v", err)
	}
	if bytes.Contains(raw, []byte("ABCDE1234F")) {
		t.Error("payload stored in clear")
	}

	run(t, "-c", cfgPath, "sync", "run")
	got, _ := body.Load().(string)
	if !strings.Contains(got, "ABCDE1234F") {
		t.Errorf("remote received %q", got)
	}
}
