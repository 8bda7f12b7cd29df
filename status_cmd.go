package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dgnsrekt/ttsdispatch/internal/server"
	"github.com/dgnsrekt/ttsdispatch/internal/ttypes"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var (
	statusJSON   bool
	statusHealth bool

	statusCmd = &cobra.Command{
		Use:     "status",
		Short:   "Show the state of a running daemon",
		Long:    paragraph(fmt.Sprintf("\n%s service status, adapter health and performance of a running ttsd daemon.", keyword("Show"))),
		Example: paragraph("ttsd status\nttsd status --health\nttsd status --addr 10.0.0.2:8765 --json"),
		Args:    cobra.NoArgs,
		RunE:    runStatus,
	}
)

func init() {
	statusCmd.Flags().String("addr", "", "daemon address (defaults to the listen setting)")
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "print raw JSON")
	statusCmd.Flags().BoolVar(&statusHealth, "health", false, "run a health check instead")
}

func runStatus(cmd *cobra.Command, _ []string) error {
	s, err := loadSettings(cmd)
	if err != nil {
		return err
	}
	addr, _ := cmd.Flags().GetString("addr")
	if addr == "" {
		addr = s.Listen
	}
	base := daemonURL(addr)
	ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
	defer cancel()
	w := cmd.OutOrStdout()

	if statusHealth {
		var h server.HealthResponse
		raw, err := getJSON(ctx, base+"/healthz", &h)
		if err != nil {
			return err
		}
		if statusJSON {
			_, err = w.Write(raw)
			return err
		}
		lines := []string{row("Healthy", yesNo(h.Healthy, "yes", "no"))}
		for _, c := range h.Checks {
			lines = append(lines, row("  "+c.Name, yesNo(c.Healthy, "ok", "fail")+"  "+c.Message))
		}
		lines = append(lines, row("Adapter", yesNo(h.Adapter.Healthy, "ok", "fail")+"  "+h.Adapter.Message))
		_, err = fmt.Fprintln(w, strings.Join(lines, "\n"))
		return err
	}

	var st server.StatusResponse
	raw, err := getJSON(ctx, base+"/v1/status", &st)
	if err != nil {
		return err
	}
	var perf ttypes.PerformanceMetrics
	if _, err := getJSON(ctx, base+"/v1/metrics/performance", &perf); err != nil {
		return err
	}
	if statusJSON {
		_, err = w.Write(raw)
		return err
	}

	svc := st.Service
	lines := []string{
		row("Type", string(svc.CurrentType)),
		row("Available", yesNo(svc.IsAvailable, "yes", "no")),
		row("Healthy", yesNo(svc.IsHealthy, "yes", "no")),
		row("Uptime", st.Uptime),
		row("Config version", fmt.Sprint(svc.ConfigVersion)),
		row("Processed", fmt.Sprintf("%s (%s ok, %s failed, %s cancelled)",
			humanize.Comma(svc.TotalProcessed), humanize.Comma(svc.TotalSucceeded),
			humanize.Comma(svc.TotalFailed), humanize.Comma(svc.TotalCancelled))),
		row("Avg latency", svc.AverageLatency.Round(time.Millisecond).String()),
		row("p95 / p99", fmt.Sprintf("%s / %s",
			perf.P95Latency.Round(time.Millisecond), perf.P99Latency.Round(time.Millisecond))),
		row("Req/min", fmt.Sprintf("%.1f", perf.RequestsPerMinute)),
		row("Error rate", fmt.Sprintf("%.1f%%", perf.ErrorRate*100)),
		row("Heap", humanize.IBytes(st.Resources.HeapAlloc)),
	}
	if st.CurrentRequestID != "" {
		lines = append(lines, row("Current", st.CurrentRequestID))
	}
	if svc.ErrorMessage != "" {
		lines = append(lines, row("Error", svc.ErrorMessage))
	} else if svc.LastError != "" {
		lines = append(lines, row("Last error", svc.LastError))
	}
	_, err = fmt.Fprintln(w, strings.Join(lines, "\n"))
	return err
}

// daemonURL turns a listen address into a base URL.
func daemonURL(addr string) string {
	if strings.Contains(addr, "://") {
		return strings.TrimSuffix(addr, "/")
	}
	if strings.HasPrefix(addr, ":") {
		addr = "127.0.0.1" + addr
	}
	return "http://" + addr
}

// getJSON decodes the body into v and also returns it raw. Non-2xx
// answers other than an unhealthy 503 are errors.
func getJSON(ctx context.Context, url string, v any) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("unable to reach daemon: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("unable to read response: %w", err)
	}
	if resp.StatusCode/100 != 2 && resp.StatusCode != http.StatusServiceUnavailable {
		return nil, fmt.Errorf("daemon answered HTTP status %d", resp.StatusCode)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return nil, fmt.Errorf("unable to decode response: %w", err)
	}
	return raw, nil
}
