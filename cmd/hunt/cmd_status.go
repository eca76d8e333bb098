package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/huntsman-array/huntsman-drp/internal/bus"
	"github.com/huntsman-array/huntsman-drp/internal/config"
	"github.com/huntsman-array/huntsman-drp/internal/httputil"
	"github.com/huntsman-array/huntsman-drp/internal/services"
)

var (
	flagStatusAddr  string
	flagStatusWatch bool
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show pipeline service status",
	Long: `Queries the daemon's status API and prints one row per service.
With --watch it subscribes to the event bus instead and streams service
events until interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if flagStatusWatch {
			return watchStatus(cmd.Context(), cfg)
		}
		return showStatus(cmd.Context(), cfg)
	},
}

// statusURL resolves the status endpoint from the flag or the configured
// listen address. Bare ":port" addresses resolve to the local host.
func statusURL(cfg *config.Config, override string) string {
	addr := override
	if addr == "" {
		addr = cfg.Services.GetListenAddr()
	}
	if strings.HasPrefix(addr, ":") {
		addr = "127.0.0.1" + addr
	}
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return addr + "/api/status"
}

func showStatus(ctx context.Context, cfg *config.Config) error {
	url := statusURL(cfg, flagStatusAddr)
	resp, err := httputil.Get(ctx, httputil.NewClient(httputil.DefaultTimeout), url)
	if err != nil {
		return fmt.Errorf("failed to query %s: %w", url, err)
	}
	body, err := httputil.ReadBody(resp)
	if err != nil {
		return fmt.Errorf("failed to query %s: %w", url, err)
	}
	var statuses []services.Status
	if err := json.Unmarshal(body, &statuses); err != nil {
		return fmt.Errorf("failed to decode status response: %w", err)
	}
	return printStatuses(os.Stdout, statuses)
}

func printStatuses(w io.Writer, statuses []services.Status) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SERVICE\tRUNNING\tQUEUED\tPROCESSED\tFAILED")
	for _, s := range statuses {
		fmt.Fprintf(tw, "%s\t%t\t%d\t%d\t%d\n", s.Service, s.Running, s.Queued, s.Processed, s.Failed)
	}
	return tw.Flush()
}

func watchStatus(ctx context.Context, cfg *config.Config) error {
	if !cfg.NATS.Enabled {
		return errors.New("event bus is not enabled (set nats.enabled)")
	}
	err := bus.Subscribe(ctx, cfg, func(ev bus.Event) {
		fmt.Printf("%s %-14s %-8s queued=%d processed=%d failed=%d\n",
			ev.Time.Format("15:04:05"), ev.Service, ev.State, ev.Queued, ev.Processed, ev.Failed)
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func init() {
	statusCmd.Flags().StringVar(&flagStatusAddr, "addr", "", "status API address (default from config)")
	statusCmd.Flags().BoolVarP(&flagStatusWatch, "watch", "w", false, "stream service events from the bus")

	rootCmd.AddCommand(statusCmd)
}
