package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dotsetlabs/dotclaw/pkg/protocol"
)

// runCmd processes one request file (or stdin) directly, bypassing the
// spool. Useful for debugging the runtime outside the daemon.
func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run [request.json]",
		Short: "Process a single request and print the response envelope",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			var data []byte
			if len(args) == 1 {
				data, err = os.ReadFile(args[0])
			} else {
				data, err = io.ReadAll(cmd.InOrStdin())
			}
			if err != nil {
				return fmt.Errorf("read request: %w", err)
			}

			req, err := protocol.DecodeRequest(data, "cli")
			if err != nil {
				return err
			}

			runner, err := buildRunner(cfg)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			resp := runner.Run(ctx, req)
			out, err := json.MarshalIndent(resp, "", "  ")
			if err != nil {
				return err
			}
			cmd.Println(string(out))
			if resp.Status == protocol.StatusError {
				return fmt.Errorf("run failed: %s", resp.Error)
			}
			return nil
		},
	}
}
