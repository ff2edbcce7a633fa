package cmd

import (
	"errors"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/dotsetlabs/dotclaw/internal/spool"
)

// doctorCmd checks the environment the daemon needs: a parsable config,
// writable spool directories, and an API key.
func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check the runtime environment",
		RunE: func(cmd *cobra.Command, args []string) error {
			failures := 0
			check := func(name string, err error) {
				if err != nil {
					failures++
					cmd.Printf("✗ %s: %v\n", name, err)
				} else {
					cmd.Printf("✓ %s\n", name)
				}
			}

			cfg, err := loadConfig()
			check("config parses", err)
			if err != nil {
				return errFailures(failures)
			}

			_, err = spool.ResolveDirs(cfg.IPCDir)
			check("IPC directories writable", err)

			probe := filepath.Join(cfg.IPCDir, ".doctor-probe")
			err = spool.WriteFileAtomic(probe, []byte("ok"))
			os.Remove(probe)
			check("atomic writes work", err)

			err = os.MkdirAll(cfg.SessionRoot, 0o755)
			check("session root writable", err)

			err = os.MkdirAll(cfg.Workspace, 0o755)
			check("workspace writable", err)

			var keyErr error
			if cfg.OpenRouter.APIKey == "" {
				keyErr = errors.New("set DOTCLAW_API_KEY or OPENROUTER_API_KEY")
			}
			check("API key present", keyErr)

			return errFailures(failures)
		},
	}
}

func errFailures(n int) error {
	if n == 0 {
		return nil
	}
	return errors.New("doctor found problems")
}
