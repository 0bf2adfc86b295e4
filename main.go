package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"agentfleet/config"
	"agentfleet/daemon"
	"agentfleet/log"
	"agentfleet/scheduler"
	"agentfleet/store"
)

var (
	version     = "1.0.0"
	workersFlag int

	rootCmd = &cobra.Command{
		Use:   "agentfleet",
		Short: "Agentfleet - resilience daemon for a multi-process agent platform",
		RunE: func(cmd *cobra.Command, args []string) error {
			log.Initialize(true)
			defer log.Close()

			cfg := config.LoadConfig()
			if workersFlag > 0 {
				cfg.WorkerCount = workersFlag
			}

			// Task payloads are opaque to the resilience core; the platform's
			// agent runtime registers the real executor when it embeds the
			// daemon. The standalone binary just records what it was handed.
			executor := scheduler.ExecutorFunc(func(ctx context.Context, task store.ScheduledTask) error {
				log.InfoLog.Printf("executing task %s for user %s: %s", task.ID, task.UserID, task.Payload)
				return nil
			})

			return daemon.Run(cfg, executor)
		},
	}

	statsCmd = &cobra.Command{
		Use:   "stats",
		Short: "Print task backlog and backend health",
		RunE: func(cmd *cobra.Command, args []string) error {
			log.Initialize(false)
			defer log.Close()

			cfg := config.LoadConfig()
			st, err := store.New(cfg.DBPath)
			if err != nil {
				return fmt.Errorf("open task store: %w", err)
			}
			defer st.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
			defer cancel()

			pending, err := st.PendingCount(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("workers:        %d\n", cfg.WorkerCount)
			fmt.Printf("worker id:      %d\n", scheduler.WorkerIdentity(cfg.WorkerCount))
			fmt.Printf("pending tasks:  %d\n", pending)
			if cfg.RedisAddr != "" {
				fmt.Printf("cache backend:  %s\n", log.SanitizeURL(cfg.RedisAddr))
			} else {
				fmt.Printf("cache backend:  local-only\n")
			}
			return nil
		},
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("agentfleet version %s\n", version)
		},
	}
)

func init() {
	rootCmd.Flags().IntVarP(&workersFlag, "workers", "w", 0, "Override the configured worker count")
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
	}
}
