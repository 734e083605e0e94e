package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"astroseq/internal/config"
)

func newConfigCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration settings",
		Long:  "Show, validate, or initialize the astroseq configuration",
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("Configuration:\n\n")
			fmt.Printf("Database Path: %s\n", root.cfg.Paths.DatabasePath)
			fmt.Printf("Working Dir: %s\n", root.cfg.Paths.WorkingDir)
			fmt.Printf("Thread Cap: %d\n", root.cfg.Processing.ThreadCap)
			fmt.Printf("Fallback Memory: %d MB\n", root.cfg.Processing.FallbackAvailableMB)
			fmt.Printf("Writer Queue Depth: %d\n", root.cfg.Processing.WriterQueueDepth)
			fmt.Printf("Server Addr: %s\n", root.cfg.Server.Addr)
			fmt.Printf("Log Level: %s\n", root.cfg.Logging.Level)
			fmt.Printf("Log Format: %s\n", root.cfg.Logging.Format)
			fmt.Printf("Log Directory: %s\n", root.cfg.Logging.LogDir)
			return nil
		},
	}

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.Save(config.Default()); err != nil {
				return err
			}
			fmt.Println("default configuration written")
			return nil
		},
	}

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			if root.cfg.Processing.ThreadCap < 1 {
				return fmt.Errorf("processing.thread_cap must be at least 1")
			}
			if root.cfg.Processing.FallbackAvailableMB < 1 {
				return fmt.Errorf("processing.fallback_available_mb must be at least 1")
			}
			if root.cfg.Processing.WriterQueueDepth < 1 {
				return fmt.Errorf("processing.writer_queue_depth must be at least 1")
			}
			root.log.Info("configuration validation", "status", "valid")
			fmt.Println("configuration is valid")
			return nil
		},
	}

	cmd.AddCommand(showCmd, initCmd, validateCmd)
	return cmd
}
