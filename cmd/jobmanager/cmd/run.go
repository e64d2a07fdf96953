package cmd

import (
	"github.com/spf13/cobra"

	"github.com/liveq/jobmanager/internal/jobmanager"
)

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Runs the job manager",
		RunE:  runJobManager,
	}
	return cmd
}

func runJobManager(_ *cobra.Command, _ []string) error {
	config, err := loadConfig()
	if err != nil {
		return err
	}
	return jobmanager.Run(config)
}
