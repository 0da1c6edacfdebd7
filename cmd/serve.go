package cmd

import (
	"fmt"

	approuters "github.com/civicworks/roadwatch/internal/app_routers"
	"github.com/civicworks/roadwatch/internal/configuration"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the socket and application servers",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	container, err := configuration.BuildContainer(configPath)
	if err != nil {
		return fmt.Errorf("build container: %w", err)
	}
	defer container.Close()

	approuters.StartServer(container)
	return nil
}
