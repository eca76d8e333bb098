package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/huntsman-array/huntsman-drp/internal/config"
	"github.com/huntsman-array/huntsman-drp/internal/deploy"
)

var (
	flagComposeFile    string
	flagComposeProject string
	flagComposeDryRun  bool
)

var deployCmd = &cobra.Command{
	Use:   "deploy",
	Short: "Drive the docker compose stack",
	Long: `Starts, stops and inspects the compose stack backing the pipeline:
the document store, the NGAS archive and the test runner.`,
}

var deployUpCmd = &cobra.Command{
	Use:   "up [service...]",
	Short: "Start the document store and archive containers",
	RunE: func(cmd *cobra.Command, args []string) error {
		services := args
		if len(services) == 0 {
			services = []string{deploy.ServiceMongoDB, deploy.ServiceNGAS}
		}
		return runCompose(func(c *deploy.Compose) (string, error) {
			return c.Up(services...)
		})
	},
}

var deployDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Stop the compose stack",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCompose(func(c *deploy.Compose) (string, error) {
			return c.Down()
		})
	},
}

var deployStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show compose container status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCompose(func(c *deploy.Compose) (string, error) {
			return c.Status()
		})
	},
}

var deployTestCmd = &cobra.Command{
	Use:   "test",
	Short: "Run the containerised test suite",
	Long: `Runs the test-runner service with coverage reports written to the
coverage directory (` + config.EnvCoverageDir + `).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCompose(func(c *deploy.Compose) (string, error) {
			return c.RunTests(config.CoverageDir())
		})
	},
}

// runCompose executes one compose operation and relays its output.
func runCompose(op func(*deploy.Compose) (string, error)) error {
	c := deploy.NewCompose(flagComposeFile, flagComposeProject, flagComposeDryRun, logger)
	out, err := op(c)
	if out != "" {
		fmt.Println(out)
	}
	return err
}

func init() {
	deployCmd.PersistentFlags().StringVarP(&flagComposeFile, "file", "f", "docker-compose.yml", "compose file")
	deployCmd.PersistentFlags().StringVarP(&flagComposeProject, "project", "p", "huntsman", "compose project name")
	deployCmd.PersistentFlags().BoolVar(&flagComposeDryRun, "dry-run", false, "print commands without executing them")

	deployCmd.AddCommand(deployUpCmd)
	deployCmd.AddCommand(deployDownCmd)
	deployCmd.AddCommand(deployStatusCmd)
	deployCmd.AddCommand(deployTestCmd)

	rootCmd.AddCommand(deployCmd)
}
