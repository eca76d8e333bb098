package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/huntsman-array/huntsman-drp/internal/butler"
	"github.com/huntsman-array/huntsman-drp/internal/config"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage the butler registry schema",
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply pending registry migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRepository(func(repo *butler.Repository) error {
			if err := repo.MigrateUp(); err != nil {
				return err
			}
			return printMigrateVersion(repo)
		})
	},
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back the most recent registry migration",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRepository(func(repo *butler.Repository) error {
			if err := repo.MigrateDown(); err != nil {
				return err
			}
			return printMigrateVersion(repo)
		})
	},
}

var migrateVersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the registry schema version",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRepository(printMigrateVersion)
	},
}

var migrateForceCmd = &cobra.Command{
	Use:   "force [version]",
	Short: "Pin the registry version to recover from a dirty state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		v, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid version %q: %w", args[0], err)
		}
		return withRepository(func(repo *butler.Repository) error {
			if err := repo.MigrateForce(v); err != nil {
				return err
			}
			return printMigrateVersion(repo)
		})
	},
}

// withRepository opens the persistent registry, runs fn and closes it.
// Opening migrates up, so "down" and "force" act on a current schema.
func withRepository(fn func(*butler.Repository) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	repo, err := butler.NewRepository(cfg, repositoryRoot(cfg), logger)
	if err != nil {
		return err
	}
	defer repo.Close()
	return fn(repo)
}

// repositoryRoot resolves the persistent repository location the daemon
// uses: the configured butler directory, else the archive.
func repositoryRoot(cfg *config.Config) string {
	if cfg.Butler.Directory != "" {
		return cfg.Butler.Directory
	}
	return cfg.Directories.Archive
}

func printMigrateVersion(repo *butler.Repository) error {
	v, dirty, err := repo.MigrateVersion()
	if err != nil {
		return err
	}
	if dirty {
		fmt.Printf("registry at version %d (dirty)\n", v)
		return nil
	}
	fmt.Printf("registry at version %d\n", v)
	return nil
}

func init() {
	migrateCmd.AddCommand(migrateUpCmd)
	migrateCmd.AddCommand(migrateDownCmd)
	migrateCmd.AddCommand(migrateVersionCmd)
	migrateCmd.AddCommand(migrateForceCmd)

	rootCmd.AddCommand(migrateCmd)
}
