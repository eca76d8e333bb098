package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/huntsman-array/huntsman-drp/internal/astrometry"
	"github.com/huntsman-array/huntsman-drp/internal/httputil"
	"github.com/huntsman-array/huntsman-drp/internal/refcat"
)

var (
	flagRefcatRA     float64
	flagRefcatDec    float64
	flagRefcatOutput string
)

var refcatCmd = &cobra.Command{
	Use:   "refcat",
	Short: "Cone-search the reference catalogue and write CSV",
	Long: `Queries the configured TAP service around a pointing and writes the
matching reference sources as CSV to stdout or --output.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.RefCat.TapURL == "" {
			return fmt.Errorf("refcat.tap_url is not configured")
		}

		client := refcat.NewClient(cfg, httputil.NewClient(httputil.DefaultTimeout), logger)
		coords := []refcat.Coordinate{{RA: flagRefcatRA, Dec: flagRefcatDec}}
		table, err := client.MakeReferenceCatalogue(cmd.Context(), coords)
		if err != nil {
			return err
		}

		if flagRefcatOutput != "" {
			if err := table.WriteCSVFile(flagRefcatOutput); err != nil {
				return err
			}
			logger.Infof("Wrote %d sources to %s", table.NumRows(), flagRefcatOutput)
			return nil
		}
		return table.WriteCSV(os.Stdout)
	},
}

var indexesCmd = &cobra.Command{
	Use:   "indexes",
	Short: "Mirror astrometry index files into the index directory",
	Long: `Fetches the remote index listing and downloads every file matching
the configured pattern that is not already on disk.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Astrometry.IndexURL == "" {
			return fmt.Errorf("astrometry.index_url is not configured")
		}

		n, err := astrometry.NewDownloader(cfg, nil, logger).Download(cmd.Context())
		if err != nil {
			return err
		}
		logger.Infof("Downloaded %d new index files to %s", n, cfg.Directories.Indexes)
		return nil
	},
}

func init() {
	refcatCmd.Flags().Float64Var(&flagRefcatRA, "ra", 0, "pointing right ascension in degrees")
	refcatCmd.Flags().Float64Var(&flagRefcatDec, "dec", 0, "pointing declination in degrees")
	refcatCmd.Flags().StringVarP(&flagRefcatOutput, "output", "o", "", "write CSV to this file instead of stdout")
	refcatCmd.MarkFlagRequired("ra")
	refcatCmd.MarkFlagRequired("dec")

	rootCmd.AddCommand(refcatCmd)
	rootCmd.AddCommand(indexesCmd)
}
