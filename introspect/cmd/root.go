package cmd

import (
	"errors"
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/PatchLens/go-introspect/introspect/diag"
)

// NewRootCommand builds the stackreport command tree. Every subcommand reads the call sites recorded into the store
// directory given by --store.
func NewRootCommand() *cobra.Command {
	cfg := &diag.Config{}
	root := &cobra.Command{
		Use:   "stackreport",
		Short: "Inspect call sites recorded by a diag.Recorder",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&cfg.StoreDir, "store", "", "Path to the recorded call site store directory")
	flags.IntVar(&cfg.CacheMB, "cachemb", 64, "Cache memory budget in MB")
	flags.IntVar(&cfg.Top, "top", 20, "Maximum call sites or callers to include, 0 for all")

	root.AddCommand(
		newListCommand(cfg),
		newJsonCommand(cfg),
		newChartCommand(cfg),
		newExportCommand(cfg),
		newImportCommand(cfg),
	)
	return root
}

func newListCommand(cfg *diag.Config) *cobra.Command {
	var lines int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Print the most frequent call sites",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCallSites(cfg, func(sites []diag.CallSite) error {
				if len(sites) == 0 {
					_, err := fmt.Fprintln(cmd.OutOrStdout(), "no call sites recorded")
					return err
				}
				if cfg.Top > 0 && len(sites) > cfg.Top {
					sites = sites[:cfg.Top]
				}
				for _, site := range sites {
					if _, err := fmt.Fprint(cmd.OutOrStdout(), site.Summary(lines)); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&lines, "lines", 8, "Stack frames shown per call site")
	return cmd
}

func newJsonCommand(cfg *diag.Config) *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "json",
		Short: "Write the caller report as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg.ReportJsonFile = path
			return withCallSites(cfg, func(sites []diag.CallSite) error {
				if err := diag.BuildReport(sites).Limit(cfg.Top).WriteToFile(cfg.ReportJsonFile); err != nil {
					return fmt.Errorf("write report failed: %w", err)
				}
				log.Println("Report file wrote: " + cfg.ReportJsonFile)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&path, "json", "stackreport.json", "File to output the caller report")
	return cmd
}

func newChartCommand(cfg *diag.Config) *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "chart",
		Short: "Render the hits per caller chart",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg.ReportChartsFile = path
			return withCallSites(cfg, func(sites []diag.CallSite) error {
				if err := diag.WriteCallerChart(diag.BuildReport(sites), cfg.ReportChartsFile); err != nil {
					return err
				}
				log.Println("Chart file wrote: " + cfg.ReportChartsFile)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&path, "chart", "stackreport.png", "File to output the chart image (png, jpg or svg)")
	return cmd
}

func newExportCommand(cfg *diag.Config) *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export every recorded call site into a compressed archive",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg.ArchiveFile = path
			if err := cfg.PrepareArchiveOutput(); err != nil {
				return err
			}
			return withCallSites(cfg, func(sites []diag.CallSite) error {
				data, err := diag.ExportArchive(sites)
				if err != nil {
					return err
				} else if err = os.WriteFile(cfg.ArchiveFile, data, 0644); err != nil {
					return fmt.Errorf("write archive failed: %w", err)
				}
				log.Printf("Exported %d call sites: %s", len(sites), cfg.ArchiveFile)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&path, "archive", "callsites.msgpack.zst", "Archive file to write")
	return cmd
}

func newImportCommand(cfg *diag.Config) *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import an archive into the store, replacing call sites with the same key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg.ArchiveFile = path
			if cfg.ArchiveFile == "" {
				return errors.New("archive file is required")
			}
			data, err := os.ReadFile(cfg.ArchiveFile)
			if err != nil {
				return fmt.Errorf("read archive failed: %w", err)
			}
			sites, err := diag.ImportArchive(data)
			if err != nil {
				return err
			}
			if cfg.StoreDir != "" {
				if err := os.MkdirAll(cfg.StoreDir, 0755); err != nil {
					return fmt.Errorf("create store dir failed: %w", err)
				}
			}
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()
			if err := diag.RestoreArchive(store, sites); err != nil {
				return fmt.Errorf("restore archive failed: %w", err)
			}
			log.Printf("Imported %d call sites", len(sites))
			return nil
		},
	}
	cmd.Flags().StringVar(&path, "archive", "", "Archive file to read")
	return cmd
}

func openStore(cfg *diag.Config) (diag.Storage, error) {
	if err := cfg.Prepare(); err != nil {
		return nil, err
	}
	return cfg.OpenStorage()
}

func withCallSites(cfg *diag.Config, fn func(sites []diag.CallSite) error) error {
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	recorder, err := diag.NewRecorder(store, diag.RecorderOptions{})
	if err != nil {
		return err
	}
	sites, err := recorder.CallSites()
	if err != nil {
		return err
	}
	return fn(sites)
}
