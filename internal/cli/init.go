package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/machPoint/pm-net/internal/config"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a config file and the data directory",
	Long: `Write a default pmnet.json (or pmnet.yaml with --format yaml) in the current
directory, create the data directory layout, apply database migrations and
store the configured scheduler profile as the "default" profile.`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().String("format", "json", "Config file format: json or yaml")
	initCmd.Flags().Bool("force", false, "Overwrite an existing config file")
}

func runInit(cmd *cobra.Command, args []string) error {
	format, _ := cmd.Flags().GetString("format")
	force, _ := cmd.Flags().GetBool("force")

	configPath, _ := cmd.Flags().GetString("config")
	if configPath == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("failed to get current directory: %w", err)
		}
		switch format {
		case "json":
			configPath = filepath.Join(cwd, "pmnet.json")
		case "yaml":
			configPath = filepath.Join(cwd, "pmnet.yaml")
		default:
			return fmt.Errorf("unsupported format %q (use json or yaml)", format)
		}
	}

	_, err := os.Stat(configPath)
	switch {
	case err == nil && !force:
		fmt.Fprintf(cmd.OutOrStdout(), "Config already exists: %s\n", configPath)
	case err == nil || errors.Is(err, os.ErrNotExist):
		if err := config.GenerateDefault().SaveToFile(configPath); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Wrote config: %s\n", configPath)
	default:
		return fmt.Errorf("failed to check %s: %w", configPath, err)
	}

	if err := cmd.Flags().Set("config", configPath); err != nil {
		return err
	}
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	version, err := a.db.SchemaVersion(cmd.Context())
	if err != nil {
		return err
	}
	profile, err := a.storeDefaultProfile(cmd)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Data directory: %s\n", a.layout.Root)
	fmt.Fprintf(out, "Database: %s (schema v%d)\n", a.db.Path(), version)
	fmt.Fprintf(out, "Default profile: %02d:00-%02d:00 %s, %d jobs/day\n",
		profile.WorkStartHour, profile.WorkEndHour, profile.Timezone, profile.MaxJobsPerDay)
	fmt.Fprintf(out, "Runtimes: %v\n", a.registry.Names())
	return nil
}
