package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/jpfielding/dicomvol.go/pkg/config"
	"github.com/jpfielding/dicomvol.go/pkg/series"
)

// rootConfig resolves the effective config from the persistent --config flag.
func rootConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

// readPatient loads a previously saved patient record.
func readPatient(path string) (*series.Patient, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading patient record: %w", err)
	}
	return series.FromJSON(data)
}

// writePatient persists the patient record as indented JSON.
func writePatient(p *series.Patient, path string) error {
	data, err := p.ToJSON()
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing patient record: %w", err)
	}
	return nil
}

// logProgress reports stage transitions at debug so long scans stay quiet by
// default.
func logProgress(stage string, done, total int) {
	if done == total {
		slog.Debug("stage complete", "stage", stage, "total", total)
	}
}
