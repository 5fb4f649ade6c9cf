package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

// NewRetireCmd creates the retire cobra command
func NewRetireCmd(ctx context.Context) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "retire",
		Short: "Retire one series and remove its artifacts",
		Long:  "Clears a series' lifecycle state on the patient record and removes its grid and raw-cache files. Other series' artifacts are untouched.",
		RunE: func(cmd *cobra.Command, args []string) error {
			patientPath, _ := cmd.Flags().GetString("patient")
			uid, _ := cmd.Flags().GetString("series")
			cacheDir, _ := cmd.Flags().GetString("cache")

			if uid == "" {
				return fmt.Errorf("--series is required")
			}

			patient, err := readPatient(patientPath)
			if err != nil {
				return err
			}
			if patient.SeriesByUID(uid) == nil {
				return fmt.Errorf("series %s not found in %s", uid, patientPath)
			}

			volObj, meshObj := patient.RetireSeries(uid)
			for _, id := range []string{volObj, meshObj} {
				if id == "" {
					continue
				}
				for _, ext := range []string{".vxg", ".raw", ".yaml"} {
					p := filepath.Join(cacheDir, "vol_"+id+ext)
					if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
						slog.Warn("failed to remove artifact file", "path", p, "error", err)
					}
				}
			}

			if err := writePatient(patient, patientPath); err != nil {
				return err
			}

			fmt.Printf("Retired series %s\n", uid)
			return nil
		},
	}

	pf := cmd.PersistentFlags()
	pf.StringP("patient", "p", "patient.json", "Path to the patient record")
	pf.StringP("series", "s", "", "SeriesInstanceUID to retire")
	pf.String("cache", "volcache", "Directory holding grid and raw-cache artifacts")

	return cmd
}
