package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"

	"github.com/jpfielding/dicomvol.go/pkg/config"
	"github.com/jpfielding/dicomvol.go/pkg/volume"
)

// NewMeasureCmd creates the measure cobra command
func NewMeasureCmd(ctx context.Context) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "measure",
		Short: "Estimate tissue volumes from an assembled artifact",
		Long:  "Runs the threshold-based tissue estimator over a persisted raw cache and prints milliliter volumes for every configured tissue range.",
		RunE: func(cmd *cobra.Command, args []string) error {
			patientPath, _ := cmd.Flags().GetString("patient")
			uid, _ := cmd.Flags().GetString("series")
			cacheDir, _ := cmd.Flags().GetString("cache")
			tissue, _ := cmd.Flags().GetString("tissue")

			if uid == "" {
				return fmt.Errorf("--series is required")
			}

			cfg, err := rootConfig(cmd)
			if err != nil {
				return err
			}

			ranges := cfg.Tissues
			if tissue != "" {
				r, ok := cfg.Tissues[tissue]
				if !ok {
					return fmt.Errorf("unknown tissue %q, configured: %v", tissue, tissueNames(cfg))
				}
				ranges = map[string]config.TissueRange{tissue: r}
			}
			if cmd.Flags().Changed("min") || cmd.Flags().Changed("max") {
				min, _ := cmd.Flags().GetFloat64("min")
				max, _ := cmd.Flags().GetFloat64("max")
				if min > max {
					return fmt.Errorf("--min %g exceeds --max %g", min, max)
				}
				ranges = map[string]config.TissueRange{"custom": {Min: min, Max: max}}
			}

			patient, err := readPatient(patientPath)
			if err != nil {
				return err
			}
			s := patient.SeriesByUID(uid)
			if s == nil {
				return fmt.Errorf("series %s not found in %s", uid, patientPath)
			}
			id, ok := patient.VolumeObjects[uid]
			if !ok {
				return fmt.Errorf("series %s has no assembled artifact, run assemble first", uid)
			}

			rawPath := filepath.Join(cacheDir, "vol_"+id+".raw")
			metaPath := filepath.Join(cacheDir, "vol_"+id+".yaml")
			raw, _, meta, err := volume.ReadRawCache(rawPath, metaPath)
			if err != nil {
				return err
			}

			volumes := volume.EstimateAll(raw, ranges, meta.SpacingMM)
			if s.TissueVolumes == nil {
				s.TissueVolumes = map[string]float64{}
			}
			for name, mL := range volumes {
				s.TissueVolumes[name] = mL
			}
			if err := writePatient(patient, patientPath); err != nil {
				return err
			}

			out, err := json.MarshalIndent(volumes, "", "  ")
			if err != nil {
				return err
			}
			os.Stdout.Write(out)
			fmt.Println()
			return nil
		},
	}

	pf := cmd.PersistentFlags()
	pf.StringP("patient", "p", "patient.json", "Path to the patient record")
	pf.StringP("series", "s", "", "SeriesInstanceUID to measure")
	pf.String("cache", "volcache", "Directory holding grid and raw-cache artifacts")
	pf.StringP("tissue", "t", "", "Measure a single configured tissue range")
	pf.Float64("min", 0, "Lower bound of a custom range")
	pf.Float64("max", 0, "Upper bound of a custom range")

	return cmd
}

func tissueNames(cfg *config.Config) []string {
	names := make([]string, 0, len(cfg.Tissues))
	for name := range cfg.Tissues {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
