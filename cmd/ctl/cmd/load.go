package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jpfielding/dicomvol.go/pkg/dicomio"
	"github.com/jpfielding/dicomvol.go/pkg/series"
)

// NewLoadCmd creates the load cobra command
func NewLoadCmd(ctx context.Context) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "load",
		Short: "Scan a DICOM directory and resolve its series",
		Long:  "Walks a DICOM directory, classifies every file, groups primary images into ordered series and writes the patient record as JSON.",
		RunE: func(cmd *cobra.Command, args []string) error {
			root, _ := cmd.Flags().GetString("root")
			out, _ := cmd.Flags().GetString("out")

			if root == "" && len(args) > 0 {
				root = args[0]
			}
			if root == "" {
				return fmt.Errorf("root directory is required. Use --root flag or provide as argument")
			}

			cfg, err := rootConfig(cmd)
			if err != nil {
				return err
			}

			resolver := series.NewResolver(cfg, dicomio.NewReader(cfg))
			patient, err := resolver.LoadPatient(ctx, root, logProgress)
			if err != nil {
				return err
			}

			if err := writePatient(patient, out); err != nil {
				return err
			}

			fmt.Printf("Patient: %s (%s)\n", patient.PatientName, patient.PatientID)
			fmt.Printf("Files: %d primary, %d secondary, %d non-image, %d invalid\n",
				patient.PrimaryCount, patient.SecondaryCount,
				patient.NonImageCount, patient.InvalidCount)
			fmt.Printf("Series: %d\n", len(patient.Series))
			for _, s := range patient.Series {
				kind := "3D"
				if s.Is4D {
					kind = fmt.Sprintf("4D/%d", len(s.TimePoints))
				}
				fmt.Printf("  [%d] %s  %s  %dx%dx%d  %s\n",
					s.SeriesNumber, s.SeriesInstanceUID, kind,
					s.SliceCount, s.Rows, s.Cols, s.SeriesDescription)
			}
			fmt.Printf("Wrote %s\n", out)
			return nil
		},
	}

	pf := cmd.PersistentFlags()
	pf.StringP("root", "r", "", "DICOM directory to scan")
	pf.StringP("out", "o", "patient.json", "Output path for the patient record")

	return cmd
}
