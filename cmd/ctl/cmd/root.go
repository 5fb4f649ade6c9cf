package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jpfielding/dicomvol.go/pkg/logging"
)

func NewRoot(ctx context.Context, gitsha string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "volctl",
		Short: "a CLI to resolve DICOM series and reconstruct volumes",
		Long:  "scans DICOM directories, resolves series, assembles volumetric grids and measures tissue volumes",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logLevel, _ := cmd.Flags().GetString("log-level")

			// Parse log level
			var level slog.Level
			if err := level.UnmarshalText([]byte(strings.ToUpper(logLevel))); err != nil {
				level = slog.LevelInfo
				slog.WarnContext(ctx, "Invalid log level, defaulting to INFO", "level", logLevel, "error", err)
			}

			var out io.Writer = os.Stdout
			if logFile, _ := cmd.Flags().GetString("log-file"); logFile != "" {
				maxSize, _ := cmd.Flags().GetInt("log-max-size-mb")
				maxBackups, _ := cmd.Flags().GetInt("log-max-backups")
				out = logging.Rotating(logFile, maxSize, maxBackups)
			}
			slog.SetDefault(logging.Logger(out, false, level))
		},
		Run: func(cmd *cobra.Command, args []string) {
			printCommandTree(cmd, 0)
		},
	}
	cmd.AddCommand(
		NewVersionCmd(ctx, gitsha),
		NewLoadCmd(ctx),
		NewAssembleCmd(ctx),
		NewMeasureCmd(ctx),
		NewRetireCmd(ctx),
	)
	pf := cmd.PersistentFlags()
	pf.String("log-level", "INFO", "Log level (DEBUG, INFO, WARN, ERROR)")
	pf.String("log-file", "", "Write logs to this rotating file instead of stdout")
	pf.Int("log-max-size-mb", 100, "Rotate the log file after it reaches this size")
	pf.Int("log-max-backups", 3, "Rotated log files to retain")
	pf.String("config", "", "Path to a YAML config overriding the built-in defaults")
	return cmd
}

func printCommandTree(cmd *cobra.Command, indent int) {
	fmt.Println(strings.Repeat("\t", indent), cmd.Use+":", cmd.Short)
	for _, subCmd := range cmd.Commands() {
		printCommandTree(subCmd, indent+1)
	}
}

func NewVersionCmd(ctx context.Context, gitsha string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "git sha for this build",
		Long:  "git sha for this build",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(gitsha)
		},
	}
	return cmd
}
