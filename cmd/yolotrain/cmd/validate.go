package cmd

import (
	"fmt"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/psantana5/yolotrain/pkg/dataset"
)

var validateCmd = &cobra.Command{
	Use:   "validate <dataset.zip>",
	Short: "Check a dataset archive locally before uploading",
	Long: `Run the server's archive checks (entry count, size, paths, manifest)
against a local zip without uploading it.`,
	Args: cobra.ExactArgs(1),
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read dataset: %w", err)
	}
	summary, err := dataset.Inspect(data, dataset.DefaultLimits())
	if err != nil {
		return err
	}
	if IsJSONOutput() {
		return printJSON(summary)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Check", "Result")
	table.Append("Entries", fmt.Sprintf("%d", summary.Entries))
	table.Append("Files", fmt.Sprintf("%d", summary.Files))
	table.Append("Uncompressed size", fmt.Sprintf("%.1f MB", float64(summary.TotalSize)/(1024*1024)))
	table.Append("Training split", yesNo(summary.HasTrain))
	table.Append("Validation split", yesNo(summary.HasVal))
	table.Render()
	if !summary.HasTrain || !summary.HasVal {
		fmt.Println("\nWarning: images/train and images/val are both expected by the trainer")
	}
	fmt.Println("\n✓ Dataset archive is valid")
	return nil
}

func yesNo(ok bool) string {
	if ok {
		return "yes"
	}
	return "no"
}
