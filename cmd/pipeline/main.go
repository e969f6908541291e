// Command pipeline runs the facility pipeline stages from a workstation.
//
// Usage:
//
//	pipeline filter --input data.jsonl --reference 2025-01-01
//	pipeline transform --key raw/sample_facility_data.json
//	pipeline state-counts --event s3-event.json
//	pipeline workflow render --lambda-arn ... --topic-arn ... --format yaml
//	pipeline workflow simulate --event s3-event.json
//	pipeline catalog describe
package main

import (
	"fmt"
	"os"

	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"
)

// envFiles are loaded by commands that talk to AWS.
var envFiles = []string{".env"}

func main() {
	rootCmd := &cobra.Command{
		Use:           "pipeline",
		Short:         "Healthcare facility accreditation pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		newFilterCmd(),
		newTransformCmd(),
		newStateCountsCmd(),
		newWorkflowCmd(),
		newCatalogCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func printJSON(cmd *cobra.Command, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return err
}
