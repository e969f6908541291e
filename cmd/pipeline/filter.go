package main

import (
	"fmt"
	"os"
	"time"

	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/DevVarma19/medlaunch-AWS-challenge/internal/facility"
	"github.com/DevVarma19/medlaunch-AWS-challenge/internal/filter"
	"github.com/DevVarma19/medlaunch-AWS-challenge/internal/logger"
)

func newFilterCmd() *cobra.Command {
	var (
		input     string
		output    string
		format    string
		reference string
		months    int
		days      int
		logLevel  string
	)

	cmd := &cobra.Command{
		Use:   "filter",
		Short: "Filter a local facility file by accreditation expiry",
		Long: `Filter reads facility records (JSON lines or a JSON array) and writes the
facilities holding an accreditation that expires within the window
[reference, reference+window) as a JSON array.

Examples:
    pipeline filter --input sample_facility_data.json
    pipeline filter --input data.jsonl --reference 2025-01-01 --months 3 --out expiring.json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			log := logger.NewStructured(logLevel, "console")

			f, err := os.Open(input)
			if err != nil {
				return err
			}
			defer f.Close()

			batch, err := facility.Decode(f, facility.Format(format))
			if err != nil {
				return err
			}
			for _, bad := range batch.Bad {
				log.Warn("skipping malformed json line", map[string]interface{}{"line": bad.Line, "error": bad.Err.Error()})
			}

			ref, err := filter.ParseReference(reference, time.Now())
			if err != nil {
				return err
			}
			res := filter.Expiring(batch.Records, filter.Options{
				Reference: ref,
				Window:    filter.Window{Months: months, Days: days},
				Logger:    log,
			})

			data, err := json.MarshalIndent(res.Facilities(), "", "  ")
			if err != nil {
				return err
			}
			if output == "" || output == "-" {
				_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
				return err
			}
			return os.WriteFile(output, append(data, '\n'), 0o644)
		},
	}

	cmd.Flags().StringVarP(&input, "input", "i", "", "Facility records file")
	cmd.Flags().StringVarP(&output, "out", "o", "", "Output file (default stdout)")
	cmd.Flags().StringVar(&format, "format", "auto", "Input format: auto, jsonl or array")
	cmd.Flags().StringVar(&reference, "reference", "", "Reference date YYYY-MM-DD (default today, UTC)")
	cmd.Flags().IntVar(&months, "months", filter.DefaultWindow.Months, "Window length in months")
	cmd.Flags().IntVar(&days, "days", 0, "Additional window length in days")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level")
	_ = cmd.MarkFlagRequired("input")

	return cmd
}
