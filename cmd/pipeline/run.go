package main

import (
	"os"

	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/DevVarma19/medlaunch-AWS-challenge/internal/awsclient"
	"github.com/DevVarma19/medlaunch-AWS-challenge/internal/etl"
	"github.com/DevVarma19/medlaunch-AWS-challenge/internal/storage"
	"github.com/DevVarma19/medlaunch-AWS-challenge/internal/trigger"
)

func newTransformCmd() *cobra.Command {
	var (
		input     string
		runID     string
		reference string
	)

	cmd := &cobra.Command{
		Use:   "transform",
		Short: "Run the expiring facilities job against S3",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, log, clients, err := awsclient.Bootstrap(ctx, envFiles...)
			if err != nil {
				return err
			}

			req := etl.Request{RunID: runID, Reference: reference}
			if input != "" {
				if req.Input, err = storage.ParseURI(input); err != nil {
					return err
				}
			}
			job := etl.NewExpiringFacilitiesJob(cfg, etl.Deps{
				Store:    clients.Store(),
				Notifier: clients.Notifier(cfg),
				Log:      log,
			})
			rep, err := job.Run(ctx, req)
			if err != nil {
				return err
			}
			return printJSON(cmd, rep)
		},
	}

	cmd.Flags().StringVar(&input, "input", "", "s3:// URI of the raw object (default RAW_BUCKET/RAW_KEY)")
	cmd.Flags().StringVar(&runID, "run-id", "", "Run id (default generated)")
	cmd.Flags().StringVar(&reference, "reference", "", "Reference date YYYY-MM-DD")
	return cmd
}

func newStateCountsCmd() *cobra.Command {
	var eventFile string

	cmd := &cobra.Command{
		Use:   "state-counts",
		Short: "Run the state counts query the way the Lambda does",
		Long: `State-counts runs the Athena aggregation, waits for it with the configured
poll policy and copies the result to its run path.

Examples:
    pipeline state-counts
    pipeline state-counts --event testdata/s3-put.json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			ev, err := readEvent(eventFile)
			if err != nil {
				return err
			}
			cfg, log, clients, err := awsclient.Bootstrap(ctx, envFiles...)
			if err != nil {
				return err
			}
			h := trigger.NewHandler(cfg, trigger.Deps{
				Athena: clients.Athena,
				Glue:   clients.Glue,
				Store:  clients.Store(),
				Ledger: clients.Ledger(cfg),
				Log:    log,
			})
			res, err := h.Handle(ctx, ev)
			if err != nil {
				return err
			}
			return printJSON(cmd, res)
		},
	}

	cmd.Flags().StringVar(&eventFile, "event", "", "Trigger event JSON file (default: manual run)")
	return cmd
}

func readRaw(path string) (json.RawMessage, error) {
	if path == "" {
		return json.RawMessage(`{}`), nil
	}
	return os.ReadFile(path)
}

func readEvent(path string) (trigger.Event, error) {
	var ev trigger.Event
	raw, err := readRaw(path)
	if err != nil {
		return ev, err
	}
	err = json.Unmarshal(raw, &ev)
	return ev, err
}
