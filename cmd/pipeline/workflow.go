package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/DevVarma19/medlaunch-AWS-challenge/internal/awsclient"
	"github.com/DevVarma19/medlaunch-AWS-challenge/internal/trigger"
	"github.com/DevVarma19/medlaunch-AWS-challenge/internal/workflow"
)

func newWorkflowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workflow",
		Short: "Render, validate or simulate the state machine",
	}
	cmd.AddCommand(newWorkflowRenderCmd(), newWorkflowValidateCmd(), newWorkflowSimulateCmd())
	return cmd
}

func newWorkflowRenderCmd() *cobra.Command {
	var lambdaARN, topicARN, format string

	cmd := &cobra.Command{
		Use:   "render",
		Short: "Print the state machine definition",
		RunE: func(cmd *cobra.Command, args []string) error {
			def := workflow.StateCountsPipeline(lambdaARN, topicARN)
			if err := def.Validate(); err != nil {
				return err
			}
			out, err := def.Render(format)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return err
		},
	}
	cmd.Flags().StringVar(&lambdaARN, "lambda-arn", "${StateCountsFunctionArn}", "State counts Lambda ARN")
	cmd.Flags().StringVar(&topicARN, "topic-arn", "${FailureTopicArn}", "Failure SNS topic ARN")
	cmd.Flags().StringVarP(&format, "format", "f", "json", "Output format: json or yaml")
	return cmd
}

func newWorkflowValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <definition.json>",
		Short: "Validate an ASL definition file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			def, err := workflow.Parse(data)
			if err != nil {
				return err
			}
			if err := def.Validate(); err != nil {
				return fmt.Errorf("validation failed:\n%w", err)
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "Validation passed: %d states OK\n", len(def.States))
			return err
		},
	}
}

func newWorkflowSimulateCmd() *cobra.Command {
	var eventFile, name string

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run the state machine locally against the real query Lambda logic",
		Long: `Simulate walks the shipped definition with RunStateCounts bound to the state
counts handler and NotifyFailure bound to the configured SNS topic, applying
the same Retry and Catch rules Step Functions would.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			input, err := readRaw(eventFile)
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

			def := workflow.StateCountsPipeline("local:"+trigger.Component, cfg.FailureTopicARN)
			sim := workflow.NewSimulator(def,
				workflow.WithTask(workflow.StateRunStateCounts, workflow.HandlerInvoker(h.Handle)),
				workflow.WithTask(workflow.StateNotifyFailure, workflow.NotifyInvoker(clients.Notifier(cfg), trigger.Component, nil)),
				workflow.WithLogger(log),
				workflow.WithExecutionName(name),
			)
			exec, err := sim.Run(ctx, input)
			if err != nil {
				return err
			}
			return printJSON(cmd, exec)
		},
	}
	cmd.Flags().StringVar(&eventFile, "event", "", "Execution input JSON file (default {})")
	cmd.Flags().StringVar(&name, "name", "", "Execution name, the run id of a manual run (default random)")
	return cmd
}
