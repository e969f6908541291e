// Command state-counts is the Lambda that runs the per-state accredited
// facility count in Athena and copies the result under a run-scoped path.
package main

import (
	"context"
	"log"

	"github.com/aws/aws-lambda-go/lambda"

	"github.com/DevVarma19/medlaunch-AWS-challenge/internal/awsclient"
	"github.com/DevVarma19/medlaunch-AWS-challenge/internal/trigger"
)

func main() {
	ctx := context.Background()

	cfg, logr, clients, err := awsclient.Bootstrap(ctx)
	if err != nil {
		log.Fatalf("state-counts init: %v", err)
	}

	h := trigger.NewHandler(cfg, trigger.Deps{
		Athena: clients.Athena,
		Glue:   clients.Glue,
		Store:  clients.Store(),
		Ledger: clients.Ledger(cfg),
		Log:    logr,
	})
	lambda.Start(h.Handle)
}
