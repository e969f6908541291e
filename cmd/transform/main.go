// Command transform is the Lambda that filters raw facility records down to
// those with an accreditation expiring inside the configured window.
package main

import (
	"context"
	"log"

	"github.com/aws/aws-lambda-go/lambda"

	"github.com/DevVarma19/medlaunch-AWS-challenge/internal/awsclient"
	"github.com/DevVarma19/medlaunch-AWS-challenge/internal/etl"
)

func main() {
	ctx := context.Background()

	cfg, logr, clients, err := awsclient.Bootstrap(ctx)
	if err != nil {
		log.Fatalf("transform init: %v", err)
	}

	job := etl.NewExpiringFacilitiesJob(cfg, etl.Deps{
		Store:    clients.Store(),
		Notifier: clients.Notifier(cfg),
		Log:      logr,
	})
	lambda.Start(job.Handle)
}
