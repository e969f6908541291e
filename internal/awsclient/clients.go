// Package awsclient builds the service clients the Lambdas and the CLI share.
package awsclient

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/athena"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/glue"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/gurre/s3streamer"

	"github.com/DevVarma19/medlaunch-AWS-challenge/internal/config"
	"github.com/DevVarma19/medlaunch-AWS-challenge/internal/ledger"
	"github.com/DevVarma19/medlaunch-AWS-challenge/internal/logger"
	"github.com/DevVarma19/medlaunch-AWS-challenge/internal/notify"
	"github.com/DevVarma19/medlaunch-AWS-challenge/internal/storage"
)

type Clients struct {
	AWS      aws.Config
	Athena   *athena.Client
	Glue     *glue.Client
	S3       *s3.Client
	SNS      *sns.Client
	SSM      *ssm.Client
	DynamoDB *dynamodb.Client
}

// Load resolves credentials the usual way (the Lambda execution role in AWS,
// the shared profile locally). An empty region leaves it to the SDK chain.
func Load(ctx context.Context, region string) (*Clients, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &Clients{
		AWS:      cfg,
		Athena:   athena.NewFromConfig(cfg),
		Glue:     glue.NewFromConfig(cfg),
		S3:       s3.NewFromConfig(cfg),
		SNS:      sns.NewFromConfig(cfg),
		SSM:      ssm.NewFromConfig(cfg),
		DynamoDB: dynamodb.NewFromConfig(cfg),
	}, nil
}

// Store wraps S3 with line streaming for large JSON-lines inputs.
func (c *Clients) Store() *storage.Store {
	return storage.New(c.S3, s3streamer.NewS3Streamer(c.S3))
}

func (c *Clients) Ledger(cfg *config.Config) *ledger.Store {
	return ledger.New(c.DynamoDB, cfg.RunsTable)
}

func (c *Clients) Notifier(cfg *config.Config) *notify.Publisher {
	return notify.NewPublisher(c.SNS, cfg.FailureTopicARN)
}

// Bootstrap is the common start of every entry point: configuration, logger,
// clients and SSM-backed settings.
func Bootstrap(ctx context.Context, envFiles ...string) (*config.Config, logger.Logger, *Clients, error) {
	cfg, err := config.Load(envFiles...)
	if err != nil {
		return nil, nil, nil, err
	}
	log := logger.NewStructured(cfg.LogLevel, cfg.LogFormat)

	clients, err := Load(ctx, cfg.Region)
	if err != nil {
		return nil, nil, nil, err
	}
	if err := cfg.ResolveParameters(ctx, clients.SSM); err != nil {
		return nil, nil, nil, err
	}
	return cfg, log, clients, nil
}
