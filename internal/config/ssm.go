package config

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

type SSMClient interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// ResolveParameters fills values that are configured by SSM parameter name.
// A value set directly in the environment takes precedence.
func (c *Config) ResolveParameters(ctx context.Context, client SSMClient) error {
	if c.FailureTopicARN != "" || c.FailureTopicARNParam == "" {
		return nil
	}
	out, err := client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(c.FailureTopicARNParam),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return fmt.Errorf("ssm GetParameter %s: %w", c.FailureTopicARNParam, err)
	}
	if out.Parameter == nil || strings.TrimSpace(aws.ToString(out.Parameter.Value)) == "" {
		return fmt.Errorf("ssm parameter %s is empty", c.FailureTopicARNParam)
	}
	c.FailureTopicARN = strings.TrimSpace(aws.ToString(out.Parameter.Value))
	return nil
}
