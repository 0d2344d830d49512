// Command ohm-sweeper is the Lambda function attached to the DynamoDB stream
// of the store table. It removes the index and link entries of records the
// TTL sweeper deleted.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"go.uber.org/zap"

	"github.com/jacentio/ohm/internal/config"
	"github.com/jacentio/ohm/kv"
	"github.com/jacentio/ohm/store"
	"github.com/jacentio/ohm/stream"
)

func main() {
	h, err := newHandler(context.Background(), os.LookupEnv)
	if err != nil {
		fmt.Fprintln(os.Stderr, "ohm-sweeper:", err)
		os.Exit(1)
	}
	lambda.Start(h.HandleExpirations)
}

func newHandler(ctx context.Context, lookup func(string) (string, bool)) (*stream.Handler, error) {
	cfg, err := config.Load(nil, lookup)
	if err != nil {
		return nil, err
	}
	if cfg.Backend != config.BackendDynamoDB {
		return nil, fmt.Errorf("backend %q has no expiry stream", cfg.Backend)
	}
	logger, err := cfg.Logger()
	if err != nil {
		return nil, err
	}

	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Dynamo.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Dynamo.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	ddb := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.Dynamo.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Dynamo.Endpoint)
		}
	})

	s := store.New(kv.NewDynamo(ddb, cfg.Dynamo.Table, kv.WithDynamoLogger(logger)), cfg.Store, logger)
	specs, err := config.LoadSchemas(cfg.SchemaFile)
	if err != nil {
		return nil, fmt.Errorf("load schemas: %w", err)
	}
	if err := s.Register(specs); err != nil {
		return nil, fmt.Errorf("register schemas: %w", err)
	}

	logger.Info("sweeper ready", zap.String("table", cfg.Dynamo.Table), zap.Strings("schemas", s.Names()))
	return stream.NewHandler(s, logger), nil
}
