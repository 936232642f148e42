package s3

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/sts"
)

const defaultSessionName = "mailbridge"

// loadConfig resolves the AWS config for o. Static keys win over a role;
// with neither the SDK default chain applies (env, shared files, IRSA,
// instance roles).
func loadConfig(ctx context.Context, o *options) (aws.Config, error) {
	load := []func(*config.LoadOptions) error{config.WithRegion(o.region)}

	switch {
	case o.accessKey != "":
		static := credentials.NewStaticCredentialsProvider(o.accessKey, o.secretKey, o.sessionToken)
		load = append(load, config.WithCredentialsProvider(static))
	case o.roleARN != "":
		base, err := config.LoadDefaultConfig(ctx, config.WithRegion(o.region))
		if err != nil {
			return aws.Config{}, fmt.Errorf("load base config: %w", err)
		}
		load = append(load, config.WithCredentialsProvider(aws.NewCredentialsCache(assumeRole(base, o))))
	}

	return config.LoadDefaultConfig(ctx, load...)
}

func assumeRole(base aws.Config, o *options) aws.CredentialsProvider {
	name := o.sessionName
	if name == "" {
		name = defaultSessionName
	}
	return stscreds.NewAssumeRoleProvider(sts.NewFromConfig(base), o.roleARN, func(ro *stscreds.AssumeRoleOptions) {
		ro.RoleSessionName = name
		if o.externalID != "" {
			ro.ExternalID = aws.String(o.externalID)
		}
	})
}
