package cfg

import (
	"context"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/keithlinneman/openbmclapi-cluster/internal/xerrors"
)

// SSMGetter is the part of *ssm.Client ResolveSecret uses.
type SSMGetter interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// ResolveSecret fills c.ClusterSecret from the SSM SecureString named by
// c.ClusterSecretSSMParam. A literal secret always wins and SSM is not
// called.
func ResolveSecret(ctx context.Context, c *App, client SSMGetter) error {
	if c.ClusterSecret != "" {
		return nil
	}
	if c.ClusterSecretSSMParam == "" {
		return xerrors.New("no cluster secret and no SSM parameter to resolve it from")
	}
	if client == nil {
		return xerrors.New("SSM client is required to resolve the cluster secret")
	}

	out, err := client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(c.ClusterSecretSSMParam),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return xerrors.Wrapf(err, "get SSM parameter %s", c.ClusterSecretSSMParam)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return xerrors.Newf("SSM parameter %s has no value", c.ClusterSecretSSMParam)
	}
	secret := strings.TrimSpace(*out.Parameter.Value)
	if secret == "" {
		return xerrors.Newf("SSM parameter %s is empty", c.ClusterSecretSSMParam)
	}
	c.ClusterSecret = secret
	return nil
}
