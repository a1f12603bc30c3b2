package credential

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/ssm"
	"github.com/aws/aws-sdk-go/service/ssm/ssmiface"

	"github.com/nhle/mailindex-sync/internal/awsutil"
)

// SSMProvider reads SecureString parameters named <prefix>/<account>,
// falling back to <prefix>/default. A parameter holds either a bare
// password or a JSON object with username, password and token fields.
type SSMProvider struct {
	api    ssmiface.SSMAPI
	prefix string
}

// NewSSMProvider builds a provider on a fresh AWS session.
func NewSSMProvider(prefix, region, endpoint string) (*SSMProvider, error) {
	sess, err := awsutil.NewSession(region, endpoint)
	if err != nil {
		return nil, err
	}
	return NewSSMProviderFrom(ssm.New(sess), prefix), nil
}

// NewSSMProviderFrom wraps an existing client.
func NewSSMProviderFrom(api ssmiface.SSMAPI, prefix string) *SSMProvider {
	if prefix == "" {
		prefix = "/mailindex-sync/accounts"
	}
	return &SSMProvider{api: api, prefix: prefix}
}

type ssmSecret struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Token    string `json:"token"`
}

// Credentials implements Provider.
func (p *SSMProvider) Credentials(ctx context.Context, account string) (Credential, error) {
	for _, name := range []string{account, DefaultKey} {
		value, err := p.parameter(ctx, path.Join(p.prefix, name))
		if err != nil {
			return Credential{}, err
		}
		if value == "" {
			continue
		}
		cred := decodeSecret(value)
		if cred.Empty() {
			continue
		}
		if cred.Username == "" {
			cred.Username = account
		}
		return cred, nil
	}
	return Credential{}, ErrNotFound
}

// parameter returns the decrypted value, or "" when it does not exist.
func (p *SSMProvider) parameter(ctx context.Context, name string) (string, error) {
	out, err := p.api.GetParameterWithContext(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if awsutil.Code(err) == ssm.ErrCodeParameterNotFound {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading parameter %s: %w", name, awsutil.Classify(err))
	}
	if out.Parameter == nil {
		return "", nil
	}
	return aws.StringValue(out.Parameter.Value), nil
}

func decodeSecret(value string) Credential {
	if strings.HasPrefix(strings.TrimSpace(value), "{") {
		var s ssmSecret
		if err := json.Unmarshal([]byte(value), &s); err == nil {
			return Credential{Username: s.Username, Password: s.Password, Token: s.Token}
		}
	}
	return Credential{Password: value}
}
