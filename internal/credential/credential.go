// Package credential resolves the secrets used to open a mailbox session
// on behalf of an account.
package credential

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned by a provider that holds no secret for the
// account. Chain moves on to the next provider when it sees it.
var ErrNotFound = errors.New("credential not found")

// Credential is what a mailbox source needs to act as an account. For
// proxy and admin mechanisms Username is the administrative identity,
// not the account.
type Credential struct {
	Username string
	Password string
	Token    string
}

// Empty reports whether c carries no secret at all.
func (c Credential) Empty() bool {
	return c.Password == "" && c.Token == ""
}

// Provider looks up the credential for an account.
type Provider interface {
	Credentials(ctx context.Context, account string) (Credential, error)
}

// Chain tries providers in order and returns the first credential found.
type Chain []Provider

// Credentials implements Provider.
func (c Chain) Credentials(ctx context.Context, account string) (Credential, error) {
	for _, p := range c {
		cred, err := p.Credentials(ctx, account)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return Credential{}, err
		}
		return cred, nil
	}
	return Credential{}, fmt.Errorf("%s: %w", account, ErrNotFound)
}

// Options configures the providers built by New.
type Options struct {
	// Backends is a comma separated provider list, e.g. "env,keyring".
	Backends string

	// SSMPrefix is the parameter path prefix of the ssm provider.
	SSMPrefix string

	// KeyringDir is the file backend directory of the keyring provider.
	KeyringDir string

	// Region and Endpoint address SSM.
	Region   string
	Endpoint string
}

// New builds a Chain from opts.
func New(opts Options) (Chain, error) {
	var chain Chain
	for _, name := range strings.Split(opts.Backends, ",") {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "":
			continue
		case "env":
			chain = append(chain, NewEnvProvider())
		case "keyring":
			p, err := NewKeyringProvider(opts.KeyringDir)
			if err != nil {
				return nil, err
			}
			chain = append(chain, p)
		case "ssm":
			p, err := NewSSMProvider(opts.SSMPrefix, opts.Region, opts.Endpoint)
			if err != nil {
				return nil, err
			}
			chain = append(chain, p)
		default:
			return nil, fmt.Errorf("unknown credential backend %q", name)
		}
	}
	if len(chain) == 0 {
		return nil, fmt.Errorf("no credential backend configured")
	}
	return chain, nil
}
