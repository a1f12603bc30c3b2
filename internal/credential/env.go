package credential

import (
	"context"
	"os"
	"strings"
)

// EnvProvider reads credentials from the environment. Per-account
// variables carry the account address upper-cased with every
// non-alphanumeric rune replaced by an underscore, for example
// MAILBOX_PASSWORD_ALICE_EXAMPLE_COM. The unsuffixed variables apply to
// every account.
type EnvProvider struct {
	lookup func(string) (string, bool)
}

// NewEnvProvider reads from the process environment.
func NewEnvProvider() *EnvProvider {
	return &EnvProvider{lookup: os.LookupEnv}
}

// NewEnvProviderFrom reads from vars instead of the environment.
func NewEnvProviderFrom(vars map[string]string) *EnvProvider {
	return &EnvProvider{lookup: func(k string) (string, bool) {
		v, ok := vars[k]
		return v, ok
	}}
}

// Credentials implements Provider.
func (p *EnvProvider) Credentials(_ context.Context, account string) (Credential, error) {
	suffix := "_" + envSuffix(account)
	get := func(name string) string {
		if v, ok := p.lookup(name + suffix); ok && v != "" {
			return v
		}
		v, _ := p.lookup(name)
		return v
	}

	cred := Credential{
		Username: get("MAILBOX_USERNAME"),
		Password: get("MAILBOX_PASSWORD"),
		Token:    get("MAILBOX_TOKEN"),
	}
	if cred.Empty() {
		return Credential{}, ErrNotFound
	}
	if cred.Username == "" {
		cred.Username = account
	}
	return cred, nil
}

func envSuffix(account string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, account)
}
