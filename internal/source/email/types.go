package email

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// AuthMode selects how the session authenticates as the account.
type AuthMode string

const (
	// AuthLogin uses IMAP LOGIN with the account's own password.
	AuthLogin AuthMode = "login"

	// AuthPlainProxy authenticates an administrative user with SASL PLAIN
	// and names the account as the authorization identity.
	AuthPlainProxy AuthMode = "plain-proxy"

	// AuthOAuthBearer presents an OAuth access token for the account.
	AuthOAuthBearer AuthMode = "oauthbearer"
)

// ParseAuthMode validates a configured mechanism name.
func ParseAuthMode(s string) (AuthMode, error) {
	switch m := AuthMode(strings.ToLower(strings.TrimSpace(s))); m {
	case AuthLogin, AuthPlainProxy, AuthOAuthBearer:
		return m, nil
	default:
		return "", fmt.Errorf("unknown imap auth mode %q", s)
	}
}

// Config addresses the IMAP server.
type Config struct {
	Host string
	Port string
	TLS  bool
	Auth AuthMode
}

// messageID is the account-unique id of a message: the folder, its
// UIDVALIDITY and the UID. A UIDVALIDITY change makes every old id
// unresolvable, which reconciliation turns into deletions.
type messageID struct {
	Folder      string
	UIDValidity uint32
	UID         uint32
}

func (m messageID) String() string {
	return fmt.Sprintf("%s:%d:%d", m.Folder, m.UIDValidity, m.UID)
}

// parseMessageID splits from the right because folder names may contain
// colons.
func parseMessageID(s string) (messageID, error) {
	last := strings.LastIndexByte(s, ':')
	if last < 0 {
		return messageID{}, fmt.Errorf("malformed message id %q", s)
	}
	mid := strings.LastIndexByte(s[:last], ':')
	if mid < 0 {
		return messageID{}, fmt.Errorf("malformed message id %q", s)
	}
	validity, err := strconv.ParseUint(s[mid+1:last], 10, 32)
	if err != nil {
		return messageID{}, fmt.Errorf("malformed uidvalidity in %q: %w", s, err)
	}
	uid, err := strconv.ParseUint(s[last+1:], 10, 32)
	if err != nil {
		return messageID{}, fmt.Errorf("malformed uid in %q: %w", s, err)
	}
	return messageID{Folder: s[:mid], UIDValidity: uint32(validity), UID: uint32(uid)}, nil
}

// fingerprint hashes what can change on an IMAP message without a new
// UID: its flags and, for servers that rewrite messages, its size.
func fingerprint(flags []string, size int64) string {
	sorted := slices.Clone(flags)
	slices.Sort(sorted)
	h := sha256.New()
	fmt.Fprintf(h, "%s|%d", strings.Join(sorted, " "), size)
	return hex.EncodeToString(h.Sum(nil)[:16])
}
