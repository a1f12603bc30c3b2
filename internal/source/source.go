// Package source defines how the sync engine reads mailboxes. Concrete
// mailbox backends live in subpackages.
package source

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/nhle/mailindex-sync/internal/credential"
	"github.com/nhle/mailindex-sync/internal/model"
	"github.com/nhle/mailindex-sync/internal/retry"
)

// AuthError indicates that a mailbox refused to authenticate the account.
// The engine skips the account for the cycle.
type AuthError struct {
	Account string
	Message string
	Err     error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth error (%s): %s", e.Account, e.Message)
}

func (e *AuthError) Unwrap() error { return e.Err }

// IsAuthError reports whether err (or any error in its chain) is an AuthError.
func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

// NotFoundError indicates that a message disappeared between listing and
// fetching. Callers treat it as a deletion.
type NotFoundError struct {
	Account   string
	MessageID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("message %s not found in %s", e.MessageID, e.Account)
}

// IsNotFound reports whether err (or any error in its chain) is a
// NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// MessageRef is the cheap listing view of a message.
type MessageRef struct {
	// ID is stable for the message within the account.
	ID string

	Folder     string
	ReceivedAt time.Time
	Size       int64
	Flags      []string

	// Fingerprint changes whenever the message changes in a way that
	// needs reindexing.
	Fingerprint string
}

// Message is a fetched message: its listing data plus the raw RFC 5322
// bytes.
type Message struct {
	Ref MessageRef
	Raw []byte
}

// Session is an open mailbox acting as one account. Sessions are not
// safe for concurrent use.
type Session interface {
	// ListFolders returns the folders worth syncing, skip list applied.
	ListFolders(ctx context.Context) ([]string, error)

	// Messages lists the messages of folder received at or after since.
	// A zero since lists everything. Iteration stops at the first error,
	// which is yielded with a zero MessageRef.
	Messages(ctx context.Context, folder string, since time.Time) iter.Seq2[MessageRef, error]

	// FetchBody loads the full message. A message that vanished yields a
	// *NotFoundError.
	FetchBody(ctx context.Context, ref MessageRef) (*Message, error)

	// Close ends the session.
	Close() error
}

// Source opens mailbox sessions.
type Source interface {
	// Open connects as account using cred. Authentication failures are
	// returned as *AuthError.
	Open(ctx context.Context, account model.Account, cred credential.Credential) (Session, error)
}

// skipFolders are never synced, matched case-insensitively on the leaf
// name.
var skipFolders = map[string]bool{
	"deleted items": true,
	"junk email":    true,
	"drafts":        true,
	"trash":         true,
	"spam":          true,
	"junk":          true,
}

// skipParents hide every folder beneath them.
var skipParents = []string{"deleted items", "trash"}

// ShouldSkipFolder reports whether a folder path is excluded from sync.
// delim separates path segments; an empty delim treats the path as a
// single segment.
func ShouldSkipFolder(folderPath, delim string) bool {
	segments := []string{folderPath}
	if delim != "" {
		segments = strings.Split(folderPath, delim)
	}
	leaf := strings.ToLower(strings.TrimSpace(segments[len(segments)-1]))
	if skipFolders[leaf] {
		return true
	}
	for _, seg := range segments[:len(segments)-1] {
		seg = strings.ToLower(strings.TrimSpace(seg))
		for _, parent := range skipParents {
			if seg == parent {
				return true
			}
		}
	}
	return false
}

// ObservedIDs drains every folder of s and returns the set of message
// ids currently present. Reconciliation uses it as the source of truth.
func ObservedIDs(ctx context.Context, s Session) (map[string]bool, error) {
	folders, err := s.ListFolders(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing folders: %w", err)
	}
	ids := make(map[string]bool)
	for _, folder := range folders {
		for ref, err := range s.Messages(ctx, folder, time.Time{}) {
			if err != nil {
				return nil, fmt.Errorf("listing %s: %w", folder, err)
			}
			ids[ref.ID] = true
		}
	}
	return ids, nil
}

// Opener resolves an account's credentials and opens a session for it.
type Opener struct {
	Source      Source
	Credentials credential.Provider

	// Retry bounds attempts at transient failures, both when connecting
	// and on every call of the opened session.
	Retry retry.Policy
}

// OpenSession opens a session acting as account. A missing credential is
// reported as *AuthError so the account is skipped like a refused login.
func (o Opener) OpenSession(ctx context.Context, account model.Account) (Session, error) {
	cred, err := o.Credentials.Credentials(ctx, account.Address)
	if err != nil {
		if errors.Is(err, credential.ErrNotFound) {
			return nil, &AuthError{Account: account.Address, Message: "no credentials configured", Err: err}
		}
		return nil, fmt.Errorf("resolving credentials for %s: %w", account.Address, err)
	}
	policy := o.Retry
	policy.Name = "open mailbox"
	sess, err := retry.DoValue(ctx, policy, func(ctx context.Context) (Session, error) {
		return o.Source.Open(ctx, account, cred)
	})
	if err != nil {
		return nil, err
	}
	return WithRetry(sess, o.Retry), nil
}

// retryingSession retries transient failures of the wrapped session.
type retryingSession struct {
	Session
	policy retry.Policy
}

// WithRetry wraps s so ListFolders and FetchBody retry transient errors
// under policy. A listing is retried only while it has yielded nothing;
// after that the error is passed on so no message is seen twice.
func WithRetry(s Session, policy retry.Policy) Session {
	return &retryingSession{Session: s, policy: policy}
}

func (r *retryingSession) named(name string) retry.Policy {
	p := r.policy
	p.Name = name
	return p
}

func (r *retryingSession) ListFolders(ctx context.Context) ([]string, error) {
	return retry.DoValue(ctx, r.named("list folders"), func(ctx context.Context) ([]string, error) {
		return r.Session.ListFolders(ctx)
	})
}

func (r *retryingSession) FetchBody(ctx context.Context, ref MessageRef) (*Message, error) {
	return retry.DoValue(ctx, r.named("fetch message"), func(ctx context.Context) (*Message, error) {
		return r.Session.FetchBody(ctx, ref)
	})
}

// listingStarted stops a retry once a listing has yielded messages.
type listingStarted struct{ err error }

func (e *listingStarted) Error() string { return e.err.Error() }
func (e *listingStarted) Unwrap() error { return e.err }

func (e *listingStarted) RetryClass() retry.Class { return retry.Fatal }

func (r *retryingSession) Messages(ctx context.Context, folder string, since time.Time) iter.Seq2[MessageRef, error] {
	return func(yield func(MessageRef, error) bool) {
		stopped := false
		err := r.named("list messages").Do(ctx, func(ctx context.Context) error {
			yielded := false
			for ref, err := range r.Session.Messages(ctx, folder, since) {
				if err != nil {
					if yielded {
						return &listingStarted{err: err}
					}
					return err
				}
				yielded = true
				if !yield(ref, nil) {
					stopped = true
					return nil
				}
			}
			return nil
		})
		if err != nil && !stopped {
			var started *listingStarted
			if errors.As(err, &started) {
				err = started.err
			}
			yield(MessageRef{}, err)
		}
	}
}
