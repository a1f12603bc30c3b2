package testutil

import (
	"context"
	"fmt"
	"iter"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/nhle/mailindex-sync/internal/credential"
	"github.com/nhle/mailindex-sync/internal/model"
	"github.com/nhle/mailindex-sync/internal/retry"
	"github.com/nhle/mailindex-sync/internal/source"
)

// RawMessage builds a minimal RFC 5322 text message.
func RawMessage(subject, body string) []byte {
	return []byte(fmt.Sprintf("From: Sender <sender@example.com>\r\n"+
		"To: owner@example.com\r\n"+
		"Subject: %s\r\n"+
		"Date: Fri, 01 Mar 2024 10:00:00 +0000\r\n"+
		"Content-Type: text/plain; charset=utf-8\r\n\r\n%s", subject, body))
}

// FakeSource is an in-memory mailbox source. Sessions see a snapshot of
// the mailbox taken when they are opened.
type FakeSource struct {
	mu        sync.Mutex
	mailboxes map[string][]source.Message
	authFail  map[string]bool
	fetchErrs map[string][]error
	onFetch   func(ref source.MessageRef)
	opens     int
	fetches   int
}

// NewFakeSource returns a source with no mailboxes.
func NewFakeSource() *FakeSource {
	return &FakeSource{
		mailboxes: make(map[string][]source.Message),
		authFail:  make(map[string]bool),
		fetchErrs: make(map[string][]error),
	}
}

// Add appends a text message to account's folder.
func (f *FakeSource) Add(account, folder, id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	received := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC).Add(time.Duration(len(f.mailboxes[account])) * time.Minute)
	f.mailboxes[account] = append(f.mailboxes[account], source.Message{
		Ref: source.MessageRef{
			ID:          id,
			Folder:      folder,
			ReceivedAt:  received,
			Size:        100,
			Fingerprint: "v1",
		},
		Raw: RawMessage("Message "+id, "Body of "+id),
	})
}

// Remove deletes message id from account.
func (f *FakeSource) Remove(account, id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mailboxes[account] = slices.DeleteFunc(f.mailboxes[account], func(m source.Message) bool {
		return m.Ref.ID == id
	})
}

// Touch changes the fingerprint of message id, as a flag change would.
func (f *FakeSource) Touch(account, id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.mailboxes[account] {
		if m := &f.mailboxes[account][i]; m.Ref.ID == id {
			m.Ref.Flags = append(m.Ref.Flags, `\Seen`)
			m.Ref.Fingerprint = "v" + fmt.Sprint(len(m.Ref.Flags)+1)
		}
	}
}

// FailAuth makes Open refuse account.
func (f *FakeSource) FailAuth(account string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.authFail[account] = true
}

// FailFetches makes the next FetchBody calls for message id return errs
// in order.
func (f *FakeSource) FailFetches(id string, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchErrs[id] = append(f.fetchErrs[id], errs...)
}

// OnFetch registers fn to run at the start of every FetchBody call.
func (f *FakeSource) OnFetch(fn func(ref source.MessageRef)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onFetch = fn
}

// Opens counts successful Open calls.
func (f *FakeSource) Opens() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens
}

// Fetches counts FetchBody calls across sessions.
func (f *FakeSource) Fetches() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches
}

// Open implements source.Source.
func (f *FakeSource) Open(_ context.Context, account model.Account, _ credential.Credential) (source.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.authFail[account.Address] {
		return nil, &source.AuthError{Account: account.Address, Message: "invalid credentials"}
	}
	f.opens++
	return &fakeSession{src: f, account: account.Address, messages: slices.Clone(f.mailboxes[account.Address])}, nil
}

// Opener wraps f with credentials that satisfy every account and a
// retry policy without delays.
func (f *FakeSource) Opener() source.Opener {
	return source.Opener{
		Source:      f,
		Credentials: credential.NewEnvProviderFrom(map[string]string{"MAILBOX_PASSWORD": "secret"}),
		Retry:       retry.Policy{MaxAttempts: 3},
	}
}

type fakeSession struct {
	src      *FakeSource
	account  string
	messages []source.Message
}

func (s *fakeSession) ListFolders(context.Context) ([]string, error) {
	var folders []string
	for _, m := range s.messages {
		if !slices.Contains(folders, m.Ref.Folder) && !source.ShouldSkipFolder(m.Ref.Folder, "/") {
			folders = append(folders, m.Ref.Folder)
		}
	}
	slices.SortFunc(folders, strings.Compare)
	return folders, nil
}

func (s *fakeSession) Messages(_ context.Context, folder string, since time.Time) iter.Seq2[source.MessageRef, error] {
	return func(yield func(source.MessageRef, error) bool) {
		for _, m := range s.messages {
			if m.Ref.Folder != folder || m.Ref.ReceivedAt.Before(since) {
				continue
			}
			if !yield(m.Ref, nil) {
				return
			}
		}
	}
}

func (s *fakeSession) FetchBody(_ context.Context, ref source.MessageRef) (*source.Message, error) {
	s.src.mu.Lock()
	s.src.fetches++
	hook := s.src.onFetch
	var injected error
	if errs := s.src.fetchErrs[ref.ID]; len(errs) > 0 {
		injected, s.src.fetchErrs[ref.ID] = errs[0], errs[1:]
	}
	s.src.mu.Unlock()

	if hook != nil {
		hook(ref)
	}
	if injected != nil {
		return nil, injected
	}
	for _, m := range s.messages {
		if m.Ref.ID == ref.ID {
			msg := m
			return &msg, nil
		}
	}
	return nil, &source.NotFoundError{Account: s.account, MessageID: ref.ID}
}

func (s *fakeSession) Close() error { return nil }
