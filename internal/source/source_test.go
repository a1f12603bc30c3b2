package source

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"testing"
	"time"

	"github.com/nhle/mailindex-sync/internal/retry"
)

func TestShouldSkipFolder(t *testing.T) {
	tests := []struct {
		path  string
		delim string
		want  bool
	}{
		{"INBOX", "/", false},
		{"Deleted Items", "/", true},
		{"deleted items", "/", true},
		{"Junk Email", "/", true},
		{"Drafts", ".", true},
		{"Trash", "/", true},
		{"Spam", "/", true},
		{"Deleted Items/Old", "/", true},
		{"Trash.2023", ".", true},
		{"Projects/Trash", "/", true},
		{"Projects/Trash Reports", "/", false},
		{"Archive/2023", "/", false},
		{"Sent Items", "", false},
		{"Deleted Items/Old", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			if got := ShouldSkipFolder(tt.path, tt.delim); got != tt.want {
				t.Errorf("ShouldSkipFolder(%q, %q) = %v, want %v", tt.path, tt.delim, got, tt.want)
			}
		})
	}
}

func TestErrorHelpers(t *testing.T) {
	auth := fmt.Errorf("opening: %w", &AuthError{Account: "a", Message: "bad password"})
	if !IsAuthError(auth) {
		t.Error("wrapped AuthError not recognised")
	}
	if IsAuthError(errors.New("other")) {
		t.Error("plain error recognised as AuthError")
	}

	nf := fmt.Errorf("fetch: %w", &NotFoundError{Account: "a", MessageID: "m"})
	if !IsNotFound(nf) {
		t.Error("wrapped NotFoundError not recognised")
	}
}

// flakySession fails each call kind a set number of times first.
type flakySession struct {
	folderFails int
	fetchFails  int
	listFails   int
	// midListFail fails the listing after the first message.
	midListFail bool

	folderCalls, fetchCalls, listCalls int
}

var errReset = retry.MarkTransient(errors.New("connection reset"))

func (s *flakySession) ListFolders(context.Context) ([]string, error) {
	s.folderCalls++
	if s.folderCalls <= s.folderFails {
		return nil, errReset
	}
	return []string{"INBOX"}, nil
}

func (s *flakySession) Messages(context.Context, string, time.Time) iter.Seq2[MessageRef, error] {
	return func(yield func(MessageRef, error) bool) {
		s.listCalls++
		if s.listCalls <= s.listFails {
			yield(MessageRef{}, errReset)
			return
		}
		if !yield(MessageRef{ID: "m1"}, nil) {
			return
		}
		if s.midListFail {
			yield(MessageRef{}, errReset)
			return
		}
		yield(MessageRef{ID: "m2"}, nil)
	}
}

func (s *flakySession) FetchBody(_ context.Context, ref MessageRef) (*Message, error) {
	s.fetchCalls++
	if ref.ID == "gone" {
		return nil, &NotFoundError{MessageID: ref.ID}
	}
	if s.fetchCalls <= s.fetchFails {
		return nil, errReset
	}
	return &Message{Ref: ref}, nil
}

func (s *flakySession) Close() error { return nil }

func collect(seq iter.Seq2[MessageRef, error]) ([]string, error) {
	var ids []string
	for ref, err := range seq {
		if err != nil {
			return ids, err
		}
		ids = append(ids, ref.ID)
	}
	return ids, nil
}

func TestRetryingSessionRetriesTransientCalls(t *testing.T) {
	ctx := context.Background()
	flaky := &flakySession{folderFails: 1, fetchFails: 2, listFails: 1}
	s := WithRetry(flaky, retry.Policy{MaxAttempts: 3})

	folders, err := s.ListFolders(ctx)
	if err != nil || len(folders) != 1 {
		t.Fatalf("ListFolders = %v, %v", folders, err)
	}
	msg, err := s.FetchBody(ctx, MessageRef{ID: "m1"})
	if err != nil || msg.Ref.ID != "m1" {
		t.Fatalf("FetchBody = %v, %v", msg, err)
	}
	if flaky.fetchCalls != 3 {
		t.Errorf("fetch calls = %d, want 3", flaky.fetchCalls)
	}
	ids, err := collect(s.Messages(ctx, "INBOX", time.Time{}))
	if err != nil || len(ids) != 2 {
		t.Fatalf("Messages = %v, %v", ids, err)
	}
	if flaky.listCalls != 2 {
		t.Errorf("list calls = %d, want 2", flaky.listCalls)
	}
}

func TestRetryingSessionPassesOnPermanentErrors(t *testing.T) {
	ctx := context.Background()
	flaky := &flakySession{}
	s := WithRetry(flaky, retry.Policy{MaxAttempts: 3})

	_, err := s.FetchBody(ctx, MessageRef{ID: "gone"})
	if !IsNotFound(err) {
		t.Fatalf("err = %v, want NotFoundError", err)
	}
	if flaky.fetchCalls != 1 {
		t.Errorf("a vanished message was fetched %d times", flaky.fetchCalls)
	}

	flaky.fetchFails = 10
	flaky.fetchCalls = 0
	_, err = s.FetchBody(ctx, MessageRef{ID: "m1"})
	var exhausted *retry.ExhaustedError
	if !errors.As(err, &exhausted) || flaky.fetchCalls != 3 {
		t.Errorf("err = %v after %d calls, want exhaustion after 3", err, flaky.fetchCalls)
	}
}

func TestRetryingSessionDoesNotRelistAfterYielding(t *testing.T) {
	flaky := &flakySession{midListFail: true}
	s := WithRetry(flaky, retry.Policy{MaxAttempts: 3})

	ids, err := collect(s.Messages(context.Background(), "INBOX", time.Time{}))
	if err == nil {
		t.Fatal("expected the mid-listing error")
	}
	if len(ids) != 1 || flaky.listCalls != 1 {
		t.Errorf("ids = %v after %d listings; a started listing must not restart", ids, flaky.listCalls)
	}
	if retry.Classify(err) != retry.Transient {
		t.Errorf("error class = %s, want the original transient error", retry.Classify(err))
	}
}
