package email

import (
	"errors"
	"testing"

	"github.com/emersion/go-imap/v2"

	"github.com/nhle/mailindex-sync/internal/retry"
)

func TestMessageIDRoundTrip(t *testing.T) {
	tests := []messageID{
		{Folder: "INBOX", UIDValidity: 17, UID: 42},
		{Folder: "Projects:2024/Q1", UIDValidity: 1, UID: 4294967295},
	}
	for _, want := range tests {
		got, err := parseMessageID(want.String())
		if err != nil {
			t.Fatalf("parseMessageID(%q): %v", want.String(), err)
		}
		if got != want {
			t.Errorf("round trip = %+v, want %+v", got, want)
		}
	}

	for _, bad := range []string{"", "INBOX", "INBOX:1", "INBOX:x:1", "INBOX:1:y"} {
		if _, err := parseMessageID(bad); err == nil {
			t.Errorf("parseMessageID(%q) should fail", bad)
		}
	}
}

func TestFingerprint(t *testing.T) {
	a := fingerprint([]string{`\Seen`, `\Flagged`}, 1200)
	b := fingerprint([]string{`\Flagged`, `\Seen`}, 1200)
	if a != b {
		t.Error("flag order must not change the fingerprint")
	}
	if a == fingerprint([]string{`\Flagged`}, 1200) {
		t.Error("a flag change must change the fingerprint")
	}
	if a == fingerprint([]string{`\Seen`, `\Flagged`}, 1300) {
		t.Error("a size change must change the fingerprint")
	}
}

func TestSyncableFolders(t *testing.T) {
	mailboxes := []*imap.ListData{
		{Mailbox: "INBOX", Delim: '/'},
		{Mailbox: "Archive/2023", Delim: '/'},
		{Mailbox: "Bin", Delim: '/', Attrs: []imap.MailboxAttr{imap.MailboxAttrTrash}},
		{Mailbox: "[Gmail]", Delim: '/', Attrs: []imap.MailboxAttr{imap.MailboxAttrNoSelect}},
		{Mailbox: "Deleted Items/Old", Delim: '/'},
		{Mailbox: "Junk Email", Delim: '/'},
		{Mailbox: "Unsolicited", Delim: '/', Attrs: []imap.MailboxAttr{imap.MailboxAttrJunk}},
	}
	got := syncableFolders(mailboxes)
	want := []string{"INBOX", "Archive/2023"}
	if len(got) != len(want) {
		t.Fatalf("syncableFolders = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("folder %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestParseAuthMode(t *testing.T) {
	for _, s := range []string{"login", "PLAIN-PROXY", " oauthbearer "} {
		if _, err := ParseAuthMode(s); err != nil {
			t.Errorf("ParseAuthMode(%q): %v", s, err)
		}
	}
	if _, err := ParseAuthMode("ntlm"); err == nil {
		t.Error("ntlm should be rejected")
	}
}

func TestClassify(t *testing.T) {
	busy := &imap.Error{Type: imap.StatusResponseTypeNo, Code: imap.ResponseCode("UNAVAILABLE")}
	if retry.Classify(classify(busy)) != retry.Transient {
		t.Error("UNAVAILABLE should be transient")
	}
	denied := &imap.Error{Type: imap.StatusResponseTypeNo, Code: imap.ResponseCode("NOPERM")}
	if retry.Classify(classify(denied)) != retry.Fatal {
		t.Error("NOPERM should be fatal")
	}
	if retry.Classify(classify(errors.New("boom"))) != retry.Fatal {
		t.Error("plain errors stay fatal")
	}
}
