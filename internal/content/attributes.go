package content

import (
	"fmt"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/nhle/mailindex-sync/internal/model"
)

var replyPrefixRe = regexp.MustCompile(`(?i)^(RE:|FW:|FWD:)\s*`)

// threadTopic strips one reply or forward prefix.
func threadTopic(subject string) string {
	return strings.TrimSpace(replyPrefixRe.ReplaceAllString(strings.TrimSpace(subject), ""))
}

// buildTitle follows the mailbox convention: cleaned subject, sender and
// the folder unless it is the inbox.
func buildTitle(subject string, sender model.Address, folder string) string {
	name := sender.Name
	if name == "" {
		name = sender.Email
	}

	var title string
	if topic := threadTopic(subject); topic != "" {
		title = topic
		if name != "" {
			title += " (from " + name + ")"
		}
	} else if name != "" {
		title = "Email from " + name
	} else {
		title = "Email"
	}

	if f := strings.ToLower(folder); folder != "" && f != "inbox" && f != "root" {
		title += " [" + folder + "]"
	}
	return strings.ReplaceAll(title, "\x00", "")
}

// structuredBody lays the message out in labelled sections.
func structuredBody(m *parsedMessage, body string) string {
	var b strings.Builder
	b.WriteString("=== EMAIL DETAILS ===\n")
	fmt.Fprintf(&b, "Subject: %s\n", m.Subject)
	fmt.Fprintf(&b, "From: %s\n", m.From)
	date := ""
	if !m.Date.IsZero() {
		date = m.Date.UTC().Format(time.RFC3339)
	}
	fmt.Fprintf(&b, "Date: %s\n", date)
	if len(m.To) > 0 {
		fmt.Fprintf(&b, "To: %s\n", joinAddresses(m.To))
	}
	if len(m.Cc) > 0 {
		fmt.Fprintf(&b, "CC: %s\n", joinAddresses(m.Cc))
	}
	b.WriteString("\n=== EMAIL CONTENT ===\n")
	b.WriteString(body)

	if len(m.Attachments) > 0 {
		b.WriteString("\n\n=== ATTACHMENTS ===\n")
		for _, a := range m.Attachments {
			name := a.Filename
			if name == "" {
				name = "(unnamed)"
			}
			fmt.Fprintf(&b, "- %s (%s, %s)\n", name, fileType(name, a.MIMEType), humanize.Bytes(uint64(a.Size)))
		}
	}
	return b.String()
}

func joinAddresses(list []model.Address) string {
	parts := make([]string, len(list))
	for i, a := range list {
		parts[i] = a.String()
	}
	return strings.Join(parts, "; ")
}

func fileType(name, mimeType string) string {
	lower := strings.ToLower(name)
	switch {
	case strings.HasSuffix(lower, ".pdf"):
		return "PDF Document"
	case strings.HasSuffix(lower, ".docx"), strings.HasSuffix(lower, ".doc"):
		return "Word Document"
	case strings.HasSuffix(lower, ".xlsx"), strings.HasSuffix(lower, ".xls"):
		return "Excel Spreadsheet"
	case strings.HasSuffix(lower, ".pptx"), strings.HasSuffix(lower, ".ppt"):
		return "PowerPoint Presentation"
	case mimeType != "":
		return mimeType
	}
	return "Document"
}

// contentClasses is checked in order; the first class with a keyword in
// the subject wins.
var contentClasses = []struct {
	name     string
	keywords []string
}{
	{"meeting", []string{"meeting", "calendar", "appointment", "schedule"}},
	{"project", []string{"project", "task", "deadline", "deliverable"}},
	{"document", []string{"report", "document", "analysis", "review"}},
	{"notification", []string{"notification", "alert", "reminder", "update"}},
}

func classify(subject string) string {
	s := strings.ToLower(subject)
	for _, c := range contentClasses {
		for _, k := range c.keywords {
			if strings.Contains(s, k) {
				return c.name
			}
		}
	}
	return "general"
}

// timePeriod buckets sent by age relative to now.
func timePeriod(sent, now time.Time) string {
	if sent.IsZero() {
		return "unknown"
	}
	days := int(now.Sub(sent).Hours() / 24)
	switch {
	case days <= 1:
		return "today"
	case days <= 7:
		return "this_week"
	case days <= 30:
		return "this_month"
	case days <= 90:
		return "last_3_months"
	case days <= 365:
		return "this_year"
	}
	return "older"
}

func emails(list []model.Address) []string {
	out := make([]string, 0, len(list))
	for _, a := range list {
		if a.Email != "" {
			out = append(out, a.Email)
		}
	}
	return out
}

func participants(m *parsedMessage) []string {
	all := []string{m.From.Email}
	all = append(all, emails(m.To)...)
	all = append(all, emails(m.Cc)...)
	all = append(all, emails(m.Bcc)...)
	all = slices.DeleteFunc(all, func(s string) bool { return s == "" })
	slices.Sort(all)
	return slices.Compact(all)
}

func domainOf(email string) string {
	_, domain, ok := strings.Cut(email, "@")
	if !ok {
		return ""
	}
	return strings.ToLower(domain)
}

func hasFlag(flags []string, flag string) bool {
	for _, f := range flags {
		if strings.EqualFold(f, flag) {
			return true
		}
	}
	return false
}

// buildAttributes derives the index attributes. Empty lists and unknown
// dates are left out because the index rejects them.
func buildAttributes(doc *model.NormalizedDocument, m *parsedMessage, now time.Time) []model.Attribute {
	md := doc.Metadata
	priority := md.Importance
	if priority == "" {
		priority = "normal"
	}
	flagStatus := "notFlagged"
	if hasFlag(md.Flags, `\Flagged`) {
		flagStatus = "flagged"
	}

	attrs := []model.Attribute{
		model.StringAttr("_source_uri", doc.SourceURI),
		model.StringAttr("_category", "EMAIL"),
		model.StringAttr("email_thread_topic", threadTopic(md.Subject)),
		model.StringAttr("email_priority", priority),
		model.StringAttr("email_content_type", classify(md.Subject)),
		model.StringAttr("email_domain_context", domainOf(md.Sender.Email)),
		model.StringAttr("email_time_period", timePeriod(md.SentAt, now)),
		model.StringAttr("xchng_from", md.Sender.Email),
		model.StringAttr("xchng_hasAttachment", fmt.Sprint(md.HasAttachments)),
		model.StringAttr("xchng_importance", md.Importance),
		model.StringAttr("xchng_isRead", fmt.Sprint(hasFlag(md.Flags, `\Seen`))),
		model.StringAttr("xchng_replyTo", strings.Join(emails(md.ReplyTo), "; ")),
		model.StringAttr("xchng_folder", md.Folder),
		model.StringAttr("xchng_title", strings.ReplaceAll(md.Subject, "\x00", "")),
		model.StringAttr("xchng_flagStatus", flagStatus),
		model.StringAttr("xchng_accountOwner", md.Owner),
	}

	for _, list := range []struct {
		name   string
		values []string
	}{
		{"email_participants", participants(m)},
		{"xchng_to", emails(md.To)},
		{"xchng_ccRecipient", emails(md.Cc)},
		{"xchng_bccRecipient", emails(md.Bcc)},
	} {
		if len(list.values) > 0 {
			attrs = append(attrs, model.StringsAttr(list.name, list.values))
		}
	}

	for _, d := range []struct {
		name string
		at   time.Time
	}{
		{"_created_at", md.SentAt},
		{"_last_updated_at", md.ReceivedAt},
		{"xchng_sendDateTime", md.SentAt},
		{"xchng_receivedDateTime", md.ReceivedAt},
	} {
		if !d.at.IsZero() {
			attrs = append(attrs, model.DateAttr(d.name, d.at))
		}
	}
	return attrs
}
