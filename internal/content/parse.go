package content

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"

	"github.com/nhle/mailindex-sync/internal/model"
)

// Attachment is the metadata kept for a message attachment.
type Attachment struct {
	Filename string
	MIMEType string
	Size     int64
}

// parsedMessage is what the pipeline extracts from raw MIME.
type parsedMessage struct {
	Subject    string
	From       model.Address
	To         []model.Address
	Cc         []model.Address
	Bcc        []model.Address
	ReplyTo    []model.Address
	Date       time.Time
	Importance string

	TextBody    string
	HTMLBody    string
	Attachments []Attachment

	// Degraded is set when the MIME structure could not be read and the
	// raw bytes were used as the text body.
	Degraded bool
}

// parseMessage reads headers and body parts with go-message. Parts are
// read at most limit bytes each. An unreadable structure degrades to
// treating the raw bytes as text rather than failing.
func parseMessage(raw []byte, limit int64) *parsedMessage {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return &parsedMessage{TextBody: string(raw[:min(int64(len(raw)), limit)]), Degraded: true}
	}
	defer mr.Close()

	p := &parsedMessage{}
	h := mr.Header
	p.Subject, _ = h.Subject()
	if from := addresses(h, "From"); len(from) > 0 {
		p.From = from[0]
	}
	p.To = addresses(h, "To")
	p.Cc = addresses(h, "Cc")
	p.Bcc = addresses(h, "Bcc")
	p.ReplyTo = addresses(h, "Reply-To")
	if d, err := h.Date(); err == nil {
		p.Date = d
	}
	p.Importance = importance(h)

	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil && !message.IsUnknownCharset(err) {
			break
		}

		switch ph := part.Header.(type) {
		case *mail.InlineHeader:
			contentType, _, _ := ph.ContentType()
			body, readErr := io.ReadAll(io.LimitReader(part.Body, limit))
			if readErr != nil {
				continue
			}
			switch {
			case strings.HasPrefix(contentType, "text/html"):
				if p.HTMLBody == "" {
					p.HTMLBody = string(body)
				}
			case contentType == "" || strings.HasPrefix(contentType, "text/plain"):
				if p.TextBody == "" {
					p.TextBody = string(body)
				}
			}
		case *mail.AttachmentHeader:
			filename, _ := ph.Filename()
			contentType, _, _ := ph.ContentType()

			// Size only; attachment bytes are not kept.
			n, _ := io.Copy(io.Discard, part.Body)
			p.Attachments = append(p.Attachments, Attachment{
				Filename: filename,
				MIMEType: contentType,
				Size:     n,
			})
		}
	}
	return p
}

func addresses(h mail.Header, key string) []model.Address {
	list, err := h.AddressList(key)
	if err != nil {
		return nil
	}
	out := make([]model.Address, 0, len(list))
	for _, a := range list {
		out = append(out, model.Address{Name: a.Name, Email: strings.ToLower(a.Address)})
	}
	return out
}

// importance reads the Importance header, falling back to X-Priority.
func importance(h mail.Header) string {
	if v := strings.ToLower(strings.TrimSpace(h.Get("Importance"))); v != "" {
		return v
	}
	switch p := strings.TrimSpace(h.Get("X-Priority")); {
	case strings.HasPrefix(p, "1"), strings.HasPrefix(p, "2"):
		return "high"
	case strings.HasPrefix(p, "4"), strings.HasPrefix(p, "5"):
		return "low"
	case p != "":
		return "normal"
	}
	return ""
}
