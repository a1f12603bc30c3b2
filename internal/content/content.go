// Package content turns raw mailbox messages into index documents.
package content

import (
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/nhle/mailindex-sync/internal/model"
	"github.com/nhle/mailindex-sync/internal/source"
)

// documentNamespace scopes document ids so they never collide with other
// SHA-1 uuids.
var documentNamespace = uuid.MustParse("6b1d3a52-6f0c-4d47-9a61-2f0e5c8b7d14")

// ContentError reports a message that produced nothing indexable.
type ContentError struct {
	MessageID string
	Reason    string
}

func (e *ContentError) Error() string {
	return fmt.Sprintf("building document for %q: %s", e.MessageID, e.Reason)
}

// DocumentID returns the stable document id of a message.
func DocumentID(account, messageID string) string {
	return uuid.NewSHA1(documentNamespace, []byte(account+"\x00"+messageID)).String()
}

// SourceURI locates a message in its mailbox.
func SourceURI(account, messageID string) string {
	return "mailbox://" + url.PathEscape(account) + "/" + url.PathEscape(messageID)
}

// Pipeline builds documents. It holds no per-message state, but each
// account goroutine gets its own so tier counters stay local.
type Pipeline struct {
	html            HTMLConverter
	maxContent      int
	maxDocument     int
	logger          *slog.Logger
	now             func() time.Time
	tiers           map[Tier]int
	truncatedBodies int
}

// New creates a pipeline sized by cfg.
func New(cfg model.ContentConfig, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		html:        HTMLConverter{Threshold: cfg.HTMLThreshold, ChunkSize: cfg.HTMLChunkSize},
		maxContent:  cfg.MaxContentMB << 20,
		maxDocument: cfg.MaxDocumentBytes,
		logger:      logger.With("component", "content"),
		now:         time.Now,
		tiers:       make(map[Tier]int),
	}
}

// ConvertHTML converts s with the tier its size selects.
func (p *Pipeline) ConvertHTML(s string) (string, Tier) {
	return p.html.Convert(s)
}

// TierCounts returns how many HTML bodies each tier converted.
func (p *Pipeline) TierCounts() map[Tier]int {
	out := make(map[Tier]int, len(p.tiers))
	for k, v := range p.tiers {
		out[k] = v
	}
	return out
}

// Truncated returns how many bodies were cut to the document limit.
func (p *Pipeline) Truncated() int {
	return p.truncatedBodies
}

// Build converts msg into a document owned by owner.
func (p *Pipeline) Build(msg *source.Message, owner model.Account) (*model.NormalizedDocument, error) {
	if msg == nil || msg.Ref.ID == "" {
		return nil, &ContentError{Reason: "message has no id"}
	}
	ref := msg.Ref

	parsed := parseMessage(msg.Raw, int64(p.maxContent)+1)
	if parsed.Degraded {
		p.logger.Warn("unreadable MIME structure, indexing raw text", "account", owner.Address, "messageID", ref.ID)
	}

	contentType := model.ContentText
	raw := parsed.TextBody
	if parsed.HTMLBody != "" {
		contentType = model.ContentHTML
		raw = parsed.HTMLBody
	} else if looksLikeHTML(raw) {
		contentType = model.ContentHTML
	}

	if len(raw) > p.maxContent {
		p.logger.Warn("body exceeds hard cap, truncating before conversion",
			"account", owner.Address, "messageID", ref.ID, "size", len(raw), "cap", p.maxContent)
		raw = cutUTF8(raw, p.maxContent)
	}

	text := raw
	if contentType == model.ContentHTML {
		var tier Tier
		text, tier = p.html.Convert(raw)
		p.tiers[tier]++
		if tier == TierFallback {
			p.logger.Warn("html conversion failed, used tag strip", "account", owner.Address, "messageID", ref.ID)
		}
	}
	text = normalizeText(text)

	if text == "" && parsed.Subject == "" && len(msg.Raw) == 0 {
		return nil, &ContentError{MessageID: ref.ID, Reason: "message is empty"}
	}

	body, truncated := capBody(structuredBody(parsed, text), p.maxDocument)
	if truncated {
		p.truncatedBodies++
		p.logger.Info("document body truncated", "account", owner.Address, "messageID", ref.ID, "limit", p.maxDocument)
	}

	doc := &model.NormalizedDocument{
		ID:          DocumentID(owner.Address, ref.ID),
		Title:       buildTitle(parsed.Subject, parsed.From, ref.Folder),
		Body:        body,
		ContentType: contentType,
		SourceURI:   SourceURI(owner.Address, ref.ID),
		Metadata: model.Metadata{
			Subject:        parsed.Subject,
			Sender:         parsed.From,
			To:             parsed.To,
			Cc:             parsed.Cc,
			Bcc:            parsed.Bcc,
			ReplyTo:        parsed.ReplyTo,
			Folder:         ref.Folder,
			Flags:          ref.Flags,
			Importance:     parsed.Importance,
			SentAt:         parsed.Date,
			ReceivedAt:     ref.ReceivedAt,
			HasAttachments: len(parsed.Attachments) > 0,
			Owner:          owner.Address,
		},
		Access: []model.AccessRule{{Principal: owner.Address, Access: model.AccessAllow}},
	}
	doc.Attributes = buildAttributes(doc, parsed, p.now())
	return doc, nil
}
