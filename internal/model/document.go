package model

import "time"

// ContentType is the kind of body the source message carried.
type ContentType string

const (
	ContentHTML ContentType = "html"
	ContentText ContentType = "text"
)

// Access values for an AccessRule.
const (
	AccessAllow = "ALLOW"
	AccessDeny  = "DENY"
)

// AccessRule restricts who can see a document.
type AccessRule struct {
	// Principal is the user id the rule applies to.
	Principal string `json:"principal"`

	// Access is AccessAllow or AccessDeny.
	Access string `json:"access"`
}

// AttributeValue holds exactly one typed value of a document attribute.
type AttributeValue struct {
	String  *string    `json:"string,omitempty"`
	Strings []string   `json:"strings,omitempty"`
	Date    *time.Time `json:"date,omitempty"`
	Long    *int64     `json:"long,omitempty"`
}

// Attribute is a named, typed document attribute.
type Attribute struct {
	Name  string         `json:"name"`
	Value AttributeValue `json:"value"`
}

// StringAttr builds a string attribute.
func StringAttr(name, value string) Attribute {
	return Attribute{Name: name, Value: AttributeValue{String: &value}}
}

// StringsAttr builds a string-list attribute.
func StringsAttr(name string, values []string) Attribute {
	return Attribute{Name: name, Value: AttributeValue{Strings: values}}
}

// DateAttr builds a date attribute.
func DateAttr(name string, value time.Time) Attribute {
	v := value.UTC()
	return Attribute{Name: name, Value: AttributeValue{Date: &v}}
}

// Address is a display name plus mailbox address.
type Address struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// String formats the address as `Name <email>`, or just the email when
// the name is empty.
func (a Address) String() string {
	if a.Name == "" {
		return a.Email
	}
	return a.Name + " <" + a.Email + ">"
}

// Metadata is the descriptive part of a document.
type Metadata struct {
	Subject        string    `json:"subject"`
	Sender         Address   `json:"sender"`
	To             []Address `json:"to"`
	Cc             []Address `json:"cc"`
	Bcc            []Address `json:"bcc"`
	ReplyTo        []Address `json:"reply_to"`
	Folder         string    `json:"folder"`
	Flags          []string  `json:"flags"`
	Importance     string    `json:"importance"`
	SentAt         time.Time `json:"sent_at"`
	ReceivedAt     time.Time `json:"received_at"`
	HasAttachments bool      `json:"has_attachments"`
	Owner          string    `json:"owner"`
}

// NormalizedDocument is the index-ready representation of a message.
// It is built once by the content pipeline and never mutated afterwards.
type NormalizedDocument struct {
	// ID is stable for a given account and message.
	ID string `json:"id"`

	// Title is the display title shown by the index.
	Title string `json:"title"`

	// Body is the normalized plain text, bounded by the index maximum.
	Body string `json:"body"`

	// ContentType records whether the source body was HTML or text.
	ContentType ContentType `json:"content_type"`

	// SourceURI locates the message in its mailbox.
	SourceURI string `json:"source_uri"`

	Metadata   Metadata    `json:"metadata"`
	Attributes []Attribute `json:"attributes"`

	// Access holds exactly one rule allowing the owning account.
	Access []AccessRule `json:"access"`
}
