// Package email implements source.Source over IMAP.
package email

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-sasl"

	"github.com/nhle/mailindex-sync/internal/credential"
	"github.com/nhle/mailindex-sync/internal/model"
	"github.com/nhle/mailindex-sync/internal/retry"
	"github.com/nhle/mailindex-sync/internal/source"
)

// fetchChunk bounds how many UIDs one listing FETCH asks for.
const fetchChunk = 500

// Source opens IMAP sessions acting as an account.
type Source struct {
	cfg     Config
	timeout time.Duration
	logger  *slog.Logger
}

// NewSource creates an IMAP source. timeout bounds every command.
func NewSource(cfg Config, timeout time.Duration, logger *slog.Logger) *Source {
	if timeout <= 0 {
		timeout = time.Minute
	}
	return &Source{
		cfg:     cfg,
		timeout: timeout,
		logger:  logger.With("component", "imap"),
	}
}

// Open connects, authenticates as account and returns the session. The
// caller is responsible for calling Close on the returned session.
func (s *Source) Open(
	ctx context.Context,
	account model.Account,
	cred credential.Credential,
) (source.Session, error) {
	addr := net.JoinHostPort(s.cfg.Host, s.cfg.Port)
	tlsConfig := &tls.Config{ServerName: s.cfg.Host}
	dialer := &net.Dialer{Timeout: s.timeout}

	var conn net.Conn
	var client *imapclient.Client
	var err error

	if s.cfg.TLS {
		conn, err = tls.DialWithDialer(dialer, "tcp", addr, tlsConfig)
		if err == nil {
			client = imapclient.New(conn, nil)
		}
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
		if err == nil {
			conn.SetDeadline(time.Now().Add(s.timeout))
			client, err = imapclient.NewStartTLS(conn, &imapclient.Options{TLSConfig: tlsConfig})
			if err != nil {
				conn.Close()
			}
		}
	}
	if err != nil {
		return nil, fmt.Errorf("connecting to IMAP %s: %w", addr, retry.MarkTransient(err))
	}

	sess := &session{
		account: account.Address,
		client:  client,
		conn:    conn,
		timeout: s.timeout,
		logger:  s.logger.With("account", account.Address),
	}

	if err := sess.authenticate(ctx, s.cfg.Auth, account, cred); err != nil {
		sess.Close()
		return nil, err
	}
	return sess, nil
}

// session is one authenticated connection. It remembers the selected
// folder so consecutive fetches from one folder avoid reselecting.
type session struct {
	account string
	client  *imapclient.Client
	conn    net.Conn
	timeout time.Duration
	logger  *slog.Logger

	selected    string
	uidValidity uint32
}

// guard arms the connection deadline for one command and cuts it short
// when ctx ends. The returned func disarms it.
func (s *session) guard(ctx context.Context) func() {
	s.conn.SetDeadline(time.Now().Add(s.timeout))
	stop := context.AfterFunc(ctx, func() {
		s.conn.SetDeadline(time.Now())
	})
	return func() {
		stop()
		s.conn.SetDeadline(time.Time{})
	}
}

func (s *session) authenticate(
	ctx context.Context,
	mode AuthMode,
	account model.Account,
	cred credential.Credential,
) error {
	defer s.guard(ctx)()

	var err error
	switch mode {
	case AuthPlainProxy:
		err = s.client.Authenticate(sasl.NewPlainClient(account.Address, cred.Username, cred.Password))
	case AuthOAuthBearer:
		err = s.client.Authenticate(sasl.NewOAuthBearerClient(&sasl.OAuthBearerOptions{
			Username: account.Address,
			Token:    cred.Token,
		}))
	default:
		err = s.client.Login(cred.Username, cred.Password).Wait()
	}
	if err == nil {
		return nil
	}

	var imapErr *imap.Error
	if errors.As(err, &imapErr) {
		return &source.AuthError{
			Account: account.Address,
			Message: fmt.Sprintf("%s authentication failed: %v", mode, err),
			Err:     err,
		}
	}
	return fmt.Errorf("authenticating %s: %w", account.Address, classify(err))
}

// ListFolders lists selectable folders and applies the skip list.
func (s *session) ListFolders(ctx context.Context) ([]string, error) {
	defer s.guard(ctx)()

	mailboxes, err := s.client.List("", "*", nil).Collect()
	if err != nil {
		return nil, fmt.Errorf("listing folders: %w", classify(err))
	}
	return syncableFolders(mailboxes), nil
}

// syncableFolders drops non-selectable and special-use folders and
// anything on the skip list.
func syncableFolders(mailboxes []*imap.ListData) []string {
	var folders []string
	for _, mb := range mailboxes {
		if skipByAttrs(mb.Attrs) {
			continue
		}
		delim := ""
		if mb.Delim != 0 {
			delim = string(mb.Delim)
		}
		if source.ShouldSkipFolder(mb.Mailbox, delim) {
			continue
		}
		folders = append(folders, mb.Mailbox)
	}
	return folders
}

func skipByAttrs(attrs []imap.MailboxAttr) bool {
	for _, a := range attrs {
		switch a {
		case imap.MailboxAttrNoSelect,
			imap.MailboxAttrTrash,
			imap.MailboxAttrJunk,
			imap.MailboxAttrDrafts:
			return true
		}
	}
	return false
}

func (s *session) selectFolder(ctx context.Context, folder string) error {
	if s.selected == folder {
		return nil
	}
	defer s.guard(ctx)()

	data, err := s.client.Select(folder, &imap.SelectOptions{ReadOnly: true}).Wait()
	if err != nil {
		s.selected = ""
		return fmt.Errorf("selecting %s: %w", folder, classify(err))
	}
	s.selected = folder
	s.uidValidity = data.UIDValidity
	return nil
}

// Messages lists folder in UID order, fetching flags, size and internal
// date in chunks.
func (s *session) Messages(
	ctx context.Context,
	folder string,
	since time.Time,
) iter.Seq2[source.MessageRef, error] {
	return func(yield func(source.MessageRef, error) bool) {
		if err := s.selectFolder(ctx, folder); err != nil {
			yield(source.MessageRef{}, err)
			return
		}

		criteria := &imap.SearchCriteria{}
		if !since.IsZero() {
			criteria.Since = since
		}
		release := s.guard(ctx)
		searchData, err := s.client.UIDSearch(criteria, nil).Wait()
		release()
		if err != nil {
			yield(source.MessageRef{}, fmt.Errorf("searching %s: %w", folder, classify(err)))
			return
		}

		uids := searchData.AllUIDs()
		for start := 0; start < len(uids); start += fetchChunk {
			end := min(start+fetchChunk, len(uids))
			refs, err := s.listChunk(ctx, folder, uids[start:end])
			if err != nil {
				yield(source.MessageRef{}, err)
				return
			}
			for _, ref := range refs {
				if !yield(ref, nil) {
					return
				}
			}
		}
	}
}

func (s *session) listChunk(ctx context.Context, folder string, uids []imap.UID) ([]source.MessageRef, error) {
	defer s.guard(ctx)()

	fetchOpts := &imap.FetchOptions{
		Flags:        true,
		UID:          true,
		InternalDate: true,
		RFC822Size:   true,
	}
	buffers, err := s.client.Fetch(imap.UIDSetNum(uids...), fetchOpts).Collect()
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", folder, classify(err))
	}

	refs := make([]source.MessageRef, 0, len(buffers))
	for _, buf := range buffers {
		refs = append(refs, s.refFromBuffer(folder, buf))
	}
	return refs, nil
}

func (s *session) refFromBuffer(folder string, buf *imapclient.FetchMessageBuffer) source.MessageRef {
	flags := make([]string, 0, len(buf.Flags))
	for _, f := range buf.Flags {
		if f == imap.Flag(`\Recent`) {
			continue
		}
		flags = append(flags, string(f))
	}
	id := messageID{Folder: folder, UIDValidity: s.uidValidity, UID: uint32(buf.UID)}
	return source.MessageRef{
		ID:          id.String(),
		Folder:      folder,
		ReceivedAt:  buf.InternalDate,
		Size:        buf.RFC822Size,
		Flags:       flags,
		Fingerprint: fingerprint(flags, buf.RFC822Size),
	}
}

// FetchBody loads the full RFC 5322 message without setting \Seen.
func (s *session) FetchBody(ctx context.Context, ref source.MessageRef) (*source.Message, error) {
	id, err := parseMessageID(ref.ID)
	if err != nil {
		return nil, err
	}
	if err := s.selectFolder(ctx, id.Folder); err != nil {
		return nil, err
	}
	if s.uidValidity != id.UIDValidity {
		return nil, &source.NotFoundError{Account: s.account, MessageID: ref.ID}
	}

	defer s.guard(ctx)()

	bodySection := &imap.FetchItemBodySection{
		Peek: true,
	}
	fetchOpts := &imap.FetchOptions{
		Flags:        true,
		UID:          true,
		InternalDate: true,
		RFC822Size:   true,
		BodySection:  []*imap.FetchItemBodySection{bodySection},
	}

	buffers, err := s.client.Fetch(imap.UIDSetNum(imap.UID(id.UID)), fetchOpts).Collect()
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", ref.ID, classify(err))
	}
	if len(buffers) == 0 {
		return nil, &source.NotFoundError{Account: s.account, MessageID: ref.ID}
	}

	buf := buffers[0]
	raw := buf.FindBodySection(bodySection)
	if raw == nil {
		return nil, &source.NotFoundError{Account: s.account, MessageID: ref.ID}
	}
	return &source.Message{Ref: s.refFromBuffer(id.Folder, buf), Raw: raw}, nil
}

// Close logs out and closes the connection.
func (s *session) Close() error {
	s.conn.SetDeadline(time.Now().Add(s.timeout))
	if err := s.client.Logout().Wait(); err != nil {
		s.logger.Debug("imap logout failed", "err", err)
	}
	return s.client.Close()
}

// classify marks connection failures and server throttling as
// transient.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var imapErr *imap.Error
	if errors.As(err, &imapErr) {
		switch imapErr.Code {
		case imap.ResponseCode("UNAVAILABLE"), imap.ResponseCode("LIMIT"), imap.ResponseCode("INUSE"):
			return retry.MarkTransient(err)
		}
		return err
	}
	if retry.Classify(err) == retry.Transient {
		return retry.MarkTransient(err)
	}
	return err
}
