// Package mbox implements source.Source over directories of mbox files,
// one directory per account: <root>/<account>/<folder>.mbox. Nested
// directories become nested folders.
package mbox

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-mbox"
	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"

	"github.com/nhle/mailindex-sync/internal/credential"
	"github.com/nhle/mailindex-sync/internal/model"
	"github.com/nhle/mailindex-sync/internal/source"
)

const ext = ".mbox"

// Source opens mbox sessions under a root directory.
type Source struct {
	root   string
	logger *slog.Logger
}

// NewSource creates an mbox source rooted at root.
func NewSource(root string, logger *slog.Logger) *Source {
	return &Source{root: root, logger: logger.With("component", "mbox")}
}

// Open returns a session over the account's directory. Credentials are
// not checked; a missing directory is an authentication failure so the
// account is skipped like any account that cannot be opened.
func (s *Source) Open(_ context.Context, account model.Account, _ credential.Credential) (source.Session, error) {
	dir := filepath.Join(s.root, account.Address)
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return nil, &source.AuthError{
			Account: account.Address,
			Message: fmt.Sprintf("no mailbox directory at %s", dir),
			Err:     err,
		}
	}
	return &session{
		account: account.Address,
		dir:     dir,
		logger:  s.logger.With("account", account.Address),
		ordinal: make(map[string]int),
	}, nil
}

type session struct {
	account string
	dir     string
	logger  *slog.Logger

	// ordinal maps listed ids to their position in the folder file.
	ordinal map[string]int
}

// ListFolders walks the account directory for .mbox files.
func (s *session) ListFolders(ctx context.Context) ([]string, error) {
	var folders []string
	err := filepath.WalkDir(s.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ext) {
			return nil
		}
		rel, err := filepath.Rel(s.dir, path)
		if err != nil {
			return err
		}
		folder := filepath.ToSlash(strings.TrimSuffix(rel, ext))
		if source.ShouldSkipFolder(folder, "/") {
			return nil
		}
		folders = append(folders, folder)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing folders in %s: %w", s.dir, err)
	}
	sort.Strings(folders)
	return folders, nil
}

func (s *session) folderPath(folder string) string {
	return filepath.Join(s.dir, filepath.FromSlash(folder)+ext)
}

// each calls fn for every message of folder in file order until fn
// returns false.
func (s *session) each(ctx context.Context, folder string, fn func(n int, raw []byte) bool) error {
	f, err := os.Open(s.folderPath(folder))
	if err != nil {
		return fmt.Errorf("opening %s: %w", folder, err)
	}
	defer f.Close()

	r := mbox.NewReader(f)
	for n := 0; ; n++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		msg, err := r.NextMessage()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading %s message %d: %w", folder, n, err)
		}
		raw, err := io.ReadAll(msg)
		if err != nil {
			return fmt.Errorf("reading %s message %d: %w", folder, n, err)
		}
		if !fn(n, raw) {
			return nil
		}
	}
}

// Messages lists folder in file order.
func (s *session) Messages(
	ctx context.Context,
	folder string,
	since time.Time,
) iter.Seq2[source.MessageRef, error] {
	return func(yield func(source.MessageRef, error) bool) {
		stopped := false
		err := s.each(ctx, folder, func(n int, raw []byte) bool {
			ref := refFor(folder, n, raw)
			s.ordinal[ref.ID] = n
			if !since.IsZero() && ref.ReceivedAt.Before(since) {
				return true
			}
			if !yield(ref, nil) {
				stopped = true
				return false
			}
			return true
		})
		if err != nil && !stopped {
			yield(source.MessageRef{}, err)
		}
	}
}

// FetchBody rereads the folder up to the listed position of ref.
func (s *session) FetchBody(ctx context.Context, ref source.MessageRef) (*source.Message, error) {
	want, listed := s.ordinal[ref.ID]

	var found *source.Message
	err := s.each(ctx, ref.Folder, func(n int, raw []byte) bool {
		if listed && n < want {
			return true
		}
		candidate := refFor(ref.Folder, n, raw)
		if candidate.ID == ref.ID {
			found = &source.Message{Ref: candidate, Raw: raw}
			return false
		}
		return !listed
	})
	if errors.Is(err, fs.ErrNotExist) {
		return nil, &source.NotFoundError{Account: s.account, MessageID: ref.ID}
	}
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, &source.NotFoundError{Account: s.account, MessageID: ref.ID}
	}
	return found, nil
}

// Close is a no-op; files are opened per call.
func (s *session) Close() error { return nil }

// refFor derives listing data from the raw message. The id prefers the
// Message-ID header and falls back to the position in the file.
func refFor(folder string, n int, raw []byte) source.MessageRef {
	sum := sha256.Sum256(raw)
	ref := source.MessageRef{
		Folder:      folder,
		Size:        int64(len(raw)),
		Fingerprint: hex.EncodeToString(sum[:16]),
	}

	key := "pos-" + strconv.Itoa(n)
	if e, err := message.Read(bytes.NewReader(raw)); e != nil && (err == nil || message.IsUnknownCharset(err)) {
		h := mail.Header{Header: e.Header}
		if id, err := h.MessageID(); err == nil && id != "" {
			key = id
		}
		if date, err := h.Date(); err == nil {
			ref.ReceivedAt = date
		}
		ref.Flags = statusFlags(h.Get("Status"), h.Get("X-Status"))
	}
	ref.ID = folder + ":" + key
	return ref
}

// statusFlags maps the mbox Status and X-Status headers to IMAP flags.
func statusFlags(status, xstatus string) []string {
	var flags []string
	if strings.Contains(status, "R") {
		flags = append(flags, `\Seen`)
	}
	if strings.Contains(xstatus, "A") {
		flags = append(flags, `\Answered`)
	}
	if strings.Contains(xstatus, "F") {
		flags = append(flags, `\Flagged`)
	}
	return flags
}
