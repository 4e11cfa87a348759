// Package composer manages the outgoing draft of one conversation view:
// text, staged files, edit mode and the single in-flight submission.
package composer

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/dustin/go-humanize"

	"github.com/weiawesome/wes-io-live/messenger-client/internal/config"
	"github.com/weiawesome/wes-io-live/messenger-client/internal/domain"
)

// Rejection reasons.
const (
	ReasonTooLarge = "too_large"
	ReasonEditing  = "editing"
	ReasonEmpty    = "empty_name"
)

// nearLimitRatio marks when the UI should show the remaining length.
const nearLimitRatio = 0.95

// Rejection names a file that was not staged.
type Rejection struct {
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
	Reason   string `json:"reason"`
	Message  string `json:"message"`
}

// Submitter performs the REST calls. The reconciler implements it.
type Submitter interface {
	Send(ctx context.Context, content *string, files []domain.Upload) (domain.Message, error)
	Edit(ctx context.Context, messageID, content string) (domain.Message, error)
}

type Composer struct {
	limits config.ComposerConfig
	submit Submitter

	mu      sync.Mutex
	draft   string
	pending []domain.Upload
	sending bool
	editing *domain.Message
	stashed []domain.Upload
}

func New(limits config.ComposerConfig, submit Submitter) *Composer {
	def := config.DefaultComposer()
	if limits.MaxMessageChars <= 0 {
		limits.MaxMessageChars = def.MaxMessageChars
	}
	if limits.MaxFileBytes <= 0 {
		limits.MaxFileBytes = def.MaxFileBytes
	}
	return &Composer{limits: limits, submit: submit}
}

func (c *Composer) Limits() config.ComposerConfig { return c.limits }

// StageFiles adds every candidate within the size limit to the pending set.
// Rejected files are reported and never staged. Nothing is staged while
// editing.
func (c *Composer) StageFiles(files []domain.Upload) (accepted []domain.Upload, rejected []Rejection) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, f := range files {
		switch {
		case c.editing != nil:
			rejected = append(rejected, Rejection{
				Filename: f.Filename, Size: f.Size, Reason: ReasonEditing,
				Message: "attachments cannot be added while editing",
			})
		case strings.TrimSpace(f.Filename) == "":
			rejected = append(rejected, Rejection{
				Size: f.Size, Reason: ReasonEmpty, Message: "file has no name",
			})
		case f.Size > c.limits.MaxFileBytes:
			rejected = append(rejected, Rejection{
				Filename: f.Filename, Size: f.Size, Reason: ReasonTooLarge,
				Message: fmt.Sprintf("%s is too large (%s > %s)",
					f.Filename, humanize.IBytes(uint64(f.Size)), humanize.IBytes(uint64(c.limits.MaxFileBytes))),
			})
		default:
			accepted = append(accepted, f)
		}
	}
	c.pending = append(c.pending, accepted...)
	return accepted, rejected
}

// Unstage removes the pending file at index i.
func (c *Composer) Unstage(i int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i < 0 || i >= len(c.pending) {
		return false
	}
	c.pending = append(c.pending[:i:i], c.pending[i+1:]...)
	return true
}

// Pending returns the staged files.
func (c *Composer) Pending() []domain.Upload {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.Upload(nil), c.pending...)
}

func (c *Composer) SetDraft(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.draft = text
}

func (c *Composer) Draft() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.draft
}

// ValidateDraft checks text against the character limit. Length counts
// characters, not bytes.
func (c *Composer) ValidateDraft(text string) error {
	if n := utf8.RuneCountInString(text); n > c.limits.MaxMessageChars {
		return &domain.ValidationError{
			Field:  "content",
			Reason: fmt.Sprintf("message is too long (%d > %d characters)", n, c.limits.MaxMessageChars),
			Err:    domain.ErrMessageTooLong,
		}
	}
	return nil
}

// NearLimit reports whether text has used most of the character budget.
func (c *Composer) NearLimit(text string) bool {
	n := utf8.RuneCountInString(text)
	return n > 0 && float64(n) > float64(c.limits.MaxMessageChars)*nearLimitRatio
}

// BeginEdit switches to edit mode for m and pre-fills the draft. Staged
// files are set aside until the edit ends.
func (c *Composer) BeginEdit(m domain.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sending {
		return domain.ErrSubmissionInFlight
	}
	if m.IsDeleted() {
		return &domain.ValidationError{Field: "message_id", Reason: "message deleted", Err: domain.ErrInvalidTarget}
	}
	if c.editing == nil {
		c.stashed = c.pending
		c.pending = nil
	}
	target := m.Visible()
	c.editing = &target
	c.draft = m.Text()
	return nil
}

// CancelEdit leaves edit mode, clears the draft and restores staged files.
func (c *Composer) CancelEdit() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.editing == nil {
		return
	}
	c.endEditLocked()
	c.draft = ""
}

func (c *Composer) endEditLocked() {
	c.editing = nil
	c.pending = c.stashed
	c.stashed = nil
}

// Reset clears the draft, staged files and edit mode. It fails while a
// submission is in flight.
func (c *Composer) Reset() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sending {
		return domain.ErrSubmissionInFlight
	}
	c.draft = ""
	c.pending = nil
	c.editing = nil
	c.stashed = nil
	return nil
}

// Editing returns the id of the message being edited.
func (c *Composer) Editing() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.editing == nil {
		return "", false
	}
	return c.editing.ID, true
}

// Sending reports whether a submission is in flight.
func (c *Composer) Sending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sending
}

// Submit sends the draft, or the edit in edit mode. At most one submission
// is in flight; a second call fails with ErrSubmissionInFlight until the
// first settles. On success the draft and staged files are cleared; on
// failure they are kept.
func (c *Composer) Submit(ctx context.Context) (domain.Message, error) {
	c.mu.Lock()
	if c.sending {
		c.mu.Unlock()
		return domain.Message{}, domain.ErrSubmissionInFlight
	}
	draft := c.draft
	files := append([]domain.Upload(nil), c.pending...)
	var editID string
	if c.editing != nil {
		editID = c.editing.ID
	}
	if err := c.checkLocked(draft, files, editID != ""); err != nil {
		c.mu.Unlock()
		return domain.Message{}, err
	}
	c.sending = true
	c.mu.Unlock()

	var (
		m   domain.Message
		err error
	)
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("submit panicked: %v", r)
			}
		}()
		if editID != "" {
			m, err = c.submit.Edit(ctx, editID, draft)
			return
		}
		var content *string
		if text := strings.TrimSpace(draft); text != "" {
			content = &text
		}
		m, err = c.submit.Send(ctx, content, files)
	}()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.sending = false
	if err != nil {
		return domain.Message{}, err
	}
	if c.draft == draft {
		c.draft = ""
	}
	if editID != "" {
		if c.editing != nil && c.editing.ID == editID {
			c.endEditLocked()
		}
	} else {
		c.pending = removeSent(c.pending, files)
	}
	return m, nil
}

func (c *Composer) checkLocked(draft string, files []domain.Upload, editing bool) error {
	blank := strings.TrimSpace(draft) == ""
	if editing && blank {
		return &domain.ValidationError{Field: "content", Reason: "edited message cannot be empty", Err: domain.ErrEmptyMessage}
	}
	if !editing && blank && len(files) == 0 {
		return &domain.ValidationError{Field: "content", Reason: "nothing to send", Err: domain.ErrEmptyMessage}
	}
	if err := c.ValidateDraft(draft); err != nil {
		return err
	}
	for _, f := range files {
		if f.Size > c.limits.MaxFileBytes {
			return &domain.ValidationError{Field: "files", Reason: f.Filename + " is too large", Err: domain.ErrFileTooLarge}
		}
	}
	return nil
}

// removeSent drops the first len(sent) entries when they are still the
// ones that were submitted; files staged during the send stay pending.
func removeSent(pending, sent []domain.Upload) []domain.Upload {
	if len(sent) > len(pending) {
		return nil
	}
	for i := range sent {
		if pending[i].Filename != sent[i].Filename || pending[i].Size != sent[i].Size {
			return pending
		}
	}
	return append([]domain.Upload(nil), pending[len(sent):]...)
}
