package composer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weiawesome/wes-io-live/messenger-client/internal/config"
	"github.com/weiawesome/wes-io-live/messenger-client/internal/domain"
)

type fakeSubmitter struct {
	mu      sync.Mutex
	gate    chan struct{}
	err     error
	sent    []*string
	files   [][]domain.Upload
	edits   []string
	entered chan struct{}
}

func (f *fakeSubmitter) block() {
	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.gate != nil {
		<-f.gate
	}
}

func (f *fakeSubmitter) Send(_ context.Context, content *string, files []domain.Upload) (domain.Message, error) {
	f.block()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, content)
	f.files = append(f.files, files)
	if f.err != nil {
		return domain.Message{}, f.err
	}
	return domain.Message{ID: "m1", Content: content}, nil
}

func (f *fakeSubmitter) Edit(_ context.Context, id, content string) (domain.Message, error) {
	f.block()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits = append(f.edits, id+":"+content)
	if f.err != nil {
		return domain.Message{}, f.err
	}
	return domain.Message{ID: id, Content: &content}, nil
}

func newComposer(sub Submitter) *Composer {
	return New(config.DefaultComposer(), sub)
}

func TestStageFiles_OversizedRejected(t *testing.T) {
	c := newComposer(&fakeSubmitter{})
	accepted, rejected := c.StageFiles([]domain.Upload{{Filename: "huge.mov", Size: 11 << 20}})

	assert.Empty(t, accepted)
	require.Len(t, rejected, 1)
	assert.Equal(t, "huge.mov", rejected[0].Filename)
	assert.EqualValues(t, 11<<20, rejected[0].Size)
	assert.Equal(t, ReasonTooLarge, rejected[0].Reason)
	assert.Contains(t, rejected[0].Message, "11 MiB")
	assert.Contains(t, rejected[0].Message, "10 MiB")
	assert.Empty(t, c.Pending())
}

func TestStageFiles_Mixed(t *testing.T) {
	c := newComposer(&fakeSubmitter{})
	c.StageFiles([]domain.Upload{domain.BytesUpload("keep.txt", "text/plain", []byte("a"))})

	accepted, rejected := c.StageFiles([]domain.Upload{
		{Filename: "exact.bin", Size: 10 << 20},
		{Filename: "over.bin", Size: 10<<20 + 1},
		{Filename: " ", Size: 1},
	})
	require.Len(t, accepted, 1)
	assert.Equal(t, "exact.bin", accepted[0].Filename)
	require.Len(t, rejected, 2)
	assert.Equal(t, ReasonEmpty, rejected[1].Reason)

	pending := c.Pending()
	require.Len(t, pending, 2)
	assert.Equal(t, "keep.txt", pending[0].Filename)

	assert.True(t, c.Unstage(0))
	assert.False(t, c.Unstage(5))
	assert.Len(t, c.Pending(), 1)
}

func TestValidateDraft(t *testing.T) {
	c := newComposer(&fakeSubmitter{})
	assert.NoError(t, c.ValidateDraft(strings.Repeat("a", 4000)))
	assert.NoError(t, c.ValidateDraft(strings.Repeat("é", 4000)))

	err := c.ValidateDraft(strings.Repeat("a", 4001))
	assert.ErrorIs(t, err, domain.ErrMessageTooLong)
	assert.True(t, domain.IsValidation(err))

	assert.True(t, c.NearLimit(strings.Repeat("a", 3900)))
	assert.False(t, c.NearLimit("short"))
}

func TestSubmit_SendTrimsAndClears(t *testing.T) {
	sub := &fakeSubmitter{}
	c := newComposer(sub)
	c.SetDraft("  hello  ")
	c.StageFiles([]domain.Upload{domain.BytesUpload("a.txt", "text/plain", []byte("a"))})

	m, err := c.Submit(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "m1", m.ID)
	require.Len(t, sub.sent, 1)
	require.NotNil(t, sub.sent[0])
	assert.Equal(t, "hello", *sub.sent[0])
	assert.Len(t, sub.files[0], 1)
	assert.Empty(t, c.Draft())
	assert.Empty(t, c.Pending())
}

func TestSubmit_FilesOnly(t *testing.T) {
	sub := &fakeSubmitter{}
	c := newComposer(sub)
	c.SetDraft("   ")
	c.StageFiles([]domain.Upload{domain.BytesUpload("a.txt", "text/plain", []byte("a"))})

	_, err := c.Submit(context.Background())
	require.NoError(t, err)
	assert.Nil(t, sub.sent[0])
}

func TestSubmit_RejectsBeforeNetwork(t *testing.T) {
	sub := &fakeSubmitter{}
	c := newComposer(sub)

	_, err := c.Submit(context.Background())
	assert.ErrorIs(t, err, domain.ErrEmptyMessage)

	c.SetDraft(strings.Repeat("x", 4001))
	_, err = c.Submit(context.Background())
	assert.ErrorIs(t, err, domain.ErrMessageTooLong)

	assert.Empty(t, sub.sent)
	assert.False(t, c.Sending())
}

func TestSubmit_SingleInFlight(t *testing.T) {
	sub := &fakeSubmitter{gate: make(chan struct{}), entered: make(chan struct{}, 1)}
	c := newComposer(sub)
	c.SetDraft("hi")

	done := make(chan error, 1)
	go func() {
		_, err := c.Submit(context.Background())
		done <- err
	}()
	<-sub.entered
	assert.True(t, c.Sending())

	_, err := c.Submit(context.Background())
	assert.ErrorIs(t, err, domain.ErrSubmissionInFlight)
	assert.ErrorIs(t, c.BeginEdit(domain.Message{ID: "m1"}), domain.ErrSubmissionInFlight)

	close(sub.gate)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("submit never settled")
	}
	assert.False(t, c.Sending())
	assert.Len(t, sub.sent, 1)
}

func TestSubmit_FailureKeepsDraft(t *testing.T) {
	sub := &fakeSubmitter{err: errors.New("network down")}
	c := newComposer(sub)
	c.SetDraft("hi")
	c.StageFiles([]domain.Upload{domain.BytesUpload("a.txt", "", []byte("a"))})

	_, err := c.Submit(context.Background())
	assert.Error(t, err)
	assert.Equal(t, "hi", c.Draft())
	assert.Len(t, c.Pending(), 1)
	assert.False(t, c.Sending())
}

func TestEditMode(t *testing.T) {
	sub := &fakeSubmitter{}
	c := newComposer(sub)
	c.StageFiles([]domain.Upload{domain.BytesUpload("later.txt", "", []byte("a"))})

	target := domain.Message{ID: "m7", Content: domain.StringPtr("old text")}
	require.NoError(t, c.BeginEdit(target))
	assert.Equal(t, "old text", c.Draft())
	assert.Empty(t, c.Pending())

	_, rejected := c.StageFiles([]domain.Upload{domain.BytesUpload("x.txt", "", []byte("x"))})
	require.Len(t, rejected, 1)
	assert.Equal(t, ReasonEditing, rejected[0].Reason)

	c.SetDraft("  ")
	_, err := c.Submit(context.Background())
	assert.ErrorIs(t, err, domain.ErrEmptyMessage)

	c.SetDraft("new text")
	m, err := c.Submit(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "m7", m.ID)
	assert.Equal(t, []string{"m7:new text"}, sub.edits)

	_, editing := c.Editing()
	assert.False(t, editing)
	require.Len(t, c.Pending(), 1)
	assert.Equal(t, "later.txt", c.Pending()[0].Filename)
}

func TestCancelEdit(t *testing.T) {
	c := newComposer(&fakeSubmitter{})
	require.NoError(t, c.BeginEdit(domain.Message{ID: "m1", Content: domain.StringPtr("a")}))
	id, ok := c.Editing()
	assert.True(t, ok)
	assert.Equal(t, "m1", id)

	c.CancelEdit()
	_, ok = c.Editing()
	assert.False(t, ok)
	assert.Empty(t, c.Draft())

	deleted := domain.Message{ID: "m2", DeletedAt: domain.TimePtr(time.Now())}
	assert.ErrorIs(t, c.BeginEdit(deleted), domain.ErrInvalidTarget)
}

func TestFileFromPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pixel.png")
	png := []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0, 0, 0}
	require.NoError(t, os.WriteFile(path, png, 0o644))

	u, err := FileFromPath(path)
	require.NoError(t, err)
	assert.Equal(t, "pixel.png", u.Filename)
	assert.Equal(t, "image/png", u.ContentType)
	assert.EqualValues(t, len(png), u.Size)

	_, err = FileFromPath(dir)
	assert.Error(t, err)

	assert.Equal(t, "text/plain", DetectContentType("text/plain", nil))
	assert.Equal(t, "image/png", DetectContentType("", png))
}

func TestReset(t *testing.T) {
	sub := &fakeSubmitter{gate: make(chan struct{}), entered: make(chan struct{}, 1)}
	c := newComposer(sub)
	c.SetDraft("x")
	c.StageFiles([]domain.Upload{domain.BytesUpload("a", "", []byte("a"))})
	require.NoError(t, c.Reset())
	assert.Empty(t, c.Draft())
	assert.Empty(t, c.Pending())

	c.SetDraft("y")
	go func() { _, _ = c.Submit(context.Background()) }()
	<-sub.entered
	assert.ErrorIs(t, c.Reset(), domain.ErrSubmissionInFlight)
	close(sub.gate)
}
