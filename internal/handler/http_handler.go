package handler

import (
	"context"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/weiawesome/wes-io-live/messenger-client/internal/composer"
	"github.com/weiawesome/wes-io-live/messenger-client/internal/conversation"
	"github.com/weiawesome/wes-io-live/messenger-client/internal/domain"
	"github.com/weiawesome/wes-io-live/messenger-client/internal/view"
	"github.com/weiawesome/wes-io-live/messenger-client/pkg/log"
	"github.com/weiawesome/wes-io-live/messenger-client/pkg/middleware"
	"github.com/weiawesome/wes-io-live/messenger-client/pkg/response"
	"github.com/weiawesome/wes-io-live/messenger-client/pkg/storage"
)

// sniffLen is how much of an upload is read to guess its type.
const sniffLen = 3072

// Views is the view registry.
type Views interface {
	Mount(ctx context.Context, conversationID string) (*view.View, error)
	Get(conversationID string) (*view.View, bool)
	Unmount(conversationID string) bool
	List() []view.Status
}

type Directory interface {
	Entries(ctx context.Context, userID string) ([]conversation.Entry, error)
	Get(ctx context.Context, userID, id string) (domain.Conversation, error)
	CreateOrGet(ctx context.Context, userID, peerID string) (domain.Conversation, error)
	Invalidate(ctx context.Context, userID string) error
}

type Attachments interface {
	Download(ctx context.Context, conversationID, messageID string, a domain.Attachment) (string, error)
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Cached(ctx context.Context, conversationID string) ([]storage.FileInfo, error)
}

type Accounts interface {
	Register(ctx context.Context, email, username, password string) (string, error)
	Login(ctx context.Context, username, password string) (string, error)
	Me(ctx context.Context) (domain.UserSummary, error)
}

type Credentials interface {
	Set(ctx context.Context, token string) error
	Clear(ctx context.Context) error
}

// Handler handles HTTP requests for the local UI surface.
type Handler struct {
	views          Views
	directory      Directory
	attachments    Attachments
	accounts       Accounts
	credentials    Credentials
	authMiddleware *middleware.AuthMiddleware
}

// NewHandler creates a new HTTP handler.
func NewHandler(views Views, directory Directory, attachments Attachments, accounts Accounts, credentials Credentials, authMiddleware *middleware.AuthMiddleware) *Handler {
	return &Handler{
		views:          views,
		directory:      directory,
		attachments:    attachments,
		accounts:       accounts,
		credentials:    credentials,
		authMiddleware: authMiddleware,
	}
}

// RegisterRoutes registers all routes.
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	api := r.Group("/api/v1")
	{
		auth := api.Group("/auth")
		{
			auth.POST("/register", h.Register)
			auth.POST("/login", h.Login)
			auth.POST("/logout", h.Logout)
		}

		api.GET("/views", h.ListViews)
		api.GET("/me", h.authMiddleware.RequireAuth(), h.GetMe)

		convs := api.Group("/conversations", h.authMiddleware.RequireAuth())
		{
			convs.GET("", h.ListConversations)
			convs.POST("", h.CreateConversation)
			convs.GET("/:id", h.GetConversation)

			convs.POST("/:id/view", h.MountView)
			convs.DELETE("/:id/view", h.UnmountView)
			convs.GET("/:id/status", h.GetStatus)
			convs.POST("/:id/draft", h.CheckDraft)
			convs.GET("/:id/attachments", h.ListCachedAttachments)

			convs.GET("/:id/messages", h.GetMessages)
			convs.POST("/:id/messages", h.SendMessage)
			convs.POST("/:id/messages/older", h.LoadOlder)
			convs.PATCH("/:id/messages/:message_id", h.EditMessage)
			convs.DELETE("/:id/messages/:message_id", h.DeleteMessage)
			convs.GET("/:id/messages/:message_id/attachments/:attachment_id", h.GetAttachment)
		}
	}
}

type credentialsRequest struct {
	Email    string `json:"email"`
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// Register creates an account and stores its token.
func (h *Handler) Register(c *gin.Context) {
	ctx := c.Request.Context()
	l := log.Ctx(ctx)

	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	if req.Email == "" {
		response.BadRequest(c, "email is required")
		return
	}

	token, err := h.accounts.Register(ctx, req.Email, req.Username, req.Password)
	if err != nil {
		l.Warn().Err(err).Msg("failed to register")
		writeError(c, err)
		return
	}
	h.storeToken(c, token)
}

// Login exchanges a username and password for a token and stores it.
func (h *Handler) Login(c *gin.Context) {
	ctx := c.Request.Context()
	l := log.Ctx(ctx)

	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	token, err := h.accounts.Login(ctx, req.Username, req.Password)
	if err != nil {
		l.Warn().Err(err).Msg("failed to log in")
		writeError(c, err)
		return
	}
	h.storeToken(c, token)
}

func (h *Handler) storeToken(c *gin.Context, token string) {
	if err := h.credentials.Set(c.Request.Context(), token); err != nil {
		l := log.Ctx(c.Request.Context())
		l.Error().Err(err).Msg("failed to store token")
		response.InternalError(c, "failed to store token")
		return
	}
	response.Success(c, gin.H{"logged_in": true})
}

// Logout clears the stored token. Mounted views close when the change is
// announced.
func (h *Handler) Logout(c *gin.Context) {
	if err := h.credentials.Clear(c.Request.Context()); err != nil {
		l := log.Ctx(c.Request.Context())
		l.Error().Err(err).Msg("failed to clear token")
		response.InternalError(c, "failed to clear token")
		return
	}
	response.Success(c, gin.H{"logged_in": false})
}

// GetMe returns the profile of the logged-in user.
func (h *Handler) GetMe(c *gin.Context) {
	me, err := h.accounts.Me(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, me)
}

func (h *Handler) ListViews(c *gin.Context) {
	response.Success(c, h.views.List())
}

// ListConversations lists the user's conversations, most recent first.
// ?refresh=true bypasses the cached list.
func (h *Handler) ListConversations(c *gin.Context) {
	ctx := c.Request.Context()
	userID := middleware.GetUserID(c)
	if refresh, _ := strconv.ParseBool(c.Query("refresh")); refresh {
		if err := h.directory.Invalidate(ctx, userID); err != nil {
			l := log.Ctx(ctx)
			l.Warn().Err(err).Msg("failed to drop cached conversations")
		}
	}

	entries, err := h.directory.Entries(ctx, userID)
	if err != nil {
		l := log.Ctx(ctx)
		l.Error().Err(err).Msg("failed to list conversations")
		writeError(c, err)
		return
	}
	response.Success(c, entries)
}

type createConversationRequest struct {
	PeerID string `json:"peer_id" binding:"required"`
}

// CreateConversation returns the conversation with peer_id, creating it
// when needed.
func (h *Handler) CreateConversation(c *gin.Context) {
	ctx := c.Request.Context()

	var req createConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	conv, err := h.directory.CreateOrGet(ctx, middleware.GetUserID(c), req.PeerID)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Created(c, conv)
}

func (h *Handler) GetConversation(c *gin.Context) {
	conv, err := h.directory.Get(c.Request.Context(), middleware.GetUserID(c), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, conv)
}

type viewResponse struct {
	Status   view.Status      `json:"status"`
	Messages []domain.Message `json:"messages"`
}

// MountView opens the conversation and returns its first page.
func (h *Handler) MountView(c *gin.Context) {
	ctx := c.Request.Context()
	l := log.Ctx(ctx)
	convID := c.Param("id")

	v, err := h.views.Mount(ctx, convID)
	if err != nil {
		l.Warn().Err(err).Str(log.FieldConversationID, convID).Msg("failed to mount view")
		writeError(c, err)
		return
	}
	response.Success(c, viewResponse{Status: v.Status(), Messages: v.Messages()})
}

func (h *Handler) UnmountView(c *gin.Context) {
	if !h.views.Unmount(c.Param("id")) {
		response.NotFound(c, "view not mounted")
		return
	}
	response.Success(c, gin.H{"unmounted": true})
}

// mounted returns the view for the :id param or writes a 404. The request
// logger gains the conversation id.
func (h *Handler) mounted(c *gin.Context) (*view.View, bool) {
	v, ok := h.views.Get(c.Param("id"))
	if !ok {
		response.NotFound(c, "view not mounted")
		return nil, false
	}
	c.Request = c.Request.WithContext(log.WithConversation(c.Request.Context(), v.ConversationID()))
	return v, true
}

func (h *Handler) GetStatus(c *gin.Context) {
	v, ok := h.mounted(c)
	if !ok {
		return
	}
	response.Success(c, v.Status())
}

type draftRequest struct {
	Content string `json:"content"`
}

// CheckDraft reports the length state of a draft without sending it.
func (h *Handler) CheckDraft(c *gin.Context) {
	v, ok := h.mounted(c)
	if !ok {
		return
	}
	var req draftRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	response.Success(c, v.CheckDraft(req.Content))
}

// GetMessages returns the current snapshot.
func (h *Handler) GetMessages(c *gin.Context) {
	v, ok := h.mounted(c)
	if !ok {
		return
	}
	response.Success(c, v.Messages())
}

// LoadOlder fetches one older page and returns the snapshot.
func (h *Handler) LoadOlder(c *gin.Context) {
	v, ok := h.mounted(c)
	if !ok {
		return
	}
	n, err := v.LoadOlder(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, gin.H{
		"inserted":  n,
		"has_older": v.Status().HasOlder,
		"messages":  v.Messages(),
	})
}

// SendMessage accepts a multipart form with an optional content field and
// any number of files.
func (h *Handler) SendMessage(c *gin.Context) {
	v, ok := h.mounted(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	l := log.Ctx(ctx)

	var (
		content string
		files   []domain.Upload
	)
	if form, err := c.MultipartForm(); err == nil {
		if vals := form.Value["content"]; len(vals) > 0 {
			content = vals[0]
		}
		for _, fh := range form.File["files"] {
			files = append(files, formUpload(fh))
		}
	} else {
		content = c.PostForm("content")
	}

	m, rejected, err := v.Send(ctx, content, files)
	if len(rejected) > 0 {
		response.ErrorWithData(c, http.StatusRequestEntityTooLarge, "FILE_TOO_LARGE", err.Error(), rejected)
		return
	}
	if err != nil {
		l.Warn().Err(err).Msg("failed to send message")
		writeError(c, err)
		return
	}
	response.Created(c, m)
}

// formUpload describes one uploaded part. A missing or generic content type
// is replaced by one sniffed from the leading bytes.
func formUpload(fh *multipart.FileHeader) domain.Upload {
	contentType := fh.Header.Get("Content-Type")
	if contentType == "" || strings.HasPrefix(contentType, "application/octet-stream") {
		if f, err := fh.Open(); err == nil {
			head := make([]byte, sniffLen)
			n, _ := io.ReadFull(f, head)
			f.Close()
			contentType = composer.DetectContentType("", head[:n])
		}
	}
	return domain.Upload{
		Filename:    fh.Filename,
		ContentType: contentType,
		Size:        fh.Size,
		Open: func() (io.ReadCloser, error) {
			return fh.Open()
		},
	}
}

type editRequest struct {
	Content string `json:"content"`
}

func (h *Handler) EditMessage(c *gin.Context) {
	v, ok := h.mounted(c)
	if !ok {
		return
	}
	var req editRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	m, err := v.Edit(c.Request.Context(), c.Param("message_id"), req.Content)
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, m)
}

func (h *Handler) DeleteMessage(c *gin.Context) {
	v, ok := h.mounted(c)
	if !ok {
		return
	}
	m, err := v.Delete(c.Request.Context(), c.Param("message_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, m)
}

// GetAttachment downloads an attachment into the local cache, then streams
// it back.
func (h *Handler) GetAttachment(c *gin.Context) {
	v, ok := h.mounted(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	msgID, attID := c.Param("message_id"), c.Param("attachment_id")

	var (
		att   domain.Attachment
		found bool
	)
	for _, m := range v.Messages() {
		if m.ID != msgID {
			continue
		}
		for _, a := range m.Attachments {
			if a.ID == attID {
				att, found = a, true
			}
		}
	}
	if !found {
		response.NotFound(c, "attachment not found")
		return
	}

	key, err := h.attachments.Download(ctx, v.ConversationID(), msgID, att)
	if err != nil {
		l := log.Ctx(ctx)
		l.Warn().Err(err).Str(log.FieldMessageID, msgID).Msg("failed to download attachment")
		writeError(c, err)
		return
	}
	rc, err := h.attachments.Open(ctx, key)
	if err != nil {
		writeError(c, err)
		return
	}
	defer rc.Close()

	mime := att.MIME
	if mime == "" {
		mime = "application/octet-stream"
	}
	c.DataFromReader(http.StatusOK, att.SizeBytes, mime, rc, map[string]string{
		"Content-Disposition": "inline; filename=" + strconv.Quote(att.Filename),
	})
}

// ListCachedAttachments lists the attachments of a conversation already
// held in the local cache.
func (h *Handler) ListCachedAttachments(c *gin.Context) {
	files, err := h.attachments.Cached(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	response.Success(c, files)
}

// writeError maps domain and upstream errors onto the response envelope.
func writeError(c *gin.Context, err error) {
	var ve *domain.ValidationError
	if errors.As(err, &ve) {
		switch {
		case errors.Is(err, domain.ErrFileTooLarge):
			response.PayloadTooLarge(c, ve.Error())
		case errors.Is(err, domain.ErrInvalidTarget):
			response.Error(c, http.StatusConflict, "INVALID_TARGET", ve.Error())
		default:
			response.BadRequest(c, ve.Error())
		}
		return
	}

	switch {
	case errors.Is(err, domain.ErrSubmissionInFlight):
		response.Error(c, http.StatusConflict, "IN_FLIGHT", err.Error())
	case errors.Is(err, domain.ErrViewClosed):
		response.Error(c, http.StatusConflict, "VIEW_CLOSED", err.Error())
	case errors.Is(err, domain.ErrNoCredential), errors.Is(err, domain.ErrUnauthorized):
		response.Unauthorized(c, err.Error())
	case errors.Is(err, domain.ErrForbidden):
		response.Forbidden(c, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		response.NotFound(c, err.Error())
	case errors.Is(err, domain.ErrConflict):
		response.Conflict(c, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		response.Error(c, http.StatusGatewayTimeout, "TIMEOUT", err.Error())
	default:
		response.BadGateway(c, err.Error())
	}
}
