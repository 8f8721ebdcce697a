package handlers

import (
	"bytes"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ngoclaw/ngoclaw/messaging/internal/application/usecase"
	"github.com/ngoclaw/ngoclaw/messaging/internal/domain/entity"
	"github.com/ngoclaw/ngoclaw/messaging/internal/domain/valueobject"
	"github.com/ngoclaw/ngoclaw/messaging/pkg/errors"
)

// MessageHandler 消息接口
type MessageHandler struct {
	messages *usecase.MessageUseCase
	logger   *zap.Logger
}

// NewMessageHandler 创建消息处理器
func NewMessageHandler(uc *usecase.MessageUseCase, logger *zap.Logger) *MessageHandler {
	return &MessageHandler{messages: uc, logger: logger}
}

// SendMessageRequest 发送消息请求
type SendMessageRequest struct {
	Content         string                   `json:"content"`
	Attachments     []valueobject.Attachment `json:"attachments"`
	ParentMessageID string                   `json:"parent_message_id"`
}

// Send POST /conversations/:id/messages
func (h *MessageHandler) Send(c *gin.Context) {
	var req SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	msg, err := h.messages.Send(c.Request.Context(), IdentityFrom(c), usecase.SendMessageInput{
		ConversationID:  c.Param("id"),
		Content:         req.Content,
		Attachments:     req.Attachments,
		ParentMessageID: req.ParentMessageID,
	})
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, usecase.NewMessageView(msg))
}

// List GET /conversations/:id/messages?before=&limit=
func (h *MessageHandler) List(c *gin.Context) {
	before, err := queryInt64(c, "before")
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	limit, err := queryInt(c, "limit", 0)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	msgs, err := h.messages.ListMessages(c.Request.Context(), IdentityFrom(c), c.Param("id"), before, limit)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": usecase.NewMessageViews(msgs)})
}

// EditMessageRequest 编辑请求
type EditMessageRequest struct {
	Content         string `json:"content"`
	ExpectedVersion int64  `json:"expected_version"`
}

// Edit PATCH /messages/:id
func (h *MessageHandler) Edit(c *gin.Context) {
	var req EditMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	msg, err := h.messages.Edit(c.Request.Context(), IdentityFrom(c), usecase.EditMessageInput{
		MessageID:       c.Param("id"),
		Content:         req.Content,
		ExpectedVersion: req.ExpectedVersion,
	})
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, usecase.NewMessageView(msg))
}

// Delete DELETE /messages/:id
func (h *MessageHandler) Delete(c *gin.Context) {
	msg, err := h.messages.Delete(c.Request.Context(), IdentityFrom(c), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, usecase.NewMessageView(msg))
}

// BulkDeleteRequest 批量删除请求
type BulkDeleteRequest struct {
	MessageIDs []string `json:"message_ids" binding:"required"`
}

// BulkDelete POST /messages/delete
func (h *MessageHandler) BulkDelete(c *gin.Context) {
	var req BulkDeleteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	outcomes, err := h.messages.BulkDelete(c.Request.Context(), IdentityFrom(c), req.MessageIDs)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": newOutcomeViews(outcomes)})
}

// AddReaction PUT /messages/:id/reactions/:emoji
func (h *MessageHandler) AddReaction(c *gin.Context) {
	h.react(c, true)
}

// RemoveReaction DELETE /messages/:id/reactions/:emoji
func (h *MessageHandler) RemoveReaction(c *gin.Context) {
	h.react(c, false)
}

func (h *MessageHandler) react(c *gin.Context, add bool) {
	changed, err := h.messages.React(c.Request.Context(), IdentityFrom(c), c.Param("id"), c.Param("emoji"), add)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"changed": changed})
}

// ListReactions GET /messages/:id/reactions
func (h *MessageHandler) ListReactions(c *gin.Context) {
	reactions, err := h.messages.ListReactions(c.Request.Context(), IdentityFrom(c), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reactions": reactions})
}

// ForwardRequest 转发请求
type ForwardRequest struct {
	ConversationIDs []string `json:"conversation_ids" binding:"required"`
}

// Forward POST /messages/:id/forward
func (h *MessageHandler) Forward(c *gin.Context) {
	var req ForwardRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	outcomes, err := h.messages.Forward(c.Request.Context(), IdentityFrom(c), c.Param("id"), req.ConversationIDs)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": newOutcomeViews(outcomes)})
}

// Thread GET /messages/:id/thread
//
// 不带 after 时返回根消息（root）与全部回复（messages）；带 after 时只返回该序号之后的一页回复。
func (h *MessageHandler) Thread(c *gin.Context) {
	ctx, identity := c.Request.Context(), IdentityFrom(c)
	if _, paged := c.GetQuery("after"); paged {
		after, err := queryInt64(c, "after")
		if err != nil {
			respondError(c, h.logger, err)
			return
		}
		limit, err := queryInt(c, "limit", 0)
		if err != nil {
			respondError(c, h.logger, err)
			return
		}
		replies, err := h.messages.ThreadPage(ctx, identity, c.Param("id"), after, limit)
		if err != nil {
			respondError(c, h.logger, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"messages": usecase.NewMessageViews(replies)})
		return
	}

	root, err := h.messages.ThreadRoot(ctx, identity, c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	thread, err := h.messages.GetThread(ctx, identity, root.ID())
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	msgs := []*entity.Message{}
	for m, err := range thread {
		if err != nil {
			respondError(c, h.logger, err)
			return
		}
		msgs = append(msgs, m)
	}
	c.JSON(http.StatusOK, gin.H{
		"root":     usecase.NewMessageView(root),
		"messages": usecase.NewMessageViews(msgs),
	})
}

// MarkRead POST /messages/:id/read
func (h *MessageHandler) MarkRead(c *gin.Context) {
	advanced, err := h.messages.MarkAsRead(c.Request.Context(), IdentityFrom(c), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"advanced": advanced})
}

// Export GET /conversations/:id/export?format=&from=&to=
func (h *MessageHandler) Export(c *gin.Context) {
	from, err := queryTime(c, "from")
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	to, err := queryTime(c, "to")
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	format, err := usecase.ParseExportFormat(c.Query("format"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	// 先写入缓冲区，失败时仍可返回结构化错误
	var buf bytes.Buffer
	n, err := h.messages.Export(c.Request.Context(), IdentityFrom(c), usecase.ExportInput{
		ConversationID: c.Param("id"),
		Format:         string(format),
		From:           from,
		To:             to,
	}, &buf)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.Header("X-Exported-Messages", strconv.Itoa(n))
	c.Data(http.StatusOK, format.ContentType(), buf.Bytes())
}

// Upload POST /attachments (multipart: file)
func (h *MessageHandler) Upload(c *gin.Context) {
	fh, err := c.FormFile("file")
	if err != nil {
		respondError(c, h.logger, errors.NewInvalidArgumentError("multipart field \"file\" required"))
		return
	}
	f, err := fh.Open()
	if err != nil {
		respondError(c, h.logger, errors.NewInvalidArgumentError("unreadable upload"))
		return
	}
	defer f.Close()

	mimeType := fh.Header.Get("Content-Type")
	if strings.TrimSpace(mimeType) == "" {
		mimeType = "application/octet-stream"
	}
	att, err := h.messages.UploadAttachment(c.Request.Context(), IdentityFrom(c), usecase.UploadInput{
		Name:     fh.Filename,
		MimeType: mimeType,
		Size:     fh.Size,
		Reader:   f,
	})
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, att)
}
