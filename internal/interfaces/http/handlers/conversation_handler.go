package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ngoclaw/ngoclaw/messaging/internal/application/usecase"
	"github.com/ngoclaw/ngoclaw/messaging/internal/domain/entity"
	"github.com/ngoclaw/ngoclaw/messaging/internal/domain/valueobject"
	"github.com/ngoclaw/ngoclaw/messaging/pkg/errors"
)

// ConversationHandler 会话接口
type ConversationHandler struct {
	conversations *usecase.ConversationUseCase
	logger        *zap.Logger
}

// NewConversationHandler 创建会话处理器
func NewConversationHandler(uc *usecase.ConversationUseCase, logger *zap.Logger) *ConversationHandler {
	return &ConversationHandler{conversations: uc, logger: logger}
}

// CreateConversationRequest 创建会话请求
type CreateConversationRequest struct {
	Type           valueobject.ConversationType `json:"type"`
	Name           string                       `json:"name"`
	Description    string                       `json:"description"`
	ParticipantIDs []string                     `json:"participant_ids"`
}

// ConversationResponse 会话及调用者成员信息
type ConversationResponse struct {
	Conversation usecase.ConversationView  `json:"conversation"`
	Membership   *usecase.ParticipantView  `json:"membership,omitempty"`
	Participants []usecase.ParticipantView `json:"participants,omitempty"`
	LastMessage  *usecase.MessageView      `json:"last_message,omitempty"`
	UnreadCount  *int64                    `json:"unread_count,omitempty"`
	Created      *bool                     `json:"created,omitempty"`
}

// Create POST /conversations
func (h *ConversationHandler) Create(c *gin.Context) {
	var req CreateConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if req.Type == "" {
		req.Type = valueobject.ConversationTypeGroup
	}

	res, err := h.conversations.Create(c.Request.Context(), IdentityFrom(c), usecase.CreateConversationInput{
		Type:           req.Type,
		Name:           req.Name,
		Description:    req.Description,
		ParticipantIDs: req.ParticipantIDs,
	})
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	created := res.Created
	c.JSON(status, ConversationResponse{
		Conversation: usecase.NewConversationView(res.Conversation),
		Participants: usecase.NewParticipantViews(res.Participants),
		Created:      &created,
	})
}

// Get GET /conversations/:id
func (h *ConversationHandler) Get(c *gin.Context) {
	detail, err := h.conversations.Get(c.Request.Context(), c.Param("id"), IdentityFrom(c))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	resp := ConversationResponse{
		Conversation: usecase.NewConversationView(detail.Conversation),
		Participants: usecase.NewParticipantViews(detail.Participants),
	}
	if detail.Membership != nil {
		m := usecase.NewParticipantView(detail.Membership)
		resp.Membership = &m
	}
	c.JSON(http.StatusOK, resp)
}

// ConversationListResponse 会话分页响应
type ConversationListResponse struct {
	Items    []ConversationResponse `json:"items"`
	Total    int                    `json:"total"`
	Page     int                    `json:"page"`
	PageSize int                    `json:"page_size"`
}

// List GET /conversations
func (h *ConversationHandler) List(c *gin.Context) {
	page, err := queryInt(c, "page", 1)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	pageSize, err := queryInt(c, "page_size", 0)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	res, err := h.conversations.List(c.Request.Context(), IdentityFrom(c), usecase.ListConversationsInput{
		Page:            page,
		PageSize:        pageSize,
		Sort:            c.Query("sort"),
		IncludeArchived: queryBool(c, "include_archived"),
		PinnedFirst:     queryBool(c, "pinned_first"),
	})
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	items := make([]ConversationResponse, 0, len(res.Items))
	for _, s := range res.Items {
		item := ConversationResponse{Conversation: usecase.NewConversationView(s.Conversation)}
		if s.Membership != nil {
			m := usecase.NewParticipantView(s.Membership)
			item.Membership = &m
		}
		if s.LastMessage != nil {
			v := usecase.NewMessageView(s.LastMessage)
			item.LastMessage = &v
		}
		unread := s.UnreadCount
		item.UnreadCount = &unread
		items = append(items, item)
	}
	c.JSON(http.StatusOK, ConversationListResponse{
		Items:    items,
		Total:    res.Total,
		Page:     res.Page,
		PageSize: res.PageSize,
	})
}

// SearchResult 检索结果条目
type SearchResult[T any] struct {
	Item  T       `json:"item"`
	Score float64 `json:"score"`
}

// Search GET /conversations/search?q=
func (h *ConversationHandler) Search(c *gin.Context) {
	limit, err := queryInt(c, "limit", 0)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	ranked, err := h.conversations.Search(c.Request.Context(), IdentityFrom(c), c.Query("q"), usecase.SearchConversationsInput{
		Type:            valueobject.ConversationType(c.Query("type")),
		IncludeArchived: queryBool(c, "include_archived"),
		Limit:           limit,
	})
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	out := make([]SearchResult[usecase.ConversationView], len(ranked))
	for i, r := range ranked {
		out[i] = SearchResult[usecase.ConversationView]{Item: usecase.NewConversationView(r.Conversation), Score: r.Score}
	}
	c.JSON(http.StatusOK, gin.H{"results": out})
}

// UpdateConversationRequest 会话元数据补丁
type UpdateConversationRequest struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
}

// Update PATCH /conversations/:id
func (h *ConversationHandler) Update(c *gin.Context) {
	var req UpdateConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	conv, err := h.conversations.Update(c.Request.Context(), c.Param("id"), IdentityFrom(c), usecase.UpdateConversationInput{
		Name:        req.Name,
		Description: req.Description,
	})
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, usecase.NewConversationView(conv))
}

// SettingsRequest 个人设置补丁，nil 字段不修改
type SettingsRequest struct {
	Archived   *bool      `json:"archived"`
	Pinned     *bool      `json:"pinned"`
	Muted      *bool      `json:"muted"`
	MutedUntil *time.Time `json:"muted_until"`
}

// UpdateSettings PUT /conversations/:id/settings
func (h *ConversationHandler) UpdateSettings(c *gin.Context) {
	var req SettingsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if req.Archived == nil && req.Pinned == nil && req.Muted == nil {
		respondError(c, h.logger, errors.NewInvalidArgumentError("no settings provided"))
		return
	}

	ctx, id, identity := c.Request.Context(), c.Param("id"), IdentityFrom(c)
	var (
		membership *entity.Participant
		err        error
	)
	if req.Archived != nil {
		membership, err = h.conversations.Archive(ctx, id, identity, *req.Archived)
	}
	if err == nil && req.Pinned != nil {
		membership, err = h.conversations.Pin(ctx, id, identity, *req.Pinned)
	}
	if err == nil && req.Muted != nil {
		membership, err = h.conversations.Mute(ctx, id, identity, *req.Muted, req.MutedUntil)
	}
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, usecase.NewParticipantView(membership))
}

// ListParticipants GET /conversations/:id/participants
func (h *ConversationHandler) ListParticipants(c *gin.Context) {
	ps, err := h.conversations.ListParticipants(c.Request.Context(), c.Param("id"), IdentityFrom(c))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"participants": usecase.NewParticipantViews(ps)})
}

// AddParticipantsRequest 添加成员请求
type AddParticipantsRequest struct {
	UserIDs []string `json:"user_ids" binding:"required"`
}

// AddParticipants POST /conversations/:id/participants
func (h *ConversationHandler) AddParticipants(c *gin.Context) {
	var req AddParticipantsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	added, err := h.conversations.AddParticipants(c.Request.Context(), c.Param("id"), IdentityFrom(c), req.UserIDs)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"added": usecase.NewParticipantViews(added)})
}

// RemoveParticipant DELETE /conversations/:id/participants/:user_id
func (h *ConversationHandler) RemoveParticipant(c *gin.Context) {
	if err := h.conversations.RemoveParticipant(c.Request.Context(), c.Param("id"), IdentityFrom(c), c.Param("user_id")); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// UpdateRoleRequest 角色变更请求
type UpdateRoleRequest struct {
	Role valueobject.ParticipantRole `json:"role" binding:"required"`
}

// UpdateRole PUT /conversations/:id/participants/:user_id/role
func (h *ConversationHandler) UpdateRole(c *gin.Context) {
	var req UpdateRoleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	p, err := h.conversations.UpdateParticipantRole(c.Request.Context(), c.Param("id"), IdentityFrom(c), c.Param("user_id"), req.Role)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, usecase.NewParticipantView(p))
}

// Leave POST /conversations/:id/leave
func (h *ConversationHandler) Leave(c *gin.Context) {
	if err := h.conversations.Leave(c.Request.Context(), c.Param("id"), IdentityFrom(c)); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// BulkArchiveRequest 批量归档请求
type BulkArchiveRequest struct {
	ConversationIDs []string `json:"conversation_ids" binding:"required"`
	Archived        bool     `json:"archived"`
}

// BulkArchive POST /conversations/archive
func (h *ConversationHandler) BulkArchive(c *gin.Context) {
	var req BulkArchiveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	outcomes, err := h.conversations.BulkArchive(c.Request.Context(), req.ConversationIDs, IdentityFrom(c), req.Archived)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": newOutcomeViews(outcomes)})
}

func newOutcomeViews(outcomes []usecase.Outcome) []OutcomeView {
	views := make([]OutcomeView, len(outcomes))
	for i, o := range outcomes {
		views[i] = OutcomeView{ID: o.ID, ResultID: o.ResultID, OK: o.OK()}
		if o.Err != nil {
			views[i].Code = errors.CodeOf(o.Err)
			views[i].Message = errors.MessageOf(o.Err)
		}
	}
	return views
}
