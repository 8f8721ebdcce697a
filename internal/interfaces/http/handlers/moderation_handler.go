package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ngoclaw/ngoclaw/messaging/internal/application/usecase"
)

// ModerationHandler 监管、统计与检索接口
type ModerationHandler struct {
	moderation *usecase.ModerationUseCase
	logger     *zap.Logger
}

// NewModerationHandler 创建监管处理器
func NewModerationHandler(uc *usecase.ModerationUseCase, logger *zap.Logger) *ModerationHandler {
	return &ModerationHandler{moderation: uc, logger: logger}
}

// MonitoredView 监管视图条目
type MonitoredView struct {
	Conversation     usecase.ConversationView `json:"conversation"`
	ParticipantCount int                      `json:"participant_count"`
	MessageCount     int64                    `json:"message_count"`
	LastActivityAt   string                   `json:"last_activity_at"`
	Offices          []string                 `json:"offices"`
}

// ListMonitored GET /moderation/conversations?office_id=&page=&page_size=
func (h *ModerationHandler) ListMonitored(c *gin.Context) {
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
	res, err := h.moderation.ListMonitored(c.Request.Context(), IdentityFrom(c), c.Query("office_id"), page, pageSize)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	items := make([]MonitoredView, len(res.Items))
	for i, it := range res.Items {
		items[i] = MonitoredView{
			Conversation:     usecase.NewConversationView(it.Conversation),
			ParticipantCount: it.ParticipantCount,
			MessageCount:     it.MessageCount,
			LastActivityAt:   it.LastActivityAt.UTC().Format(time.RFC3339),
			Offices:          it.Offices,
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"items":     items,
		"total":     res.Total,
		"page":      res.Page,
		"page_size": res.PageSize,
		"office_id": res.OfficeID,
	})
}

// Analytics GET /conversations/:id/analytics?timeframe=
func (h *ModerationHandler) Analytics(c *gin.Context) {
	tf := c.DefaultQuery("timeframe", "24h")
	a, err := h.moderation.GetAnalytics(c.Request.Context(), IdentityFrom(c), c.Param("id"), tf)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, a)
}

// SearchMessages GET /messages/search?q=&conversation_id=&sender_id=&from=&to=&limit=
func (h *ModerationHandler) SearchMessages(c *gin.Context) {
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
	limit, err := queryInt(c, "limit", 0)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	ranked, err := h.moderation.SearchMessages(c.Request.Context(), IdentityFrom(c), c.Query("q"), usecase.SearchMessagesInput{
		ConversationID: c.Query("conversation_id"),
		SenderID:       c.Query("sender_id"),
		From:           from,
		To:             to,
		Limit:          limit,
	})
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	out := make([]SearchResult[usecase.MessageView], len(ranked))
	for i, r := range ranked {
		out[i] = SearchResult[usecase.MessageView]{Item: usecase.NewMessageView(r.Message), Score: r.Score}
	}
	c.JSON(http.StatusOK, gin.H{"results": out})
}
