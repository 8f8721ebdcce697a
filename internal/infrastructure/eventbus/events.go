package eventbus

// 会话与消息事件类型
const (
	EventConversationCreated   = "conversation.created"
	EventConversationUpdated   = "conversation.updated"
	EventParticipantsAdded     = "participant.added"
	EventParticipantRemoved    = "participant.removed"
	EventParticipantLeft       = "participant.left"
	EventParticipantRoleChange = "participant.role_changed"
	EventSettingsChanged       = "participant.settings_changed" // 归档/静音/置顶，仅通知本人
	EventMessageCreated        = "message.created"
	EventMessageEdited         = "message.edited"
	EventMessageDeleted        = "message.deleted"
	EventReactionAdded         = "reaction.added"
	EventReactionRemoved       = "reaction.removed"
	EventReadAdvanced          = "message.read"
	EventConversationGC        = "conversation.gc_eligible"
)

// Recipient 事件接收者
type Recipient struct {
	UserID string `json:"user_id"`
	Muted  bool   `json:"muted,omitempty"` // 静音者仍收到事件，推送层据此降级提醒
}

// DeliveryPayload 投递事件载荷
type DeliveryPayload struct {
	ConversationID string      `json:"conversation_id"`
	ActorID        string      `json:"actor_id"`
	Sequence       int64       `json:"sequence,omitempty"`
	Recipients     []Recipient `json:"recipients"`
	Data           any         `json:"data,omitempty"`
}

// ConversationIDOf 提取事件所属会话，非投递事件返回空
func ConversationIDOf(event Event) string {
	switch p := event.Payload().(type) {
	case DeliveryPayload:
		return p.ConversationID
	case *DeliveryPayload:
		if p != nil {
			return p.ConversationID
		}
	}
	return ""
}
