package usecase

import (
	"context"
	stderrors "errors"
	"io"
	"iter"
	"strings"
	"sync/atomic"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/ngoclaw/ngoclaw/messaging/internal/domain/entity"
	"github.com/ngoclaw/ngoclaw/messaging/internal/domain/repository"
	"github.com/ngoclaw/ngoclaw/messaging/internal/domain/service"
	"github.com/ngoclaw/ngoclaw/messaging/internal/domain/valueobject"
	"github.com/ngoclaw/ngoclaw/messaging/internal/infrastructure/eventbus"
	"github.com/ngoclaw/ngoclaw/messaging/pkg/errors"
)

const maxEmojiLength = 64

// MessageUseCase 消息生命周期：发送、编辑、删除、回应、转发、话题与已读
type MessageUseCase struct {
	core
	storage service.AttachmentStorage
}

// NewMessageUseCase 创建消息用例
func NewMessageUseCase(deps Dependencies) *MessageUseCase {
	return &MessageUseCase{
		core:    newCore(deps, "message"),
		storage: deps.Storage,
	}
}

// SendMessageInput 发送消息参数
type SendMessageInput struct {
	ConversationID  string
	Content         string
	Attachments     []valueobject.Attachment
	ParentMessageID string
}

// EditMessageInput 编辑消息参数；ExpectedVersion 为 0 时使用当前版本
type EditMessageInput struct {
	MessageID       string
	Content         string
	ExpectedVersion int64
}

// UploadInput 附件上传参数
type UploadInput struct {
	Name     string
	MimeType string
	Size     int64 // 声明大小，未知时为 0
	Reader   io.Reader
	Progress func(written, total int64)
}

// Send 发送消息
func (uc *MessageUseCase) Send(ctx context.Context, identity valueobject.Identity, input SendMessageInput) (*entity.Message, error) {
	if err := uc.authorize(ctx, identity, service.ResourceMessage, service.ActionSend); err != nil {
		return nil, err
	}
	return uc.send(ctx, identity, input, "")
}

func (uc *MessageUseCase) send(ctx context.Context, identity valueobject.Identity, input SendMessageInput, forwardedFrom string) (*entity.Message, error) {
	if err := uc.validateContent(input.Content, input.Attachments); err != nil {
		return nil, err
	}

	var sent *entity.Message
	err := uc.inLane(ctx, input.ConversationID, "message.send", func(ctx context.Context) error {
		conv, _, err := uc.requireMember(ctx, uc.repos, input.ConversationID, identity.UserID())
		if err != nil {
			return err
		}

		parentID := ""
		if input.ParentMessageID != "" {
			parent, err := uc.repos.Messages.FindByID(ctx, input.ParentMessageID)
			if err != nil && !errors.IsNotFound(err) {
				return err
			}
			if parent == nil || parent.ConversationID() != conv.ID() || parent.IsDeleted() {
				return errors.NewNotFoundError("parent message not found")
			}
			parentID = parent.ThreadRootID()
		}

		// createdAt 与序号保持同向
		now := uc.now()
		if last := conv.LastMessageAt(); last != nil && last.After(now) {
			now = *last
		}
		msg, err := entity.NewMessage(uc.newID(), conv.ID(), identity.UserID(), input.Content, input.Attachments, parentID, now)
		if err != nil {
			return domainError(err)
		}
		if forwardedFrom != "" {
			msg.MarkForwardedFrom(forwardedFrom)
		}

		if err := uc.tx.WithinTransaction(ctx, func(ctx context.Context, repos repository.Repositories) error {
			if err := repos.Messages.Append(ctx, msg); err != nil {
				return err
			}
			if err := repos.Conversations.TouchLastMessage(ctx, conv.ID(), now); err != nil {
				return err
			}
			_, err := repos.Conversations.AdvanceReadPosition(ctx, conv.ID(), identity.UserID(), msg.ID(), msg.Sequence())
			return err
		}); err != nil {
			return err
		}
		sent = msg

		uc.logger.Debug("Message committed",
			zap.String("conversation_id", conv.ID()),
			zap.String("message_id", msg.ID()),
			zap.Int64("sequence", msg.Sequence()),
		)
		uc.publish(ctx, eventbus.EventMessageCreated, eventbus.DeliveryPayload{
			ConversationID: conv.ID(),
			ActorID:        identity.UserID(),
			Sequence:       msg.Sequence(),
			Recipients:     uc.recipients(ctx, conv.ID()),
			Data:           NewMessageView(msg),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sent, nil
}

func (uc *MessageUseCase) validateContent(content string, attachments []valueobject.Attachment) error {
	if strings.TrimSpace(content) == "" && len(attachments) == 0 {
		return domainError(entity.ErrEmptyMessage)
	}
	if uc.limits.MaxContentLength > 0 && utf8.RuneCountInString(content) > uc.limits.MaxContentLength {
		return errors.NewInvalidArgumentError("message content exceeds the maximum length")
	}
	if uc.limits.MaxAttachments > 0 && len(attachments) > uc.limits.MaxAttachments {
		return errors.NewInvalidArgumentError("too many attachments")
	}
	for _, att := range attachments {
		if !att.Valid() {
			return domainError(entity.ErrInvalidAttachment)
		}
	}
	return nil
}

// findMessage 读取消息；空ID视为参数错误
func (uc *MessageUseCase) findMessage(ctx context.Context, messageID string) (*entity.Message, error) {
	if messageID == "" {
		return nil, errors.NewInvalidArgumentError("message id required")
	}
	return uc.repos.Messages.FindByID(ctx, messageID)
}

// mutate 在消息所属会话队列中重新读取消息，以版本号提交修改后发布 eventType
func (uc *MessageUseCase) mutate(ctx context.Context, identity valueobject.Identity, messageID, kind, eventType string, fn func(ctx context.Context, msg *entity.Message) error) (*entity.Message, error) {
	msg, err := uc.findMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}

	var result *entity.Message
	err = uc.inLane(ctx, msg.ConversationID(), kind, func(ctx context.Context) error {
		current, err := uc.repos.Messages.FindByID(ctx, messageID)
		if err != nil {
			return err
		}
		if current.IsDeleted() {
			return errors.NewNotFoundError("message not found")
		}
		expected := current.Version()
		if err := fn(ctx, current); err != nil {
			return err
		}
		if err := uc.tx.WithinTransaction(ctx, func(ctx context.Context, repos repository.Repositories) error {
			return repos.Messages.UpdateIfVersion(ctx, current, expected)
		}); err != nil {
			return err
		}
		result = current

		uc.publish(ctx, eventType, eventbus.DeliveryPayload{
			ConversationID: current.ConversationID(),
			ActorID:        identity.UserID(),
			Sequence:       current.Sequence(),
			Recipients:     uc.recipients(ctx, current.ConversationID()),
			Data:           NewMessageView(current),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Edit 编辑消息；仅发送者可编辑
func (uc *MessageUseCase) Edit(ctx context.Context, identity valueobject.Identity, input EditMessageInput) (*entity.Message, error) {
	if err := uc.authorize(ctx, identity, service.ResourceMessage, service.ActionEdit); err != nil {
		return nil, err
	}
	// 空内容是否合法取决于消息是否带附件，由 entity.Message.Edit 判定
	if uc.limits.MaxContentLength > 0 && utf8.RuneCountInString(input.Content) > uc.limits.MaxContentLength {
		return nil, errors.NewInvalidArgumentError("message content exceeds the maximum length")
	}

	return uc.mutate(ctx, identity, input.MessageID, "message.edit", eventbus.EventMessageEdited, func(ctx context.Context, msg *entity.Message) error {
		if msg.SenderID() != identity.UserID() {
			return errors.NewPermissionDeniedError("only the sender can edit a message")
		}
		if _, _, err := uc.requireMember(ctx, uc.repos, msg.ConversationID(), identity.UserID()); err != nil {
			return err
		}
		if input.ExpectedVersion > 0 && input.ExpectedVersion != msg.Version() {
			return errors.NewConflictError("message was modified concurrently")
		}
		return domainError(msg.Edit(input.Content, uc.now()))
	})
}

// Delete 软删除消息；发送者、会话管理员或具备办公室监管权限者可删除
func (uc *MessageUseCase) Delete(ctx context.Context, identity valueobject.Identity, messageID string) (*entity.Message, error) {
	if err := uc.authorize(ctx, identity, service.ResourceMessage, service.ActionDelete); err != nil {
		return nil, err
	}

	return uc.mutate(ctx, identity, messageID, "message.delete", eventbus.EventMessageDeleted, func(ctx context.Context, msg *entity.Message) error {
		allowed, err := uc.canDelete(ctx, identity, msg)
		if err != nil {
			return err
		}
		if !allowed {
			return errors.NewPermissionDeniedError("not allowed to delete this message")
		}
		return domainError(msg.Redact(uc.now()))
	})
}

func (uc *MessageUseCase) canDelete(ctx context.Context, identity valueobject.Identity, msg *entity.Message) (bool, error) {
	if msg.SenderID() == identity.UserID() {
		return true, nil
	}
	_, p, err := uc.loadConversation(ctx, uc.repos, msg.ConversationID(), identity.UserID())
	if err != nil {
		return false, err
	}
	if p != nil && p.IsAdmin() {
		return true, nil
	}
	inScope, err := uc.inModerationScope(ctx, identity, msg.ConversationID())
	if err != nil || !inScope {
		return false, err
	}
	return uc.authorize(ctx, identity, service.ResourceMessage, service.ActionModerate) == nil, nil
}

// React 添加或移除表情回应（幂等），返回是否发生变化
func (uc *MessageUseCase) React(ctx context.Context, identity valueobject.Identity, messageID, emoji string, add bool) (bool, error) {
	if err := uc.authorize(ctx, identity, service.ResourceMessage, service.ActionReact); err != nil {
		return false, err
	}
	emoji = strings.TrimSpace(emoji)
	if emoji == "" || len(emoji) > maxEmojiLength {
		return false, errors.NewInvalidArgumentError("invalid emoji")
	}
	msg, err := uc.findMessage(ctx, messageID)
	if err != nil {
		return false, err
	}

	var changed bool
	err = uc.inLane(ctx, msg.ConversationID(), "message.react", func(ctx context.Context) error {
		current, err := uc.repos.Messages.FindByID(ctx, messageID)
		if err != nil {
			return err
		}
		if current.IsDeleted() {
			return errors.NewNotFoundError("message not found")
		}
		if _, _, err := uc.requireMember(ctx, uc.repos, current.ConversationID(), identity.UserID()); err != nil {
			return err
		}

		if err := uc.tx.WithinTransaction(ctx, func(ctx context.Context, repos repository.Repositories) error {
			var err error
			if add {
				changed, err = repos.Messages.AddReaction(ctx, valueobject.Reaction{
					MessageID: messageID,
					UserID:    identity.UserID(),
					Emoji:     emoji,
					CreatedAt: uc.now(),
				})
			} else {
				changed, err = repos.Messages.RemoveReaction(ctx, messageID, identity.UserID(), emoji)
			}
			return err
		}); err != nil {
			return err
		}
		if !changed {
			return nil
		}

		eventType := eventbus.EventReactionAdded
		if !add {
			eventType = eventbus.EventReactionRemoved
		}
		uc.publish(ctx, eventType, eventbus.DeliveryPayload{
			ConversationID: current.ConversationID(),
			ActorID:        identity.UserID(),
			Recipients:     uc.recipients(ctx, current.ConversationID()),
			Data:           map[string]any{"message_id": messageID, "user_id": identity.UserID(), "emoji": emoji},
		})
		return nil
	})
	return changed, err
}

// ListReactions 列出消息的回应
func (uc *MessageUseCase) ListReactions(ctx context.Context, identity valueobject.Identity, messageID string) ([]valueobject.Reaction, error) {
	if err := uc.authorize(ctx, identity, service.ResourceMessage, service.ActionRead); err != nil {
		return nil, err
	}
	msg, err := uc.findMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if _, _, err := uc.requireMember(ctx, uc.repos, msg.ConversationID(), identity.UserID()); err != nil {
		return nil, err
	}
	return uc.repos.Messages.ListReactions(ctx, messageID)
}

// Forward 将消息转发到多个会话，逐个返回结果
func (uc *MessageUseCase) Forward(ctx context.Context, identity valueobject.Identity, messageID string, targetConversationIDs []string) ([]Outcome, error) {
	if err := uc.authorize(ctx, identity, service.ResourceMessage, service.ActionForward); err != nil {
		return nil, err
	}
	targets, err := uc.checkBatch(targetConversationIDs)
	if err != nil {
		return nil, err
	}
	source, err := uc.findMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if source.IsDeleted() {
		return nil, errors.NewNotFoundError("message not found")
	}
	if _, _, err := uc.requireMember(ctx, uc.repos, source.ConversationID(), identity.UserID()); err != nil {
		return nil, err
	}

	outcomes := make([]Outcome, 0, len(targets))
	for _, target := range targets {
		msg, err := uc.send(ctx, identity, SendMessageInput{
			ConversationID: target,
			Content:        source.Content(),
			Attachments:    source.Attachments(),
		}, source.ID())
		outcome := Outcome{ID: target, Err: err}
		if err == nil {
			outcome.ResultID = msg.ID()
		}
		outcomes = append(outcomes, outcome)
	}
	return outcomes, nil
}

// threadRoot 解析话题根并校验调用者可见
func (uc *MessageUseCase) threadRoot(ctx context.Context, identity valueobject.Identity, messageID string) (*entity.Message, error) {
	if err := uc.authorize(ctx, identity, service.ResourceMessage, service.ActionRead); err != nil {
		return nil, err
	}
	msg, err := uc.findMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if msg.IsReply() {
		if msg, err = uc.repos.Messages.FindByID(ctx, msg.ParentMessageID()); err != nil {
			return nil, err
		}
	}
	if _, _, err := uc.requireMember(ctx, uc.repos, msg.ConversationID(), identity.UserID()); err != nil {
		return nil, err
	}
	return msg, nil
}

// GetThread 返回话题回复的惰性迭代器，按序号升序分页读取，不含根消息；
// 没有回复时为空序列。每次 range 都从头重新读取，已删除的回复以墓碑形式产出。
// 传入回复ID时按其所属话题根处理。
func (uc *MessageUseCase) GetThread(ctx context.Context, identity valueobject.Identity, rootMessageID string) (iter.Seq2[*entity.Message, error], error) {
	root, err := uc.threadRoot(ctx, identity, rootMessageID)
	if err != nil {
		return nil, err
	}
	pageSize := uc.limits.ThreadPageSize
	if pageSize <= 0 {
		pageSize = DefaultLimits().ThreadPageSize
	}

	return func(yield func(*entity.Message, error) bool) {
		var after int64
		for {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			page, err := uc.repos.Messages.ListReplies(ctx, root.ID(), after, pageSize)
			if err != nil {
				yield(nil, err)
				return
			}
			for _, m := range page {
				if !yield(m, nil) {
					return
				}
				after = m.Sequence()
			}
			if len(page) < pageSize {
				return
			}
		}
	}, nil
}

// ThreadRoot 返回话题根消息；传入回复ID时返回其父消息
func (uc *MessageUseCase) ThreadRoot(ctx context.Context, identity valueobject.Identity, messageID string) (*entity.Message, error) {
	return uc.threadRoot(ctx, identity, messageID)
}

// ThreadPage 返回序号大于 afterSequence 的一页回复
func (uc *MessageUseCase) ThreadPage(ctx context.Context, identity valueobject.Identity, rootMessageID string, afterSequence int64, limit int) ([]*entity.Message, error) {
	root, err := uc.threadRoot(ctx, identity, rootMessageID)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > uc.limits.ThreadPageSize {
		limit = uc.limits.ThreadPageSize
	}
	return uc.repos.Messages.ListReplies(ctx, root.ID(), afterSequence, limit)
}

// MarkAsRead 推进已读位置（只前进），返回是否推进
func (uc *MessageUseCase) MarkAsRead(ctx context.Context, identity valueobject.Identity, messageID string) (bool, error) {
	if err := uc.authorize(ctx, identity, service.ResourceMessage, service.ActionRead); err != nil {
		return false, err
	}
	msg, err := uc.findMessage(ctx, messageID)
	if err != nil {
		return false, err
	}

	var advanced bool
	err = uc.inLane(ctx, msg.ConversationID(), "message.read", func(ctx context.Context) error {
		if _, _, err := uc.requireMember(ctx, uc.repos, msg.ConversationID(), identity.UserID()); err != nil {
			return err
		}
		if err := uc.tx.WithinTransaction(ctx, func(ctx context.Context, repos repository.Repositories) error {
			var err error
			advanced, err = repos.Conversations.AdvanceReadPosition(ctx, msg.ConversationID(), identity.UserID(), msg.ID(), msg.Sequence())
			return err
		}); err != nil {
			return err
		}
		if advanced {
			uc.publish(ctx, eventbus.EventReadAdvanced, eventbus.DeliveryPayload{
				ConversationID: msg.ConversationID(),
				ActorID:        identity.UserID(),
				Sequence:       msg.Sequence(),
				Recipients:     uc.recipients(ctx, msg.ConversationID()),
				Data:           map[string]any{"user_id": identity.UserID(), "message_id": msg.ID()},
			})
		}
		return nil
	})
	return advanced, err
}

// ListMessages 返回序号小于 beforeSequence 的一页历史消息（升序）；beforeSequence 为 0 表示最新
func (uc *MessageUseCase) ListMessages(ctx context.Context, identity valueobject.Identity, conversationID string, beforeSequence int64, limit int) ([]*entity.Message, error) {
	if err := uc.authorize(ctx, identity, service.ResourceMessage, service.ActionRead); err != nil {
		return nil, err
	}
	if _, _, err := uc.requireMember(ctx, uc.repos, conversationID, identity.UserID()); err != nil {
		return nil, err
	}
	_, limit = uc.pageBounds(1, limit)

	msgs, err := uc.repos.Messages.List(ctx, repository.MessageQuery{
		ConversationID: conversationID,
		BeforeSequence: beforeSequence,
		Limit:          limit,
		Descending:     true,
	})
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// BulkDelete 批量删除，逐项返回结果
func (uc *MessageUseCase) BulkDelete(ctx context.Context, identity valueobject.Identity, messageIDs []string) ([]Outcome, error) {
	ids, err := uc.checkBatch(messageIDs)
	if err != nil {
		return nil, err
	}
	outcomes := make([]Outcome, 0, len(ids))
	for _, id := range ids {
		_, err := uc.Delete(ctx, identity, id)
		outcomes = append(outcomes, Outcome{ID: id, Err: err})
	}
	return outcomes, nil
}

// UploadAttachment 写入附件存储，受上传超时约束；返回可附加到消息的引用
func (uc *MessageUseCase) UploadAttachment(ctx context.Context, identity valueobject.Identity, input UploadInput) (valueobject.Attachment, error) {
	if err := uc.authorize(ctx, identity, service.ResourceAttachment, service.ActionUpload); err != nil {
		return valueobject.Attachment{}, err
	}
	if uc.storage == nil {
		return valueobject.Attachment{}, errors.NewUnavailableError("attachment storage is not configured", nil)
	}
	name := strings.TrimSpace(input.Name)
	if name == "" || input.Reader == nil {
		return valueobject.Attachment{}, errors.NewInvalidArgumentError("attachment name and body required")
	}
	maxSize := uc.limits.MaxUploadSize
	if input.Size < 0 || (maxSize > 0 && input.Size > maxSize) {
		return valueobject.Attachment{}, errors.NewInvalidArgumentError("attachment exceeds the maximum size")
	}

	timeout := uc.limits.UploadTimeout
	if timeout <= 0 {
		timeout = DefaultLimits().UploadTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	reader := &progressReader{ctx: ctx, r: input.Reader, total: input.Size, limit: maxSize, progress: input.Progress}
	meta := service.AttachmentMetadata{
		Name:     name,
		MimeType: input.MimeType,
		Size:     input.Size,
		Owner:    identity.UserID(),
	}

	type result struct {
		handle string
		err    error
	}
	done := make(chan result, 1)
	go func() {
		handle, err := uc.storage.Store(ctx, reader, meta)
		done <- result{handle: handle, err: err}
	}()

	var res result
	select {
	case res = <-done:
	case <-ctx.Done():
		res.err = ctx.Err()
	}

	switch {
	case reader.exceeded.Load():
		return valueobject.Attachment{}, errors.NewInvalidArgumentError("attachment exceeds the maximum size")
	case ctx.Err() != nil && (res.err != nil || res.handle == ""):
		uc.logger.Warn("Attachment upload timed out",
			zap.String("user_id", identity.UserID()),
			zap.String("name", name),
			zap.Duration("timeout", timeout),
		)
		return valueobject.Attachment{}, errors.NewTimeoutError("attachment upload timed out", ctx.Err())
	case res.err != nil:
		return valueobject.Attachment{}, errors.NewUnavailableError("attachment storage failed", res.err)
	}

	uc.logger.Info("Attachment stored",
		zap.String("user_id", identity.UserID()),
		zap.String("name", name),
		zap.Int64("size", reader.written.Load()),
	)
	return valueobject.NewAttachment(name, reader.written.Load(), input.MimeType, res.handle), nil
}

// progressReader 统计写入量、上报进度，并在超时或超限时中止读取
type progressReader struct {
	ctx      context.Context
	r        io.Reader
	total    int64
	limit    int64
	progress func(written, total int64)
	written  atomic.Int64
	exceeded atomic.Bool
}

func (p *progressReader) Read(buf []byte) (int, error) {
	if err := p.ctx.Err(); err != nil {
		return 0, err
	}
	n, err := p.r.Read(buf)
	written := p.written.Add(int64(n))
	if p.limit > 0 && written > p.limit {
		p.exceeded.Store(true)
		return n, errUploadTooLarge
	}
	if n > 0 && p.progress != nil {
		p.progress(written, p.total)
	}
	return n, err
}

var errUploadTooLarge = stderrors.New("upload exceeds size limit")
