package usecase

import (
	"context"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ngoclaw/ngoclaw/messaging/internal/domain/entity"
	"github.com/ngoclaw/ngoclaw/messaging/internal/domain/repository"
	"github.com/ngoclaw/ngoclaw/messaging/internal/domain/service"
	"github.com/ngoclaw/ngoclaw/messaging/internal/domain/valueobject"
	"github.com/ngoclaw/ngoclaw/messaging/internal/infrastructure/eventbus"
	"github.com/ngoclaw/ngoclaw/messaging/pkg/errors"
)

// ConversationUseCase 会话生命周期与成员管理
type ConversationUseCase struct {
	core
}

// NewConversationUseCase 创建会话用例
func NewConversationUseCase(deps Dependencies) *ConversationUseCase {
	return &ConversationUseCase{core: newCore(deps, "conversation")}
}

// CreateConversationInput 创建会话参数
type CreateConversationInput struct {
	Type           valueobject.ConversationType
	Name           string
	Description    string
	ParticipantIDs []string
}

// CreateConversationResult 创建结果；单聊已存在时 Created 为 false
type CreateConversationResult struct {
	Conversation *entity.Conversation
	Participants []*entity.Participant
	Created      bool
}

// UpdateConversationInput 会话元数据补丁，nil 字段不修改
type UpdateConversationInput struct {
	Name        *string
	Description *string
}

// ListConversationsInput 会话列表参数
type ListConversationsInput struct {
	Page            int
	PageSize        int
	Sort            string // last_message（默认）、created、name
	IncludeArchived bool
	PinnedFirst     bool
}

// ConversationSummary 会话列表条目，携带调用者的个人设置
type ConversationSummary struct {
	Conversation *entity.Conversation
	Membership   *entity.Participant
	LastMessage  *entity.Message
	UnreadCount  int64
}

// ConversationPage 会话分页
type ConversationPage struct {
	Items    []ConversationSummary
	Total    int
	Page     int
	PageSize int
}

// SearchConversationsInput 会话检索过滤条件
type SearchConversationsInput struct {
	Type            valueobject.ConversationType
	IncludeArchived bool
	Limit           int
}

// ConversationDetail 会话详情
type ConversationDetail struct {
	Conversation *entity.Conversation
	Membership   *entity.Participant
	Participants []*entity.Participant
}

// Create 创建会话；单聊按用户对获取或创建
func (uc *ConversationUseCase) Create(ctx context.Context, identity valueobject.Identity, input CreateConversationInput) (*CreateConversationResult, error) {
	if err := uc.authorize(ctx, identity, service.ResourceConversation, service.ActionCreate); err != nil {
		return nil, err
	}

	switch input.Type {
	case valueobject.ConversationTypeDirect:
		return uc.createDirect(ctx, identity, input)
	case valueobject.ConversationTypeGroup, "":
		return uc.createGroup(ctx, identity, input)
	}
	return nil, errors.NewInvalidArgumentError("unknown conversation type " + string(input.Type))
}

func (uc *ConversationUseCase) createDirect(ctx context.Context, identity valueobject.Identity, input CreateConversationInput) (*CreateConversationResult, error) {
	others := dedupe(input.ParticipantIDs)
	if len(others) != 1 {
		return nil, errors.NewInvalidArgumentError("direct conversation requires exactly one other participant")
	}
	callerID, otherID := identity.UserID(), others[0]
	if otherID == callerID {
		return nil, errors.NewInvalidArgumentError("cannot start a direct conversation with yourself")
	}
	key := valueobject.DirectKey(callerID, otherID)

	var result *CreateConversationResult
	err := uc.inLane(ctx, "direct:"+key, "conversation.create_direct", func(ctx context.Context) error {
		var err error
		result, err = uc.getOrCreateDirect(ctx, callerID, otherID, key)
		if errors.IsAlreadyExists(err) {
			// 其他进程抢先创建
			result, err = uc.getOrCreateDirect(ctx, callerID, otherID, key)
		}
		if err != nil {
			return err
		}
		if result.Created {
			uc.logger.Info("Direct conversation created",
				zap.String("conversation_id", result.Conversation.ID()),
				zap.String("user_id", callerID),
			)
			uc.publish(ctx, eventbus.EventConversationCreated, eventbus.DeliveryPayload{
				ConversationID: result.Conversation.ID(),
				ActorID:        callerID,
				Recipients:     uc.recipients(ctx, result.Conversation.ID()),
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (uc *ConversationUseCase) getOrCreateDirect(ctx context.Context, callerID, otherID, key string) (*CreateConversationResult, error) {
	now := uc.now()
	result := &CreateConversationResult{}
	rejoined := false

	err := uc.tx.WithinTransaction(ctx, func(ctx context.Context, repos repository.Repositories) error {
		existing, err := repos.Conversations.FindDirect(ctx, key)
		switch {
		case err == nil:
			p, err := repos.Conversations.FindParticipant(ctx, existing.ID(), callerID)
			if err != nil && !errors.IsNotFound(err) {
				return err
			}
			if p == nil || !p.IsActive() {
				fresh, err := entity.NewParticipant(uc.newID(), existing.ID(), callerID, valueobject.ParticipantRoleMember, now)
				if err != nil {
					return domainError(err)
				}
				if err := repos.Conversations.SaveParticipant(ctx, fresh); err != nil {
					return err
				}
				if existing.GCEligibleAt() != nil {
					existing.ClearGCEligible()
					if err := repos.Conversations.Update(ctx, existing); err != nil {
						return err
					}
				}
				rejoined = true
			}
			result.Conversation = existing
		case errors.IsNotFound(err):
			caller := uc.lookup(ctx, callerID)
			other := uc.lookup(ctx, otherID)
			conv, err := entity.NewDirectConversation(uc.newID(), caller, other, now)
			if err != nil {
				return domainError(err)
			}
			participants := make([]*entity.Participant, 0, 2)
			for _, userID := range []string{callerID, otherID} {
				p, err := entity.NewParticipant(uc.newID(), conv.ID(), userID, valueobject.ParticipantRoleMember, now)
				if err != nil {
					return domainError(err)
				}
				participants = append(participants, p)
			}
			if err := repos.Conversations.Create(ctx, conv, participants); err != nil {
				return err
			}
			result.Conversation = conv
			result.Created = true
		default:
			return err
		}

		result.Participants, err = repos.Conversations.ListParticipants(ctx, result.Conversation.ID(), true)
		return err
	})
	if err != nil {
		return nil, err
	}

	if rejoined {
		uc.publish(ctx, eventbus.EventParticipantsAdded, eventbus.DeliveryPayload{
			ConversationID: result.Conversation.ID(),
			ActorID:        callerID,
			Recipients:     uc.recipients(ctx, result.Conversation.ID()),
			Data:           map[string]any{"user_ids": []string{callerID}},
		})
	}
	return result, nil
}

func (uc *ConversationUseCase) createGroup(ctx context.Context, identity valueobject.Identity, input CreateConversationInput) (*CreateConversationResult, error) {
	now := uc.now()
	conv, err := entity.NewGroupConversation(uc.newID(), input.Name, identity.UserID(), now)
	if err != nil {
		return nil, domainError(err)
	}
	if input.Description != "" {
		conv.SetDescription(input.Description, now)
	}

	creator, err := entity.NewParticipant(uc.newID(), conv.ID(), identity.UserID(), valueobject.ParticipantRoleAdmin, now)
	if err != nil {
		return nil, domainError(err)
	}
	participants := []*entity.Participant{creator}
	for _, userID := range dedupe(input.ParticipantIDs) {
		if userID == identity.UserID() {
			continue
		}
		p, err := entity.NewParticipant(uc.newID(), conv.ID(), userID, valueobject.ParticipantRoleMember, now)
		if err != nil {
			return nil, domainError(err)
		}
		participants = append(participants, p)
	}

	err = uc.inLane(ctx, conv.ID(), "conversation.create", func(ctx context.Context) error {
		if err := uc.tx.WithinTransaction(ctx, func(ctx context.Context, repos repository.Repositories) error {
			return repos.Conversations.Create(ctx, conv, participants)
		}); err != nil {
			return err
		}

		uc.logger.Info("Group conversation created",
			zap.String("conversation_id", conv.ID()),
			zap.String("user_id", identity.UserID()),
			zap.Int("participants", len(participants)),
		)
		uc.publish(ctx, eventbus.EventConversationCreated, eventbus.DeliveryPayload{
			ConversationID: conv.ID(),
			ActorID:        identity.UserID(),
			Recipients:     uc.recipients(ctx, conv.ID()),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &CreateConversationResult{Conversation: conv, Participants: participants, Created: true}, nil
}

// Update 修改会话名称或描述
func (uc *ConversationUseCase) Update(ctx context.Context, conversationID string, identity valueobject.Identity, input UpdateConversationInput) (*entity.Conversation, error) {
	if err := uc.authorize(ctx, identity, service.ResourceConversation, service.ActionUpdate); err != nil {
		return nil, err
	}
	if input.Name == nil && input.Description == nil {
		return nil, errors.NewInvalidArgumentError("nothing to update")
	}

	var updated *entity.Conversation
	err := uc.inLane(ctx, conversationID, "conversation.update", func(ctx context.Context) error {
		conv, p, err := uc.loadConversation(ctx, uc.repos, conversationID, identity.UserID())
		if err != nil {
			return err
		}
		if p == nil {
			return errors.NewNotFoundError("conversation not found")
		}

		now := uc.now()
		if input.Name != nil {
			if conv.IsDirect() {
				return domainError(entity.ErrDirectNameFixed)
			}
			if !p.IsAdmin() {
				return errors.NewPermissionDeniedError("only conversation admins can rename the conversation")
			}
			if err := conv.Rename(*input.Name, now); err != nil {
				return domainError(err)
			}
		}
		if input.Description != nil {
			conv.SetDescription(*input.Description, now)
		}

		if err := uc.tx.WithinTransaction(ctx, func(ctx context.Context, repos repository.Repositories) error {
			return repos.Conversations.Update(ctx, conv)
		}); err != nil {
			return err
		}
		updated = conv

		uc.publish(ctx, eventbus.EventConversationUpdated, eventbus.DeliveryPayload{
			ConversationID: conv.ID(),
			ActorID:        identity.UserID(),
			Recipients:     uc.recipients(ctx, conv.ID()),
			Data:           map[string]any{"name": conv.Name(), "description": conv.Description()},
		})
		return nil
	})
	return updated, err
}

// Archive 归档或取消归档（仅影响调用者本人）
func (uc *ConversationUseCase) Archive(ctx context.Context, conversationID string, identity valueobject.Identity, archived bool) (*entity.Participant, error) {
	return uc.updateSettings(ctx, conversationID, identity, "conversation.archive", func(p *entity.Participant) error {
		p.SetArchived(archived)
		return nil
	})
}

// Mute 设置或清除静音；until 为空表示无限期
func (uc *ConversationUseCase) Mute(ctx context.Context, conversationID string, identity valueobject.Identity, muted bool, until *time.Time) (*entity.Participant, error) {
	if muted && until != nil && !until.After(uc.now()) {
		return nil, errors.NewInvalidArgumentError("mute_until must be in the future")
	}
	return uc.updateSettings(ctx, conversationID, identity, "conversation.mute", func(p *entity.Participant) error {
		p.Mute(muted, until)
		return nil
	})
}

// Pin 置顶或取消置顶
func (uc *ConversationUseCase) Pin(ctx context.Context, conversationID string, identity valueobject.Identity, pinned bool) (*entity.Participant, error) {
	return uc.updateSettings(ctx, conversationID, identity, "conversation.pin", func(p *entity.Participant) error {
		p.SetPinned(pinned)
		return nil
	})
}

func (uc *ConversationUseCase) updateSettings(ctx context.Context, conversationID string, identity valueobject.Identity, kind string, mutate func(p *entity.Participant) error) (*entity.Participant, error) {
	if err := uc.authorize(ctx, identity, service.ResourceConversation, service.ActionRead); err != nil {
		return nil, err
	}

	var result *entity.Participant
	err := uc.inLane(ctx, conversationID, kind, func(ctx context.Context) error {
		_, p, err := uc.loadConversation(ctx, uc.repos, conversationID, identity.UserID())
		if err != nil {
			return err
		}
		if p == nil {
			return errors.NewNotFoundError("conversation not found")
		}
		if err := mutate(p); err != nil {
			return err
		}
		if err := uc.tx.WithinTransaction(ctx, func(ctx context.Context, repos repository.Repositories) error {
			return repos.Conversations.SaveParticipant(ctx, p)
		}); err != nil {
			return err
		}
		result = p

		uc.publish(ctx, eventbus.EventSettingsChanged, eventbus.DeliveryPayload{
			ConversationID: conversationID,
			ActorID:        identity.UserID(),
			Recipients:     []eventbus.Recipient{{UserID: identity.UserID()}},
			Data: map[string]any{
				"archived":    p.Archived(),
				"pinned":      p.Pinned(),
				"muted_until": p.MutedUntil(),
			},
		})
		return nil
	})
	return result, err
}

// AddParticipants 添加群成员；已在群内的用户忽略
func (uc *ConversationUseCase) AddParticipants(ctx context.Context, conversationID string, identity valueobject.Identity, userIDs []string) ([]*entity.Participant, error) {
	if err := uc.authorize(ctx, identity, service.ResourceConversation, service.ActionManage); err != nil {
		return nil, err
	}
	userIDs, err := uc.checkBatch(userIDs)
	if err != nil {
		return nil, err
	}

	var added []*entity.Participant
	err = uc.inLane(ctx, conversationID, "participant.add", func(ctx context.Context) error {
		conv, caller, err := uc.loadConversation(ctx, uc.repos, conversationID, identity.UserID())
		if err != nil {
			return err
		}
		if conv.IsDirect() {
			return errors.NewInvalidOperationError("direct conversations have a fixed participant pair")
		}
		if caller == nil || !caller.IsAdmin() {
			return errors.NewPermissionDeniedError("only conversation admins can add participants")
		}

		now := uc.now()
		for _, userID := range userIDs {
			existing, err := uc.repos.Conversations.FindParticipant(ctx, conversationID, userID)
			if err != nil && !errors.IsNotFound(err) {
				return err
			}
			if existing != nil && existing.IsActive() {
				continue
			}
			p, err := entity.NewParticipant(uc.newID(), conversationID, userID, valueobject.ParticipantRoleMember, now)
			if err != nil {
				return domainError(err)
			}
			added = append(added, p)
		}
		if len(added) == 0 {
			return nil
		}

		if err := uc.tx.WithinTransaction(ctx, func(ctx context.Context, repos repository.Repositories) error {
			for _, p := range added {
				if err := repos.Conversations.SaveParticipant(ctx, p); err != nil {
					return err
				}
			}
			if conv.GCEligibleAt() != nil {
				conv.ClearGCEligible()
				return repos.Conversations.Update(ctx, conv)
			}
			return nil
		}); err != nil {
			added = nil
			return err
		}

		ids := make([]string, len(added))
		for i, p := range added {
			ids[i] = p.UserID()
		}
		uc.publish(ctx, eventbus.EventParticipantsAdded, eventbus.DeliveryPayload{
			ConversationID: conversationID,
			ActorID:        identity.UserID(),
			Recipients:     uc.recipients(ctx, conversationID),
			Data:           map[string]any{"user_ids": ids},
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return added, nil
}

// RemoveParticipant 移除群成员
func (uc *ConversationUseCase) RemoveParticipant(ctx context.Context, conversationID string, identity valueobject.Identity, userID string) error {
	if err := uc.authorize(ctx, identity, service.ResourceConversation, service.ActionManage); err != nil {
		return err
	}
	if userID == "" {
		return errors.NewInvalidArgumentError("user id required")
	}

	return uc.inLane(ctx, conversationID, "participant.remove", func(ctx context.Context) error {
		conv, caller, err := uc.loadConversation(ctx, uc.repos, conversationID, identity.UserID())
		if err != nil {
			return err
		}
		if conv.IsDirect() {
			return errors.NewInvalidOperationError("direct conversations have a fixed participant pair")
		}
		if caller == nil || !caller.IsAdmin() {
			return errors.NewPermissionDeniedError("only conversation admins can remove participants")
		}

		active, err := uc.repos.Conversations.ListParticipants(ctx, conversationID, true)
		if err != nil {
			return err
		}
		target := findUser(active, userID)
		if target == nil {
			return errors.NewNotFoundError("participant not found")
		}
		if target.IsAdmin() && countAdmins(active) == 1 {
			return errors.NewInvariantViolationError("cannot remove the only admin")
		}

		now := uc.now()
		if err := target.Leave(now); err != nil {
			return domainError(err)
		}
		gc := len(active) == 1
		if err := uc.tx.WithinTransaction(ctx, func(ctx context.Context, repos repository.Repositories) error {
			if err := repos.Conversations.SaveParticipant(ctx, target); err != nil {
				return err
			}
			if gc {
				conv.MarkGCEligible(now)
				return repos.Conversations.Update(ctx, conv)
			}
			return nil
		}); err != nil {
			return err
		}

		uc.publish(ctx, eventbus.EventParticipantRemoved, eventbus.DeliveryPayload{
			ConversationID: conversationID,
			ActorID:        identity.UserID(),
			Recipients:     uc.recipients(ctx, conversationID, userID),
			Data:           map[string]any{"user_id": userID},
		})
		return nil
	})
}

// Leave 离开会话；最后一名管理员离开时提升最早加入的成员
func (uc *ConversationUseCase) Leave(ctx context.Context, conversationID string, identity valueobject.Identity) error {
	if err := uc.authorize(ctx, identity, service.ResourceConversation, service.ActionLeave); err != nil {
		return err
	}

	return uc.inLane(ctx, conversationID, "participant.leave", func(ctx context.Context) error {
		conv, p, err := uc.loadConversation(ctx, uc.repos, conversationID, identity.UserID())
		if err != nil {
			return err
		}
		if p == nil {
			return errors.NewNotFoundError("conversation not found")
		}

		active, err := uc.repos.Conversations.ListParticipants(ctx, conversationID, true)
		if err != nil {
			return err
		}
		remaining := make([]*entity.Participant, 0, len(active))
		for _, other := range active {
			if other.ID() != p.ID() {
				remaining = append(remaining, other)
			}
		}

		var promoted *entity.Participant
		if p.IsAdmin() && countAdmins(remaining) == 0 && len(remaining) > 0 {
			promoted = earliestJoined(remaining)
			if err := promoted.SetRole(valueobject.ParticipantRoleAdmin); err != nil {
				return domainError(err)
			}
		}

		now := uc.now()
		if err := p.Leave(now); err != nil {
			return domainError(err)
		}
		gc := len(remaining) == 0

		if err := uc.tx.WithinTransaction(ctx, func(ctx context.Context, repos repository.Repositories) error {
			if err := repos.Conversations.SaveParticipant(ctx, p); err != nil {
				return err
			}
			if promoted != nil {
				if err := repos.Conversations.SaveParticipant(ctx, promoted); err != nil {
					return err
				}
			}
			if gc {
				conv.MarkGCEligible(now)
				return repos.Conversations.Update(ctx, conv)
			}
			return nil
		}); err != nil {
			return err
		}

		uc.logger.Info("Participant left",
			zap.String("conversation_id", conversationID),
			zap.String("user_id", identity.UserID()),
			zap.Bool("gc_eligible", gc),
		)

		recipients := uc.recipients(ctx, conversationID, identity.UserID())
		uc.publish(ctx, eventbus.EventParticipantLeft, eventbus.DeliveryPayload{
			ConversationID: conversationID,
			ActorID:        identity.UserID(),
			Recipients:     recipients,
			Data:           map[string]any{"user_id": identity.UserID()},
		})
		if promoted != nil {
			uc.publish(ctx, eventbus.EventParticipantRoleChange, eventbus.DeliveryPayload{
				ConversationID: conversationID,
				ActorID:        identity.UserID(),
				Recipients:     recipients,
				Data:           map[string]any{"user_id": promoted.UserID(), "role": promoted.Role()},
			})
		}
		if gc {
			uc.publish(ctx, eventbus.EventConversationGC, eventbus.DeliveryPayload{
				ConversationID: conversationID,
				ActorID:        identity.UserID(),
			})
		}
		return nil
	})
}

// UpdateParticipantRole 修改成员角色
func (uc *ConversationUseCase) UpdateParticipantRole(ctx context.Context, conversationID string, identity valueobject.Identity, userID string, role valueobject.ParticipantRole) (*entity.Participant, error) {
	if err := uc.authorize(ctx, identity, service.ResourceConversation, service.ActionManage); err != nil {
		return nil, err
	}
	if !role.Valid() {
		return nil, errors.NewInvalidArgumentError("unknown role " + string(role))
	}

	var result *entity.Participant
	err := uc.inLane(ctx, conversationID, "participant.role", func(ctx context.Context) error {
		conv, caller, err := uc.loadConversation(ctx, uc.repos, conversationID, identity.UserID())
		if err != nil {
			return err
		}
		if conv.IsDirect() {
			return errors.NewInvalidOperationError("direct conversations have no roles to manage")
		}
		if caller == nil || !caller.IsAdmin() {
			return errors.NewPermissionDeniedError("only conversation admins can change roles")
		}

		active, err := uc.repos.Conversations.ListParticipants(ctx, conversationID, true)
		if err != nil {
			return err
		}
		target := findUser(active, userID)
		if target == nil {
			return errors.NewNotFoundError("participant not found")
		}
		if target.Role() == role {
			result = target
			return nil
		}
		if target.IsAdmin() && role == valueobject.ParticipantRoleMember && countAdmins(active) == 1 {
			return errors.NewInvariantViolationError("cannot demote the last admin")
		}
		if err := target.SetRole(role); err != nil {
			return domainError(err)
		}
		if err := uc.tx.WithinTransaction(ctx, func(ctx context.Context, repos repository.Repositories) error {
			return repos.Conversations.SaveParticipant(ctx, target)
		}); err != nil {
			return err
		}
		result = target

		uc.publish(ctx, eventbus.EventParticipantRoleChange, eventbus.DeliveryPayload{
			ConversationID: conversationID,
			ActorID:        identity.UserID(),
			Recipients:     uc.recipients(ctx, conversationID),
			Data:           map[string]any{"user_id": userID, "role": role},
		})
		return nil
	})
	return result, err
}

// List 列出调用者参与的会话
func (uc *ConversationUseCase) List(ctx context.Context, identity valueobject.Identity, input ListConversationsInput) (*ConversationPage, error) {
	if err := uc.authorize(ctx, identity, service.ResourceConversation, service.ActionRead); err != nil {
		return nil, err
	}
	page, pageSize := uc.pageBounds(input.Page, input.PageSize)

	entries, err := uc.memberships(ctx, identity.UserID(), input.IncludeArchived, "")
	if err != nil {
		return nil, err
	}

	less, err := conversationOrder(input.Sort)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if input.PinnedFirst && entries[i].Membership.Pinned() != entries[j].Membership.Pinned() {
			return entries[i].Membership.Pinned()
		}
		return less(entries[i].Conversation, entries[j].Conversation)
	})

	items := paginate(entries, page, pageSize)
	for i := range items {
		if err := uc.summarize(ctx, &items[i]); err != nil {
			return nil, err
		}
	}
	return &ConversationPage{Items: items, Total: len(entries), Page: page, PageSize: pageSize}, nil
}

// memberships 返回调用者活跃会话及其成员记录
func (uc *ConversationUseCase) memberships(ctx context.Context, userID string, includeArchived bool, convType valueobject.ConversationType) ([]ConversationSummary, error) {
	records, err := uc.repos.Conversations.ListMemberships(ctx, userID)
	if err != nil {
		return nil, err
	}
	byConv := make(map[string]*entity.Participant, len(records))
	ids := make([]string, 0, len(records))
	for _, p := range records {
		if p.Archived() && !includeArchived {
			continue
		}
		byConv[p.ConversationID()] = p
		ids = append(ids, p.ConversationID())
	}
	if len(ids) == 0 {
		return []ConversationSummary{}, nil
	}

	convs, err := uc.repos.Conversations.FindByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	result := make([]ConversationSummary, 0, len(convs))
	for _, conv := range convs {
		if convType != "" && conv.Type() != convType {
			continue
		}
		result = append(result, ConversationSummary{Conversation: conv, Membership: byConv[conv.ID()]})
	}
	return result, nil
}

func (uc *ConversationUseCase) summarize(ctx context.Context, s *ConversationSummary) error {
	last, err := uc.repos.Messages.Latest(ctx, s.Conversation.ID())
	if err != nil {
		return err
	}
	s.LastMessage = last
	s.UnreadCount, err = uc.repos.Messages.CountUnread(ctx, s.Conversation.ID(), s.Membership.UserID(), s.Membership.LastReadSequence())
	return err
}

func conversationOrder(key string) (func(a, b *entity.Conversation) bool, error) {
	switch strings.ToLower(key) {
	case "", "last_message", "activity":
		return func(a, b *entity.Conversation) bool {
			if !a.ActivityAt().Equal(b.ActivityAt()) {
				return a.ActivityAt().After(b.ActivityAt())
			}
			return a.ID() < b.ID()
		}, nil
	case "created":
		return func(a, b *entity.Conversation) bool {
			if !a.CreatedAt().Equal(b.CreatedAt()) {
				return a.CreatedAt().After(b.CreatedAt())
			}
			return a.ID() < b.ID()
		}, nil
	case "name":
		return func(a, b *entity.Conversation) bool {
			an, bn := strings.ToLower(a.Name()), strings.ToLower(b.Name())
			if an != bn {
				return an < bn
			}
			return a.ID() < b.ID()
		}, nil
	}
	return nil, errors.NewInvalidArgumentError("unsupported sort " + key)
}

// Search 在调用者的会话中按名称与成员显示名检索
func (uc *ConversationUseCase) Search(ctx context.Context, identity valueobject.Identity, query string, filters SearchConversationsInput) ([]service.RankedConversation, error) {
	if err := uc.authorize(ctx, identity, service.ResourceConversation, service.ActionRead); err != nil {
		return nil, err
	}
	terms := service.Tokenize(query)
	if len(terms) == 0 {
		return nil, errors.NewInvalidArgumentError("search query required")
	}
	if filters.Type != "" && !filters.Type.Valid() {
		return nil, errors.NewInvalidArgumentError("unknown conversation type " + string(filters.Type))
	}
	limit := filters.Limit
	if limit <= 0 || limit > uc.limits.MaxPageSize {
		limit = uc.limits.DefaultPageSize
	}

	entries, err := uc.memberships(ctx, identity.UserID(), filters.IncludeArchived, filters.Type)
	if err != nil {
		return nil, err
	}
	docs := make([]service.ConversationDocument, 0, len(entries))
	for _, e := range entries {
		participants, err := uc.repos.Conversations.ListParticipants(ctx, e.Conversation.ID(), true)
		if err != nil {
			return nil, err
		}
		names := make([]string, 0, len(participants))
		for _, p := range participants {
			names = append(names, uc.lookup(ctx, p.UserID()).Name())
		}
		docs = append(docs, service.ConversationDocument{Conversation: e.Conversation, ParticipantNames: names})
	}
	return service.RankConversations(terms, docs, limit), nil
}

// Get 返回会话详情
func (uc *ConversationUseCase) Get(ctx context.Context, conversationID string, identity valueobject.Identity) (*ConversationDetail, error) {
	if err := uc.authorize(ctx, identity, service.ResourceConversation, service.ActionRead); err != nil {
		return nil, err
	}
	conv, p, err := uc.requireMember(ctx, uc.repos, conversationID, identity.UserID())
	if err != nil {
		return nil, err
	}
	participants, err := uc.repos.Conversations.ListParticipants(ctx, conversationID, true)
	if err != nil {
		return nil, err
	}
	return &ConversationDetail{Conversation: conv, Membership: p, Participants: participants}, nil
}

// ListParticipants 列出会话活跃成员
func (uc *ConversationUseCase) ListParticipants(ctx context.Context, conversationID string, identity valueobject.Identity) ([]*entity.Participant, error) {
	detail, err := uc.Get(ctx, conversationID, identity)
	if err != nil {
		return nil, err
	}
	return detail.Participants, nil
}

// BulkArchive 批量归档，逐项返回结果
func (uc *ConversationUseCase) BulkArchive(ctx context.Context, conversationIDs []string, identity valueobject.Identity, archived bool) ([]Outcome, error) {
	ids, err := uc.checkBatch(conversationIDs)
	if err != nil {
		return nil, err
	}
	outcomes := make([]Outcome, 0, len(ids))
	for _, id := range ids {
		_, err := uc.Archive(ctx, id, identity, archived)
		outcomes = append(outcomes, Outcome{ID: id, Err: err})
	}
	return outcomes, nil
}

// SweepAbandoned 标记没有活跃成员但尚未标记的会话为可回收，返回标记数量
func (uc *ConversationUseCase) SweepAbandoned(ctx context.Context) (int, error) {
	convs, err := uc.repos.Conversations.FindAll(ctx)
	if err != nil {
		return 0, err
	}

	marked := 0
	for _, conv := range convs {
		if conv.GCEligibleAt() != nil {
			continue
		}
		if err := ctx.Err(); err != nil {
			return marked, err
		}
		id := conv.ID()
		err := uc.inLane(ctx, id, "conversation.sweep", func(ctx context.Context) error {
			active, err := uc.repos.Conversations.ListParticipants(ctx, id, true)
			if err != nil || len(active) > 0 {
				return err
			}
			current, err := uc.repos.Conversations.FindByID(ctx, id)
			if err != nil {
				return err
			}
			current.MarkGCEligible(uc.now())
			if err := uc.tx.WithinTransaction(ctx, func(ctx context.Context, repos repository.Repositories) error {
				return repos.Conversations.Update(ctx, current)
			}); err != nil {
				return err
			}
			marked++
			uc.publish(ctx, eventbus.EventConversationGC, eventbus.DeliveryPayload{ConversationID: id})
			return nil
		})
		if err != nil {
			uc.logger.Warn("Retention sweep failed for conversation", zap.String("conversation_id", id), zap.Error(err))
		}
	}
	return marked, nil
}

func findUser(participants []*entity.Participant, userID string) *entity.Participant {
	for _, p := range participants {
		if p.UserID() == userID {
			return p
		}
	}
	return nil
}

func countAdmins(participants []*entity.Participant) int {
	n := 0
	for _, p := range participants {
		if p.IsAdmin() {
			n++
		}
	}
	return n
}

func earliestJoined(participants []*entity.Participant) *entity.Participant {
	var first *entity.Participant
	for _, p := range participants {
		if first == nil || p.JoinedAt().Before(first.JoinedAt()) {
			first = p
		}
	}
	return first
}
