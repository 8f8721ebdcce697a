package usecase

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/ngoclaw/ngoclaw/messaging/internal/domain/entity"
	"github.com/ngoclaw/ngoclaw/messaging/internal/domain/repository"
	"github.com/ngoclaw/ngoclaw/messaging/internal/domain/service"
	"github.com/ngoclaw/ngoclaw/messaging/internal/domain/valueobject"
	"github.com/ngoclaw/ngoclaw/messaging/internal/infrastructure/eventbus"
	"github.com/ngoclaw/ngoclaw/messaging/pkg/errors"
)

// ModerationUseCase 监管视图、会话统计与消息检索
//
// 统计结果带 TTL 缓存；会话的每次已提交变更都会通过事件总线清除缓存，
// 清除在事件分发时异步完成，因此读到的统计最多落后一个 TTL。
type ModerationUseCase struct {
	core
	cache       service.AnalyticsCache
	unsubscribe func()
}

// NewModerationUseCase 创建监管用例，并订阅事件总线以清除统计缓存
func NewModerationUseCase(deps Dependencies) *ModerationUseCase {
	uc := &ModerationUseCase{
		core:  newCore(deps, "moderation"),
		cache: deps.Cache,
	}
	if uc.bus != nil && uc.cache != nil {
		uc.unsubscribe = uc.bus.Subscribe("*", uc.invalidate)
	}
	return uc
}

// Close 取消事件订阅
func (uc *ModerationUseCase) Close() {
	if uc.unsubscribe != nil {
		uc.unsubscribe()
	}
}

func (uc *ModerationUseCase) invalidate(ctx context.Context, event eventbus.Event) {
	if id := eventbus.ConversationIDOf(event); id != "" {
		uc.cache.Invalidate(ctx, id)
	}
}

// MonitoredConversation 监管视图条目
type MonitoredConversation struct {
	Conversation     *entity.Conversation
	ParticipantCount int
	MessageCount     int64
	LastActivityAt   time.Time
	Offices          []string
}

// MonitoredPage 监管视图分页
type MonitoredPage struct {
	Items    []MonitoredConversation
	Total    int
	Page     int
	PageSize int
	OfficeID string
}

// SearchMessagesInput 消息检索过滤条件
type SearchMessagesInput struct {
	ConversationID string
	SenderID       string
	From           *time.Time
	To             *time.Time
	Limit          int
}

// resolveOffice 计算监管范围：管理员可任意指定（空为全部），经理只能查看本办公室
func resolveOffice(identity valueobject.Identity, officeID string) (string, error) {
	if identity.IsGlobalAdmin() {
		return officeID, nil
	}
	own := identity.OfficeID()
	if own == "" {
		return "", errors.NewPermissionDeniedError("manager is not assigned to an office")
	}
	if officeID != "" && officeID != own {
		return "", errors.NewPermissionDeniedError("managers can only monitor their own office")
	}
	return own, nil
}

// ListMonitored 列出监管范围内的会话
func (uc *ModerationUseCase) ListMonitored(ctx context.Context, identity valueobject.Identity, officeID string, page, pageSize int) (*MonitoredPage, error) {
	if !identity.HasOfficeAuthority() {
		return nil, errors.NewPermissionDeniedError("moderation requires manager or admin role")
	}
	if err := uc.authorize(ctx, identity, service.ResourceModeration, service.ActionMonitor); err != nil {
		return nil, err
	}
	scope, err := resolveOffice(identity, officeID)
	if err != nil {
		return nil, err
	}
	page, pageSize = uc.pageBounds(page, pageSize)

	convs, err := uc.repos.Conversations.FindAll(ctx)
	if err != nil {
		return nil, err
	}

	items := make([]MonitoredConversation, 0, len(convs))
	for _, conv := range convs {
		records, err := uc.repos.Conversations.ListParticipants(ctx, conv.ID(), false)
		if err != nil {
			return nil, err
		}
		offices := make(map[string]bool)
		active := 0
		for _, p := range records {
			if p.IsActive() {
				active++
			}
			if office := uc.lookup(ctx, p.UserID()).OfficeID; office != "" {
				offices[office] = true
			}
		}
		if scope != "" && !offices[scope] {
			continue
		}

		item := MonitoredConversation{
			Conversation:     conv,
			ParticipantCount: active,
			LastActivityAt:   conv.ActivityAt(),
			Offices:          sortedKeys(offices),
		}
		// 序号连续，最新一条的序号即消息总数（含已删除）
		last, err := uc.repos.Messages.List(ctx, repository.MessageQuery{ConversationID: conv.ID(), Limit: 1, Descending: true})
		if err != nil {
			return nil, err
		}
		if len(last) > 0 {
			item.MessageCount = last[0].Sequence()
		}
		items = append(items, item)
	}

	sort.SliceStable(items, func(i, j int) bool {
		if !items[i].LastActivityAt.Equal(items[j].LastActivityAt) {
			return items[i].LastActivityAt.After(items[j].LastActivityAt)
		}
		return items[i].Conversation.ID() < items[j].Conversation.ID()
	})

	return &MonitoredPage{
		Items:    paginate(items, page, pageSize),
		Total:    len(items),
		Page:     page,
		PageSize: pageSize,
		OfficeID: scope,
	}, nil
}

// GetAnalytics 返回会话统计；仅限对该会话所属办公室有监管权限的经理或管理员，
// 会话管理员身份不构成授权。结果可能来自缓存，最多落后 AnalyticsTTL。
func (uc *ModerationUseCase) GetAnalytics(ctx context.Context, identity valueobject.Identity, conversationID, timeframe string) (*service.ConversationAnalytics, error) {
	tf, err := valueobject.ParseTimeframe(timeframe)
	if err != nil {
		return nil, errors.Wrap(errors.CodeInvalidArgument, err.Error(), err)
	}
	if !identity.HasOfficeAuthority() {
		return nil, errors.NewPermissionDeniedError("analytics require manager or admin role")
	}
	if err := uc.authorize(ctx, identity, service.ResourceModeration, service.ActionAnalytics); err != nil {
		return nil, err
	}
	if _, _, err := uc.loadConversation(ctx, uc.repos, conversationID, identity.UserID()); err != nil {
		return nil, err
	}
	inScope, err := uc.inModerationScope(ctx, identity, conversationID)
	if err != nil {
		return nil, err
	}
	if !inScope {
		return nil, errors.NewPermissionDeniedError("conversation is outside your monitoring scope")
	}

	if uc.cache != nil {
		if cached, ok := uc.cache.Get(ctx, conversationID, tf); ok {
			return cached, nil
		}
	}

	now := uc.now()
	from := now.Add(-tf.Window())
	msgs, err := uc.repos.Messages.List(ctx, repository.MessageQuery{
		ConversationID: conversationID,
		From:           &from,
		To:             &now,
	})
	if err != nil {
		return nil, err
	}
	analytics := service.ComputeAnalytics(conversationID, tf, msgs, now)

	if uc.cache != nil {
		uc.cache.Set(ctx, &analytics, uc.limits.AnalyticsTTL)
	}
	uc.logger.Debug("Analytics computed",
		zap.String("conversation_id", conversationID),
		zap.String("timeframe", string(tf)),
		zap.Int("messages", analytics.TotalMessages),
	)
	return &analytics, nil
}

// SearchMessages 在调用者可见范围内检索消息，已删除消息不参与检索。
// 普通用户的范围是自己参与的会话（成员自助检索）；经理扩展到本办公室，
// 管理员扩展到全部会话。范围之外的会话即使命中也不返回。
func (uc *ModerationUseCase) SearchMessages(ctx context.Context, identity valueobject.Identity, query string, filters SearchMessagesInput) ([]service.RankedMessage, error) {
	if err := uc.authorize(ctx, identity, service.ResourceMessage, service.ActionRead); err != nil {
		return nil, err
	}
	terms := service.Tokenize(query)
	if len(terms) == 0 {
		return nil, errors.NewInvalidArgumentError("search query required")
	}
	if filters.From != nil && filters.To != nil && filters.From.After(*filters.To) {
		return nil, errors.NewInvalidArgumentError("from must not be after to")
	}
	limit := filters.Limit
	if limit <= 0 || (uc.limits.MaxPageSize > 0 && limit > uc.limits.MaxPageSize) {
		limit = uc.limits.SearchLimit
	}

	scope, err := uc.searchScope(ctx, identity, filters.ConversationID)
	if err != nil {
		return nil, err
	}
	if len(scope) == 0 {
		return []service.RankedMessage{}, nil
	}

	candidates, err := uc.repos.Messages.Search(ctx, repository.SearchQuery{
		ConversationIDs: scope,
		Terms:           terms,
		SenderID:        filters.SenderID,
		From:            filters.From,
		To:              filters.To,
	})
	if err != nil {
		return nil, err
	}
	return service.RankMessages(terms, candidates, limit), nil
}

func (uc *ModerationUseCase) searchScope(ctx context.Context, identity valueobject.Identity, conversationID string) ([]string, error) {
	if conversationID != "" {
		_, p, err := uc.loadConversation(ctx, uc.repos, conversationID, identity.UserID())
		if err != nil {
			return nil, err
		}
		if p != nil {
			return []string{conversationID}, nil
		}
		inScope, err := uc.inModerationScope(ctx, identity, conversationID)
		if err != nil {
			return nil, err
		}
		if !inScope || uc.authorize(ctx, identity, service.ResourceModeration, service.ActionSearch) != nil {
			return nil, errors.NewPermissionDeniedError("conversation is outside your search scope")
		}
		return []string{conversationID}, nil
	}

	memberships, err := uc.repos.Conversations.ListMemberships(ctx, identity.UserID())
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(memberships))
	scope := make([]string, 0, len(memberships))
	for _, p := range memberships {
		if !seen[p.ConversationID()] {
			seen[p.ConversationID()] = true
			scope = append(scope, p.ConversationID())
		}
	}

	if !identity.HasOfficeAuthority() || uc.authorize(ctx, identity, service.ResourceModeration, service.ActionSearch) != nil {
		return scope, nil
	}
	office, err := resolveOffice(identity, "")
	if err != nil {
		return scope, nil
	}
	convs, err := uc.repos.Conversations.FindAll(ctx)
	if err != nil {
		return nil, err
	}
	for _, conv := range convs {
		if seen[conv.ID()] {
			continue
		}
		if office != "" {
			offices, err := uc.officesOf(ctx, conv.ID())
			if err != nil {
				return nil, err
			}
			if !offices[office] {
				continue
			}
		}
		seen[conv.ID()] = true
		scope = append(scope, conv.ID())
	}
	return scope, nil
}

func sortedKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
