package usecase

import (
	"context"
	stderrors "errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ngoclaw/ngoclaw/messaging/internal/domain/entity"
	"github.com/ngoclaw/ngoclaw/messaging/internal/domain/repository"
	"github.com/ngoclaw/ngoclaw/messaging/internal/domain/service"
	"github.com/ngoclaw/ngoclaw/messaging/internal/domain/valueobject"
	"github.com/ngoclaw/ngoclaw/messaging/internal/infrastructure/eventbus"
	"github.com/ngoclaw/ngoclaw/messaging/pkg/errors"
)

// Limits 消息与分页限制
type Limits struct {
	MaxContentLength int
	MaxAttachments   int
	DefaultPageSize  int
	MaxPageSize      int
	ThreadPageSize   int
	MaxBatchSize     int
	UploadTimeout    time.Duration
	MaxUploadSize    int64
	AnalyticsTTL     time.Duration
	SearchLimit      int
}

// DefaultLimits 默认限制
func DefaultLimits() Limits {
	return Limits{
		MaxContentLength: 10000,
		MaxAttachments:   10,
		DefaultPageSize:  50,
		MaxPageSize:      200,
		ThreadPageSize:   100,
		MaxBatchSize:     100,
		UploadTimeout:    30 * time.Second,
		MaxUploadSize:    25 << 20,
		AnalyticsTTL:     60 * time.Second,
		SearchLimit:      50,
	}
}

// Dependencies 用例共享依赖
type Dependencies struct {
	Repositories repository.Repositories
	Transactor   repository.Transactor
	Coordinator  *service.Coordinator
	Bus          eventbus.Bus
	Authorizer   service.Authorizer
	Directory    service.UserDirectory
	Storage      service.AttachmentStorage
	Cache        service.AnalyticsCache
	Limits       Limits
	Clock        func() time.Time
	NewID        func() string
	Logger       *zap.Logger
}

// Outcome 批量操作中单项的结果
type Outcome struct {
	ID       string
	ResultID string
	Err      error
}

// OK 判断该项是否成功
func (o Outcome) OK() bool { return o.Err == nil }

// core 各用例共用的校验、事务与事件发布
type core struct {
	repos       repository.Repositories
	tx          repository.Transactor
	coordinator *service.Coordinator
	bus         eventbus.Bus
	authz       service.Authorizer
	directory   service.UserDirectory
	limits      Limits
	clock       func() time.Time
	newID       func() string
	logger      *zap.Logger
}

func newCore(deps Dependencies, component string) core {
	c := core{
		repos:       deps.Repositories,
		tx:          deps.Transactor,
		coordinator: deps.Coordinator,
		bus:         deps.Bus,
		authz:       deps.Authorizer,
		directory:   deps.Directory,
		limits:      deps.Limits,
		clock:       deps.Clock,
		newID:       deps.NewID,
		logger:      deps.Logger,
	}
	if c.authz == nil {
		c.authz = service.AllowAll
	}
	if c.clock == nil {
		c.clock = time.Now
	}
	if c.newID == nil {
		c.newID = uuid.NewString
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	if c.limits == (Limits{}) {
		c.limits = DefaultLimits()
	}
	c.logger = c.logger.With(zap.String("component", component))
	return c
}

func (c *core) now() time.Time {
	return c.clock().UTC()
}

// authorize 调用外部权限表；判定失败或依赖异常一律视为拒绝
func (c *core) authorize(ctx context.Context, identity valueobject.Identity, resource service.Resource, action service.Action) error {
	if identity.IsZero() {
		return errors.NewPermissionDeniedError("identity required")
	}
	ok, err := c.authz.Authorize(ctx, identity, resource, action)
	if err != nil {
		c.logger.Warn("Authorization check failed",
			service.TraceField(ctx),
			zap.String("user_id", identity.UserID()),
			zap.String("resource", string(resource)),
			zap.String("action", string(action)),
			zap.Error(err),
		)
		return errors.Wrap(errors.CodePermissionDenied, "authorization unavailable", err)
	}
	if !ok {
		return errors.NewPermissionDeniedError("role " + string(identity.Role()) + " may not " + string(action) + " " + string(resource))
	}
	return nil
}

// inLane 在会话队列中执行 fn
func (c *core) inLane(ctx context.Context, conversationID, kind string, fn func(ctx context.Context) error) error {
	if c.coordinator == nil {
		return fn(ctx)
	}
	return c.coordinator.Submit(ctx, conversationID, kind, fn)
}

// publish 在提交后发布事件；发布失败只记录日志，事务不回滚
func (c *core) publish(ctx context.Context, eventType string, payload eventbus.DeliveryPayload) {
	if c.bus == nil {
		return
	}
	if err := c.bus.Publish(context.WithoutCancel(ctx), eventbus.NewEvent(eventType, payload)); err != nil {
		c.logger.Warn("Failed to publish event",
			service.TraceField(ctx),
			zap.String("type", eventType),
			zap.String("conversation_id", payload.ConversationID),
			zap.Error(err),
		)
	}
}

// recipients 返回会话活跃成员作为事件接收者
func (c *core) recipients(ctx context.Context, conversationID string, extra ...string) []eventbus.Recipient {
	participants, err := c.repos.Conversations.ListParticipants(ctx, conversationID, true)
	if err != nil {
		c.logger.Warn("Failed to list recipients", zap.String("conversation_id", conversationID), zap.Error(err))
	}
	now := c.now()
	seen := make(map[string]bool, len(participants)+len(extra))
	result := make([]eventbus.Recipient, 0, len(participants)+len(extra))
	for _, p := range participants {
		seen[p.UserID()] = true
		result = append(result, eventbus.Recipient{UserID: p.UserID(), Muted: p.IsMuted(now)})
	}
	for _, id := range extra {
		if id != "" && !seen[id] {
			seen[id] = true
			result = append(result, eventbus.Recipient{UserID: id})
		}
	}
	return result
}

// loadConversation 读取会话与调用者最新成员记录；成员不存在或已离开时 participant 为 nil
func (c *core) loadConversation(ctx context.Context, repos repository.Repositories, conversationID, userID string) (*entity.Conversation, *entity.Participant, error) {
	if conversationID == "" {
		return nil, nil, errors.NewInvalidArgumentError("conversation id required")
	}
	conv, err := repos.Conversations.FindByID(ctx, conversationID)
	if err != nil {
		return nil, nil, err
	}
	p, err := repos.Conversations.FindParticipant(ctx, conversationID, userID)
	if err != nil {
		if errors.IsNotFound(err) {
			return conv, nil, nil
		}
		return nil, nil, err
	}
	if !p.IsActive() {
		return conv, nil, nil
	}
	return conv, p, nil
}

// requireMember 要求调用者是会话活跃成员
func (c *core) requireMember(ctx context.Context, repos repository.Repositories, conversationID, userID string) (*entity.Conversation, *entity.Participant, error) {
	conv, p, err := c.loadConversation(ctx, repos, conversationID, userID)
	if err != nil {
		return nil, nil, err
	}
	if p == nil {
		return nil, nil, errors.NewPermissionDeniedError("not an active participant of this conversation")
	}
	return conv, p, nil
}

// lookup 查询用户档案，目录不可用时退化为仅含ID的档案
func (c *core) lookup(ctx context.Context, userID string) valueobject.UserProfile {
	if c.directory == nil {
		return valueobject.UserProfile{ID: userID}
	}
	profile, err := c.directory.Lookup(ctx, userID)
	if err != nil {
		c.logger.Debug("User lookup failed", zap.String("user_id", userID), zap.Error(err))
		return valueobject.UserProfile{ID: userID}
	}
	if profile.ID == "" {
		profile.ID = userID
	}
	return profile
}

// officesOf 返回会话所有成员记录（含已离开）所属办公室
func (c *core) officesOf(ctx context.Context, conversationID string) (map[string]bool, error) {
	participants, err := c.repos.Conversations.ListParticipants(ctx, conversationID, false)
	if err != nil {
		return nil, err
	}
	offices := make(map[string]bool)
	for _, p := range participants {
		if office := c.lookup(ctx, p.UserID()).OfficeID; office != "" {
			offices[office] = true
		}
	}
	return offices, nil
}

// inModerationScope 判断调用者是否对会话具有办公室级监管权限
func (c *core) inModerationScope(ctx context.Context, identity valueobject.Identity, conversationID string) (bool, error) {
	if !identity.HasOfficeAuthority() {
		return false, nil
	}
	if identity.IsGlobalAdmin() {
		return true, nil
	}
	if identity.OfficeID() == "" {
		return false, nil
	}
	offices, err := c.officesOf(ctx, conversationID)
	if err != nil {
		return false, err
	}
	return offices[identity.OfficeID()], nil
}

// pageBounds 规范化分页参数，page 从 1 开始
func (c *core) pageBounds(page, pageSize int) (int, int) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = c.limits.DefaultPageSize
	}
	if c.limits.MaxPageSize > 0 && pageSize > c.limits.MaxPageSize {
		pageSize = c.limits.MaxPageSize
	}
	return page, pageSize
}

func paginate[T any](items []T, page, pageSize int) []T {
	start := (page - 1) * pageSize
	if start >= len(items) {
		return []T{}
	}
	end := start + pageSize
	if end > len(items) {
		end = len(items)
	}
	return items[start:end]
}

func (c *core) checkBatch(ids []string) ([]string, error) {
	ids = dedupe(ids)
	if len(ids) == 0 {
		return nil, errors.NewInvalidArgumentError("at least one id required")
	}
	if c.limits.MaxBatchSize > 0 && len(ids) > c.limits.MaxBatchSize {
		return nil, errors.NewInvalidArgumentError("too many ids in one batch")
	}
	return ids, nil
}

// dedupe 去除空值与重复值，保持原有顺序
func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	result := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		result = append(result, id)
	}
	return result
}

// domainError 将实体校验错误映射为应用错误
func domainError(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case stderrors.Is(err, entity.ErrInvalidConversationID),
		stderrors.Is(err, entity.ErrInvalidConversationType),
		stderrors.Is(err, entity.ErrGroupNameRequired),
		stderrors.Is(err, entity.ErrInvalidUserID),
		stderrors.Is(err, entity.ErrInvalidRole),
		stderrors.Is(err, entity.ErrInvalidMessageID),
		stderrors.Is(err, entity.ErrEmptyMessage),
		stderrors.Is(err, entity.ErrInvalidAttachment):
		return errors.Wrap(errors.CodeInvalidArgument, err.Error(), err)
	case stderrors.Is(err, entity.ErrDirectNameFixed):
		return errors.Wrap(errors.CodeInvalidOperation, err.Error(), err)
	case stderrors.Is(err, entity.ErrMessageDeleted),
		stderrors.Is(err, entity.ErrParticipantInactive):
		return errors.Wrap(errors.CodeNotFound, err.Error(), err)
	}
	return err
}
