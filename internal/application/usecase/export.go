package usecase

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"strings"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/ngoclaw/ngoclaw/messaging/internal/domain/repository"
	"github.com/ngoclaw/ngoclaw/messaging/internal/domain/service"
	"github.com/ngoclaw/ngoclaw/messaging/internal/domain/valueobject"
	"github.com/ngoclaw/ngoclaw/messaging/pkg/errors"
)

// ExportFormat 导出格式
type ExportFormat string

const (
	ExportJSON     ExportFormat = "json"
	ExportYAML     ExportFormat = "yaml"
	ExportMarkdown ExportFormat = "markdown"
	ExportHTML     ExportFormat = "html"
)

// ParseExportFormat 解析导出格式，空值默认为 json
func ParseExportFormat(s string) (ExportFormat, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "json":
		return ExportJSON, nil
	case "yaml", "yml":
		return ExportYAML, nil
	case "markdown", "md":
		return ExportMarkdown, nil
	case "html":
		return ExportHTML, nil
	}
	return "", errors.NewInvalidArgumentError("unsupported export format " + s)
}

// ContentType 返回格式对应的 MIME 类型
func (f ExportFormat) ContentType() string {
	switch f {
	case ExportYAML:
		return "application/yaml"
	case ExportMarkdown:
		return "text/markdown; charset=utf-8"
	case ExportHTML:
		return "text/html; charset=utf-8"
	}
	return "application/json"
}

// ExportInput 导出参数；时间边界均包含
type ExportInput struct {
	ConversationID string
	Format         string
	From           *time.Time
	To             *time.Time
}

// ExportedMessage 导出的消息，已删除的消息保留为墓碑
type ExportedMessage struct {
	MessageView `yaml:",inline"`
	SenderName  string                 `json:"sender_name" yaml:"sender_name"`
	Reactions   []valueobject.Reaction `json:"reactions,omitempty" yaml:"reactions,omitempty"`
}

// ExportDocument 会话导出文档
type ExportDocument struct {
	Conversation ConversationView  `json:"conversation" yaml:"conversation"`
	ExportedAt   time.Time         `json:"exported_at" yaml:"exported_at"`
	ExportedBy   string            `json:"exported_by" yaml:"exported_by"`
	From         *time.Time        `json:"from,omitempty" yaml:"from,omitempty"`
	To           *time.Time        `json:"to,omitempty" yaml:"to,omitempty"`
	Messages     []ExportedMessage `json:"messages" yaml:"messages"`
}

// Export 将会话消息按格式写入 w，返回导出条数。
// 仅会话管理员或具备办公室监管权限者可导出。
func (uc *MessageUseCase) Export(ctx context.Context, identity valueobject.Identity, input ExportInput, w io.Writer) (int, error) {
	if err := uc.authorize(ctx, identity, service.ResourceMessage, service.ActionExport); err != nil {
		return 0, err
	}
	format, err := ParseExportFormat(input.Format)
	if err != nil {
		return 0, err
	}
	if input.From != nil && input.To != nil && input.From.After(*input.To) {
		return 0, errors.NewInvalidArgumentError("from must not be after to")
	}

	doc, err := uc.buildExport(ctx, identity, input)
	if err != nil {
		return 0, err
	}
	if err := RenderExport(doc, format, w); err != nil {
		return 0, errors.NewInternalErrorWithCause("failed to render export", err)
	}

	uc.logger.Info("Conversation exported",
		zap.String("conversation_id", input.ConversationID),
		zap.String("user_id", identity.UserID()),
		zap.String("format", string(format)),
		zap.Int("messages", len(doc.Messages)),
	)
	return len(doc.Messages), nil
}

// buildExport 收集导出数据
func (uc *MessageUseCase) buildExport(ctx context.Context, identity valueobject.Identity, input ExportInput) (*ExportDocument, error) {
	conv, p, err := uc.loadConversation(ctx, uc.repos, input.ConversationID, identity.UserID())
	if err != nil {
		return nil, err
	}
	if p == nil || !p.IsAdmin() {
		inScope, err := uc.inModerationScope(ctx, identity, conv.ID())
		if err != nil {
			return nil, err
		}
		if !inScope {
			return nil, errors.NewPermissionDeniedError("only conversation admins or moderators can export")
		}
	}

	msgs, err := uc.repos.Messages.List(ctx, repository.MessageQuery{
		ConversationID: conv.ID(),
		From:           input.From,
		To:             input.To,
	})
	if err != nil {
		return nil, err
	}

	names := make(map[string]string)
	doc := &ExportDocument{
		Conversation: NewConversationView(conv),
		ExportedAt:   uc.now(),
		ExportedBy:   identity.UserID(),
		From:         input.From,
		To:           input.To,
		Messages:     make([]ExportedMessage, 0, len(msgs)),
	}
	for _, m := range msgs {
		name, ok := names[m.SenderID()]
		if !ok {
			name = uc.lookup(ctx, m.SenderID()).Name()
			names[m.SenderID()] = name
		}
		reactions, err := uc.repos.Messages.ListReactions(ctx, m.ID())
		if err != nil {
			return nil, err
		}
		doc.Messages = append(doc.Messages, ExportedMessage{
			MessageView: NewMessageView(m),
			SenderName:  name,
			Reactions:   reactions,
		})
	}
	return doc, nil
}

// RenderExport 按格式渲染导出文档
func RenderExport(doc *ExportDocument, format ExportFormat, w io.Writer) error {
	switch format {
	case ExportJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(doc)
	case ExportYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(doc); err != nil {
			return err
		}
		return enc.Close()
	case ExportMarkdown:
		_, err := io.WriteString(w, RenderMarkdown(doc))
		return err
	case ExportHTML:
		return renderHTML(doc, w)
	}
	return fmt.Errorf("unsupported export format %q", format)
}

// RenderMarkdown 渲染为 Markdown 记录
func RenderMarkdown(doc *ExportDocument) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", doc.Conversation.Name)
	fmt.Fprintf(&b, "- Conversation: `%s` (%s)\n", doc.Conversation.ID, doc.Conversation.Type)
	fmt.Fprintf(&b, "- Exported: %s by `%s`\n", doc.ExportedAt.Format(time.RFC3339), doc.ExportedBy)
	if doc.From != nil || doc.To != nil {
		fmt.Fprintf(&b, "- Range: %s to %s\n", formatBound(doc.From), formatBound(doc.To))
	}
	fmt.Fprintf(&b, "- Messages: %d\n", len(doc.Messages))

	seqByID := make(map[string]int64, len(doc.Messages))
	for _, m := range doc.Messages {
		seqByID[m.ID] = m.Sequence
	}

	for _, m := range doc.Messages {
		b.WriteString("\n---\n\n")
		fmt.Fprintf(&b, "**%s** · %s · #%d", m.SenderName, m.CreatedAt.UTC().Format("2006-01-02 15:04:05 MST"), m.Sequence)
		if m.EditedAt != nil && !m.Deleted {
			b.WriteString(" · _edited_")
		}
		b.WriteString("\n\n")
		if m.ParentMessageID != "" {
			if seq, ok := seqByID[m.ParentMessageID]; ok {
				fmt.Fprintf(&b, "_in reply to #%d_\n\n", seq)
			} else {
				b.WriteString("_in reply to an earlier message_\n\n")
			}
		}
		if m.ForwardedFromID != "" {
			b.WriteString("_forwarded_\n\n")
		}
		if m.Deleted {
			b.WriteString("*[message deleted]*\n")
			continue
		}
		if m.Content != "" {
			b.WriteString(m.Content)
			b.WriteString("\n")
		}
		for _, att := range m.Attachments {
			fmt.Fprintf(&b, "\n> 📎 %s (%s, %d bytes)\n", att.Name, att.Category, att.Size)
		}
		if len(m.Reactions) > 0 {
			b.WriteString("\n")
			b.WriteString(summarizeReactions(m.Reactions))
			b.WriteString("\n")
		}
	}
	return b.String()
}

func renderHTML(doc *ExportDocument, w io.Writer) error {
	md := goldmark.New(goldmark.WithExtensions(extension.GFM))
	var body bytes.Buffer
	if err := md.Convert([]byte(RenderMarkdown(doc)), &body); err != nil {
		return err
	}

	title := html.EscapeString(doc.Conversation.Name)
	if _, err := fmt.Fprintf(w, "<!DOCTYPE html>\n<html>\n<head>\n<meta charset=\"utf-8\">\n<title>%s</title>\n</head>\n<body>\n", title); err != nil {
		return err
	}
	if _, err := body.WriteTo(w); err != nil {
		return err
	}
	_, err := io.WriteString(w, "</body>\n</html>\n")
	return err
}

func summarizeReactions(reactions []valueobject.Reaction) string {
	counts := make(map[string]int)
	order := make([]string, 0)
	for _, r := range reactions {
		if counts[r.Emoji] == 0 {
			order = append(order, r.Emoji)
		}
		counts[r.Emoji]++
	}
	parts := make([]string, len(order))
	for i, emoji := range order {
		parts[i] = fmt.Sprintf("%s %d", emoji, counts[emoji])
	}
	return strings.Join(parts, "  ")
}

func formatBound(t *time.Time) string {
	if t == nil {
		return "…"
	}
	return t.UTC().Format(time.RFC3339)
}
