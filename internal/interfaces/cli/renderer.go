package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/ngoclaw/ngoclaw/messaging/internal/application/usecase"
	"github.com/ngoclaw/ngoclaw/messaging/internal/domain/service"
)

// Renderer 终端输出：Markdown 记录、会话列表与统计面板
type Renderer struct {
	glamour *glamour.TermRenderer
	width   int
	now     func() time.Time
}

// NewRenderer creates a renderer with the given terminal width
func NewRenderer(width int) *Renderer {
	if width <= 0 {
		width = 80
	}
	r, _ := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(width-4),
	)
	return &Renderer{
		glamour: r,
		width:   width,
		now:     time.Now,
	}
}

// RenderMarkdown renders markdown text to styled terminal output
func (r *Renderer) RenderMarkdown(md string) string {
	if r.glamour == nil {
		return md
	}
	out, err := r.glamour.Render(md)
	if err != nil {
		return md
	}
	return strings.TrimSpace(out)
}

// RenderConversations 渲染会话列表
func (r *Renderer) RenderConversations(page *usecase.ConversationPage) string {
	if page == nil || len(page.Items) == 0 {
		return lipgloss.NewStyle().Foreground(colorGray).Render("  (no conversations)")
	}

	nameStyle := lipgloss.NewStyle().Foreground(colorCyan).Bold(true)
	metaStyle := lipgloss.NewStyle().Foreground(colorGray)
	unreadStyle := lipgloss.NewStyle().Foreground(colorYellow).Bold(true)

	var b strings.Builder
	for _, item := range page.Items {
		conv := item.Conversation
		marker := " "
		if item.Membership != nil && item.Membership.Pinned() {
			marker = lipgloss.NewStyle().Foreground(colorGreen).Render("★")
		}
		name := conv.Name()
		if name == "" {
			name = conv.ID()
		}
		fmt.Fprintf(&b, " %s %s %s", marker, nameStyle.Render(truncate(name, 40)), metaStyle.Render(string(conv.Type())))
		if item.UnreadCount > 0 {
			fmt.Fprintf(&b, " %s", unreadStyle.Render(fmt.Sprintf("%s unread", humanize.Comma(item.UnreadCount))))
		}
		b.WriteString("\n")

		activity := humanize.RelTime(conv.ActivityAt(), r.now(), "ago", "from now")
		preview := ""
		if item.LastMessage != nil {
			if item.LastMessage.IsDeleted() {
				preview = "[deleted]"
			} else {
				preview = item.LastMessage.SenderID() + ": " + truncate(oneLine(item.LastMessage.Content()), r.width-30)
			}
		}
		fmt.Fprintf(&b, "   %s  %s\n", metaStyle.Render(conv.ID()+" · "+activity), preview)
	}
	fmt.Fprintf(&b, "\n%s", metaStyle.Render(fmt.Sprintf("  page %d · %d of %d", page.Page, len(page.Items), page.Total)))
	return b.String()
}

// RenderAnalytics 渲染统计面板
func (r *Renderer) RenderAnalytics(a *service.ConversationAnalytics) string {
	boxStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(colorCyan).
		Padding(0, 1).
		Width(r.width - 4)

	titleStyle := lipgloss.NewStyle().Foreground(colorCyan).Bold(true)
	labelStyle := lipgloss.NewStyle().Foreground(colorGray)
	valueStyle := lipgloss.NewStyle().Foreground(colorWhite).Bold(true)
	barStyle := lipgloss.NewStyle().Foreground(colorGreen)

	var b strings.Builder
	b.WriteString(titleStyle.Render(fmt.Sprintf("%s · last %s", a.ConversationID, a.Timeframe)))
	b.WriteString("\n\n")
	fmt.Fprintf(&b, "%s %s   %s %s\n",
		labelStyle.Render("messages"), valueStyle.Render(humanize.Comma(int64(a.TotalMessages))),
		labelStyle.Render("deleted"), valueStyle.Render(humanize.Comma(int64(a.DeletedMessages))),
	)
	if a.ResponseTimes.Samples > 0 {
		fmt.Fprintf(&b, "%s %s   %s %s   %s %s\n",
			labelStyle.Render("reply mean"), valueStyle.Render(seconds(a.ResponseTimes.MeanSeconds)),
			labelStyle.Render("median"), valueStyle.Render(seconds(a.ResponseTimes.MedianSeconds)),
			labelStyle.Render("p90"), valueStyle.Render(seconds(a.ResponseTimes.P90Seconds)),
		)
	}

	if len(a.Participants) > 0 {
		b.WriteString("\n")
		b.WriteString(labelStyle.Render("participants"))
		b.WriteString("\n")
		for _, p := range a.Participants {
			fmt.Fprintf(&b, "  %-16s %6s  %s\n",
				truncate(p.UserID, 16),
				humanize.Comma(int64(p.MessageCount)),
				labelStyle.Render(humanize.RelTime(p.LastActiveAt, a.GeneratedAt, "ago", "later")),
			)
		}
	}

	peak := 0
	for _, bucket := range a.Buckets {
		if bucket.Count > peak {
			peak = bucket.Count
		}
	}
	if peak > 0 {
		b.WriteString("\n")
		b.WriteString(labelStyle.Render("activity"))
		b.WriteString("\n")
		barWidth := r.width - 30
		if barWidth < 10 {
			barWidth = 10
		}
		for _, bucket := range a.Buckets {
			if bucket.Count == 0 {
				continue
			}
			n := bucket.Count * barWidth / peak
			if n == 0 {
				n = 1
			}
			fmt.Fprintf(&b, "  %s %s %d\n",
				labelStyle.Render(bucket.Start.UTC().Format("01-02 15:04")),
				barStyle.Render(strings.Repeat("▇", n)),
				bucket.Count,
			)
		}
	}

	return boxStyle.Render(strings.TrimRight(b.String(), "\n"))
}

// RenderStatus 单行结果提示
func RenderStatus(ok bool, text string) string {
	icon := lipgloss.NewStyle().Foreground(colorGreen).Render("✓")
	if !ok {
		icon = lipgloss.NewStyle().Foreground(colorRed).Render("✗")
	}
	return fmt.Sprintf("  %s %s", icon, text)
}

func seconds(s float64) string {
	d := time.Duration(s * float64(time.Second))
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	return d.Round(time.Second).String()
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func truncate(s string, n int) string {
	if n <= 1 {
		n = 1
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n-1]) + "…"
}
