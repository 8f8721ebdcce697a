package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ngoclaw/ngoclaw/messaging/internal/application"
	"github.com/ngoclaw/ngoclaw/messaging/internal/application/usecase"
	"github.com/ngoclaw/ngoclaw/messaging/internal/domain/valueobject"
	"github.com/ngoclaw/ngoclaw/messaging/internal/infrastructure/config"
	"github.com/ngoclaw/ngoclaw/messaging/internal/infrastructure/logger"
	"github.com/ngoclaw/ngoclaw/messaging/internal/interfaces/cli"
)

const (
	cliVersion = "0.1.0"
	cliName    = "msgctl"
)

// globalFlags 所有子命令共享的身份与配置参数
type globalFlags struct {
	configPath string
	userID     string
	role       string
	officeID   string
}

func main() {
	flags := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:           cliName,
		Short:         "NGOClaw messaging 管理工具",
		Long:          "msgctl: 启动消息服务，或以指定身份离线查看会话、导出记录与统计",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&flags.configPath, "config", "c", "", "配置文件 (默认 ~/.ngoclaw/messaging.yaml)")
	pf.StringVarP(&flags.userID, "user", "u", os.Getenv("USER"), "操作者用户 ID")
	pf.StringVar(&flags.role, "role", "user", "全局角色: user, manager, admin")
	pf.StringVar(&flags.officeID, "office", "", "操作者所属办公室")

	rootCmd.AddCommand(
		serveCmd(flags),
		conversationsCmd(flags),
		exportCmd(flags),
		statsCmd(flags),
		searchCmd(flags),
		sweepCmd(flags),
		&cobra.Command{
			Use:   "version",
			Short: "显示版本",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Printf("%s v%s\n", cliName, cliVersion)
			},
		},
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, cli.RenderStatus(false, err.Error()))
		os.Exit(1)
	}
}

func (f *globalFlags) identity() (valueobject.Identity, error) {
	if f.userID == "" {
		return valueobject.Identity{}, fmt.Errorf("--user is required")
	}
	role, ok := valueobject.ParseGlobalRole(f.role)
	if !ok {
		return valueobject.Identity{}, fmt.Errorf("unknown role %q", f.role)
	}
	return valueobject.NewIdentity(f.userID, role, f.officeID), nil
}

// withApp 以 CLI 模式初始化应用并执行 fn
func withApp(f *globalFlags, fn func(ctx context.Context, app *application.App, identity valueobject.Identity) error) error {
	identity, err := f.identity()
	if err != nil {
		return err
	}
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	log := logger.Quiet()
	defer log.Sync()

	app, err := application.NewAppCLI(cfg, log)
	if err != nil {
		return fmt.Errorf("初始化失败: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runErr := fn(ctx, app, identity)

	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := app.Close(closeCtx); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// ─── Server ───

func serveCmd(f *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "启动消息服务 (HTTP + WebSocket + gRPC health)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(f.configPath)
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			log, err := logger.NewLogger(logger.Config{
				Level:      cfg.Log.Level,
				Format:     cfg.Log.Format,
				OutputPath: cfg.Log.OutputPath,
				Service:    cliName,
				Version:    cliVersion,
			})
			if err != nil {
				return fmt.Errorf("logger init: %w", err)
			}
			defer log.Sync()

			events := "in-memory"
			if cfg.Events.WALDir != "" {
				events = "wal " + cfg.Events.WALDir
			}
			fmt.Println(cli.RenderBanner(cli.BannerInfo{
				Version:  cliVersion,
				Addr:     cfg.Server.Addr(),
				Database: cfg.Database.Type,
				Cache:    cfg.Cache.Backend,
				Events:   events,
			}))

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			app, err := application.NewApp(cfg, log)
			if err != nil {
				return err
			}
			if err := app.Start(ctx); err != nil {
				return err
			}

			quit := make(chan os.Signal, 1)
			signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
			sig := <-quit
			log.Info("Received shutdown signal", zap.String("signal", sig.String()))

			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer shutdownCancel()
			return app.Stop(shutdownCtx)
		},
	}
}

// ─── Conversations ───

func conversationsCmd(f *globalFlags) *cobra.Command {
	var (
		page     int
		sortBy   string
		archived bool
	)
	cmd := &cobra.Command{
		Use:     "conversations",
		Aliases: []string{"ls"},
		Short:   "列出当前用户的会话",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(f, func(ctx context.Context, app *application.App, identity valueobject.Identity) error {
				result, err := app.Conversations().List(ctx, identity, usecase.ListConversationsInput{
					Page:            page,
					Sort:            sortBy,
					IncludeArchived: archived,
					PinnedFirst:     true,
				})
				if err != nil {
					return err
				}
				fmt.Println(cli.NewRenderer(terminalWidth()).RenderConversations(result))
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&page, "page", "p", 1, "页码")
	cmd.Flags().StringVar(&sortBy, "sort", "last_message", "排序: last_message, created, name")
	cmd.Flags().BoolVar(&archived, "archived", false, "包含已归档会话")
	return cmd
}

// ─── Export ───

func exportCmd(f *globalFlags) *cobra.Command {
	var (
		format   string
		out      string
		from, to string
		render   bool
	)
	cmd := &cobra.Command{
		Use:   "export <conversation-id>",
		Short: "导出会话记录 (json, yaml, markdown, html)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			input := usecase.ExportInput{ConversationID: args[0], Format: format}
			var err error
			if input.From, err = parseBound(from); err != nil {
				return err
			}
			if input.To, err = parseBound(to); err != nil {
				return err
			}

			return withApp(f, func(ctx context.Context, app *application.App, identity valueobject.Identity) error {
				var buf bytes.Buffer
				n, err := app.Messages().Export(ctx, identity, input, &buf)
				if err != nil {
					return err
				}

				if out != "" {
					if err := os.WriteFile(out, buf.Bytes(), 0o644); err != nil {
						return err
					}
					fmt.Println(cli.RenderStatus(true, fmt.Sprintf("%d messages → %s", n, out)))
					return nil
				}
				if render && (format == "" || format == string(usecase.ExportMarkdown) || format == "md") {
					fmt.Println(cli.NewRenderer(terminalWidth()).RenderMarkdown(buf.String()))
					return nil
				}
				_, err = os.Stdout.Write(buf.Bytes())
				return err
			})
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "markdown", "导出格式")
	cmd.Flags().StringVarP(&out, "out", "o", "", "写入文件而非标准输出")
	cmd.Flags().StringVar(&from, "from", "", "起始时间 (RFC3339)")
	cmd.Flags().StringVar(&to, "to", "", "结束时间 (RFC3339)")
	cmd.Flags().BoolVar(&render, "render", true, "在终端中渲染 Markdown")
	return cmd
}

// ─── Stats ───

func statsCmd(f *globalFlags) *cobra.Command {
	var timeframe string
	cmd := &cobra.Command{
		Use:   "stats <conversation-id>",
		Short: "会话统计",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(f, func(ctx context.Context, app *application.App, identity valueobject.Identity) error {
				analytics, err := app.Moderation().GetAnalytics(ctx, identity, args[0], timeframe)
				if err != nil {
					return err
				}
				fmt.Println(cli.NewRenderer(terminalWidth()).RenderAnalytics(analytics))
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&timeframe, "timeframe", "t", "24h", "统计窗口: 24h, 7d, 30d")
	return cmd
}

// ─── Search ───

func searchCmd(f *globalFlags) *cobra.Command {
	var filters usecase.SearchMessagesInput
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "在可见范围内检索消息",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(f, func(ctx context.Context, app *application.App, identity valueobject.Identity) error {
				ranked, err := app.Moderation().SearchMessages(ctx, identity, args[0], filters)
				if err != nil {
					return err
				}
				for _, r := range ranked {
					m := r.Message
					fmt.Printf("%.2f  %s  %s  %s: %s\n", r.Score, m.ConversationID(), m.CreatedAt().Format(time.RFC3339), m.SenderID(), m.Content())
				}
				fmt.Println(cli.RenderStatus(true, fmt.Sprintf("%d results", len(ranked))))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&filters.ConversationID, "conversation", "", "限定会话")
	cmd.Flags().StringVar(&filters.SenderID, "sender", "", "限定发送者")
	cmd.Flags().IntVarP(&filters.Limit, "limit", "n", 0, "结果上限")
	return cmd
}

// ─── Retention ───

func sweepCmd(f *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "标记所有成员都已离开的会话",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(f, func(ctx context.Context, app *application.App, identity valueobject.Identity) error {
				n, err := app.Conversations().SweepAbandoned(ctx)
				if err != nil {
					return err
				}
				fmt.Println(cli.RenderStatus(true, fmt.Sprintf("%d conversations marked", n)))
				return nil
			})
		},
	}
}

func parseBound(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, fmt.Errorf("invalid time %q: %w", s, err)
	}
	return &t, nil
}

func terminalWidth() int {
	var w int
	if _, err := fmt.Sscanf(os.Getenv("COLUMNS"), "%d", &w); err == nil && w > 20 {
		return w
	}
	return 100
}
