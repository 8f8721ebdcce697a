package cli

import (
	"fmt"
	"runtime"

	"github.com/charmbracelet/lipgloss"
)

// brand colors
var (
	colorCyan    = lipgloss.Color("#00D7FF")
	colorDimCyan = lipgloss.Color("#00AFAF")
	colorGray    = lipgloss.Color("#6C6C6C")
	colorWhite   = lipgloss.Color("#FFFFFF")
	colorDim     = lipgloss.Color("#4E4E4E")
	colorGreen   = lipgloss.Color("#00FF87")
	colorYellow  = lipgloss.Color("#FFD75F")
	colorRed     = lipgloss.Color("#FF5F5F")
)

// BannerInfo serve 启动时展示的运行参数
type BannerInfo struct {
	Version  string
	Addr     string
	Database string
	Cache    string
	Events   string
}

// RenderBanner 返回启动横幅
func RenderBanner(info BannerInfo) string {
	titleStyle := lipgloss.NewStyle().Foreground(colorCyan).Bold(true)
	versionStyle := lipgloss.NewStyle().Foreground(colorDimCyan)
	labelStyle := lipgloss.NewStyle().Foreground(colorGray)
	valueStyle := lipgloss.NewStyle().Foreground(colorWhite)
	tipStyle := lipgloss.NewStyle().Foreground(colorDim)

	line := func(label, value string) string {
		return fmt.Sprintf("  %s %s", labelStyle.Render(fmt.Sprintf("%-8s", label)), valueStyle.Render(value))
	}

	return fmt.Sprintf("\n%s%s\n\n%s\n%s\n%s\n%s\n%s\n\n%s\n",
		titleStyle.Render(" ◇  N G O C L A W  messaging"),
		versionStyle.Render(fmt.Sprintf("  v%s", info.Version)),
		line("Listen", info.Addr),
		line("Store", info.Database),
		line("Cache", info.Cache),
		line("Events", info.Events),
		line("Env", runtime.GOOS+"/"+runtime.GOARCH),
		tipStyle.Render("  Ctrl+C 停止服务"),
	)
}
