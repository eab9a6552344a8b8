package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

var (
	colorCyan  = lipgloss.Color("#00D7FF")
	colorGray  = lipgloss.Color("#6C6C6C")
	colorWhite = lipgloss.Color("#FFFFFF")
	colorDim   = lipgloss.Color("#4E4E4E")
)

var logoLines = []string{
	"  ██████   ███████   █████ ",
	" ██    ██  ██       ██   ██",
	" ██    ██  ███████  ███████",
	" ██    ██       ██  ██   ██",
	"  ██████   ███████  ██   ██",
}

// logoGradient colors the logo top to bottom, cyan into violet.
var logoGradient = []lipgloss.Color{
	lipgloss.Color("#00FFFF"),
	lipgloss.Color("#00CFFF"),
	lipgloss.Color("#009FFF"),
	lipgloss.Color("#006FFF"),
	lipgloss.Color("#5F5FFF"),
}

// BannerInfo carries the runtime stats shown in the welcome banner.
type BannerInfo struct {
	Version     string
	Provider    string
	Model       string
	ToolCount   int
	Sidecars    int
	Workspace   string
	ProjectLang string
}

// DetectProjectLanguage scans a directory for known project markers.
func DetectProjectLanguage(dir string) string {
	markers := []struct {
		file string
		lang string
	}{
		{"go.mod", "Go"},
		{"Cargo.toml", "Rust"},
		{"package.json", "Node.js"},
		{"pyproject.toml", "Python"},
		{"requirements.txt", "Python"},
		{"pom.xml", "Java"},
		{"Gemfile", "Ruby"},
	}
	for _, m := range markers {
		if _, err := os.Stat(filepath.Join(dir, m.file)); err == nil {
			return m.lang
		}
	}
	return ""
}

// RenderBanner returns the styled welcome block printed on console start.
func RenderBanner(info BannerInfo) string {
	var b strings.Builder

	for i, line := range logoLines {
		color := logoGradient[i%len(logoGradient)]
		b.WriteString(lipgloss.NewStyle().Foreground(color).Render(line))
		b.WriteString("\n")
	}

	label := lipgloss.NewStyle().Foreground(colorGray)
	value := lipgloss.NewStyle().Foreground(colorWhite)
	tip := lipgloss.NewStyle().Foreground(colorDim)

	b.WriteString("\n")
	b.WriteString(fmt.Sprintf(" %s %s\n",
		label.Render("model"),
		value.Render(info.Model)))
	b.WriteString(fmt.Sprintf(" %s %s",
		label.Render("tools"),
		value.Render(fmt.Sprintf("%d", info.ToolCount))))
	if info.Sidecars > 0 {
		b.WriteString(fmt.Sprintf("  %s %s",
			label.Render("sidecars"),
			value.Render(fmt.Sprintf("%d", info.Sidecars))))
	}
	b.WriteString("\n")
	if info.Workspace != "" {
		ws := info.Workspace
		if info.ProjectLang != "" {
			ws += " (" + info.ProjectLang + ")"
		}
		b.WriteString(fmt.Sprintf(" %s %s\n", label.Render("workspace"), value.Render(ws)))
	}
	b.WriteString("\n")
	b.WriteString(tip.Render(" /help for commands, Ctrl+C to interrupt a turn, /quit to exit"))
	b.WriteString("\n")
	return b.String()
}
