package util

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/manifoldco/promptui"
)

var (
	promptStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF69B4")).
			Bold(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF4757")).
			Bold(true)

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFA726")).
			Bold(true)

	debugErrorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF6B6B")).
			Bold(true).
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#FF4757")).
			Padding(1, 2)
)

// PromptQuery asks for a search query interactively.
func PromptQuery(label string) (string, error) {
	prompt := promptui.Prompt{
		Label: promptStyle.Render(label),
	}
	query, err := prompt.Run()
	if err != nil {
		return "", err
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return "", fmt.Errorf("query cannot be empty")
	}
	return query, nil
}

// ErrorHandler returns a stylized error message. Debug mode prints the
// full wrapped chain.
func ErrorHandler(err error) string {
	if IsDebug {
		header := errorStyle.Render("DEBUG ERROR")
		return fmt.Sprintf("%s\n%s", header, debugErrorStyle.Render(fmt.Sprintf("%+v", err)))
	}
	styled := errorStyle.Render(fmt.Sprintf("✗ %v", err))
	hint := warningStyle.Render("run with -debug to see details")
	return fmt.Sprintf("%s\n%s", styled, hint)
}
