package main

import (
	"os"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

var (
	keyword   = lipgloss.NewStyle().Foreground(lipgloss.Color("#04B575")).Render
	paragraph = lipgloss.NewStyle().Width(78).Padding(0, 0, 0, 2).Render

	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241")).Width(18)
	goodStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#04B575")).Bold(true)
	badStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF5F87")).Bold(true)
)

func stdoutIsTerminal() bool {
	return term.IsTerminal(int(os.Stdout.Fd())) //nolint:gosec
}

// row renders a label/value line, plain when stdout is not a terminal.
func row(label, value string) string {
	if !stdoutIsTerminal() {
		return label + ": " + value
	}
	return labelStyle.Render(label) + value
}

// yesNo renders a boolean as a coloured word.
func yesNo(ok bool, yes, no string) string {
	word, style := no, badStyle
	if ok {
		word, style = yes, goodStyle
	}
	if !stdoutIsTerminal() {
		return word
	}
	return style.Render(word)
}
