package main

import (
	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
)

const (
	// Palette
	colorBg4    = "#414B53"
	colorYellow = "#E3D367"
	colorGray   = "#82878B"
	colorFg     = "#E1E2E3"
)

// customHuhTheme returns a huh theme using our palette.
func customHuhTheme() *huh.Theme {
	t := huh.ThemeDracula()

	yellow := lipgloss.Color(colorYellow)
	gray := lipgloss.Color(colorGray)
	fg := lipgloss.Color(colorFg)

	t.Focused.Base = t.Focused.Base.BorderForeground(yellow).Foreground(fg)
	t.Blurred.Base = t.Blurred.Base.BorderForeground(gray).Foreground(fg)

	t.Focused.Title = t.Focused.Title.Foreground(yellow).Bold(true)
	t.Blurred.Title = t.Blurred.Title.Foreground(gray)

	t.Focused.Description = t.Focused.Description.Foreground(gray)

	t.Focused.SelectedOption = t.Focused.SelectedOption.Foreground(yellow).Bold(true)

	t.Focused.TextInput.Cursor = t.Focused.TextInput.Cursor.Foreground(yellow)

	return t
}
