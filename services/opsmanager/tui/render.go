// Copyright (C) 2025 CloseOps (ops@closeops.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/bubbles/viewport"
	"github.com/charmbracelet/lipgloss"
	"go.mongodb.org/mongo-driver/v2/bson"
)

// defaultTableWidth sizes the table before the first WindowSizeMsg.
const defaultTableWidth = 120

// Reserved vertical space around the table: header, filter bar,
// status line, footer.
const chromeHeight = 8

// =============================================================================
// Layout
// =============================================================================

func (m *Model) layout() {
	if m.width <= 0 || m.height <= 0 {
		return
	}
	m.table.SetColumns(tableColumns(m.width))
	h := m.height - chromeHeight
	if h < 3 {
		h = 3
	}
	m.table.SetHeight(h)

	if !m.ready {
		m.detail = viewport.New(m.width, h)
	} else {
		m.detail.Width = m.width
		m.detail.Height = h
	}
}

func tableColumns(width int) []table.Column {
	if width < 80 {
		width = 80
	}
	// Fixed columns first; the three text-heavy ones share the rest.
	fixed := 3 + 14 + 12 + 10 + 9 + 6
	rest := width - fixed - 10
	if rest < 30 {
		rest = 30
	}
	client := rest / 4
	desc := rest / 2
	users := rest - client - desc
	return []table.Column{
		{Title: " ", Width: 3},
		{Title: "OpId", Width: 14},
		{Title: "Type", Width: 12},
		{Title: "Op", Width: 10},
		{Title: "Running", Width: 9},
		{Title: "Active", Width: 6},
		{Title: "Client", Width: client},
		{Title: "Description", Width: desc},
		{Title: "Users", Width: users},
	}
}

func tableStyles() table.Styles {
	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderBottom(true).
		Bold(true)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57")).
		Bold(true)
	return s
}

// rebuildRows projects the current snapshot into table rows.
func (m *Model) rebuildRows() {
	rows := make([]table.Row, 0, len(m.ops))
	for _, op := range m.ops {
		mark := "☐"
		if m.selected[op.OpID] {
			mark = "☒"
		}
		active := "✗"
		if op.Active {
			active = "✓"
		}
		rows = append(rows, table.Row{
			mark,
			op.OpID,
			op.Type,
			op.Op,
			fmt.Sprintf("%ds", op.SecsRunning),
			active,
			orNA(op.Client),
			orNA(op.Desc),
			orNA(op.UserNames()),
		})
	}
	m.table.SetRows(rows)
}

func orNA(s string) string {
	if s == "" {
		return "N/A"
	}
	return s
}

// =============================================================================
// View
// =============================================================================

// View implements tea.Model.
func (m Model) View() string {
	if m.quitting {
		return ""
	}
	if !m.ready {
		return "Connecting...\n"
	}

	if m.mode == modeDetail {
		return m.renderDetailView()
	}

	var b strings.Builder
	b.WriteString(m.renderHeader())
	b.WriteString("\n")
	b.WriteString(m.renderFilterBar())
	b.WriteString("\n")
	b.WriteString(m.table.View())
	b.WriteString("\n")
	b.WriteString(m.renderStatus())
	b.WriteString("\n")
	b.WriteString(m.renderFooter())

	if m.mode == modeConfirm {
		return m.overlayConfirm(b.String())
	}
	return b.String()
}

func (m Model) renderHeader() string {
	title := titleStyle.Render("Mongo Operations Manager")

	info := fmt.Sprintf("MongoDB %s", m.core.ServerVersion())
	if m.core.IsMongos() {
		info += " (mongos)"
	}
	left := title + "  " + infoStyle.Render(info)

	if !m.autoRefresh {
		return left + "  " + pausedStyle.Render("AUTO-REFRESH PAUSED")
	}
	return left
}

func (m Model) renderFilterBar() string {
	parts := make([]string, 0, filterCount+1)
	for i := range m.filters {
		view := m.filters[i].View()
		if m.mode == modeFilter && i == m.filterFocus {
			parts = append(parts, filterFocusStyle.Render(view))
		} else {
			parts = append(parts, filterStyle.Render(view))
		}
	}
	return lipgloss.JoinHorizontal(lipgloss.Top, parts...)
}

func (m Model) renderStatus() string {
	status := fmt.Sprintf("%d operations, %d selected", len(m.ops), len(m.selected))
	if m.refreshing {
		status += " · refreshing"
	}
	line := statsStyle.Render(status)
	if m.notice != "" {
		if m.noticeIsErr {
			line += "  " + errorStyle.Render(m.notice)
		} else {
			line += "  " + noticeStyle.Render(m.notice)
		}
	}
	return line
}

func (m Model) renderFooter() string {
	keys := []struct{ key, desc string }{
		{"space", "select"},
		{"k", "kill"},
		{"enter", "details"},
		{"/", "filter"},
		{"c", "clear filters"},
		{"r", "refresh"},
		{"p", "pause"},
		{"u", "deselect"},
		{"s", "sort"},
		{"q", "quit"},
	}
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, helpKeyStyle.Render(k.key)+" "+helpDescStyle.Render(k.desc))
	}
	return strings.Join(parts, helpDescStyle.Render(" · "))
}

// =============================================================================
// Confirmation Dialog
// =============================================================================

func (m Model) overlayConfirm(background string) string {
	count := len(m.pendingKill)
	question := fmt.Sprintf("Kill %d %s?", count, plural("operation", count))
	ids := strings.Join(m.pendingKill, ", ")
	if len(ids) > 60 {
		ids = ids[:57] + "..."
	}

	body := confirmQuestionStyle.Render(question) + "\n" +
		confirmIDsStyle.Render(ids) + "\n\n" +
		helpKeyStyle.Render("y") + helpDescStyle.Render(" yes   ") +
		helpKeyStyle.Render("n/esc") + helpDescStyle.Render(" no")

	dialog := confirmBoxStyle.Render(body)
	return lipgloss.Place(m.width, m.height, lipgloss.Center, lipgloss.Center, dialog)
}

// =============================================================================
// Detail View
// =============================================================================

func (m Model) renderDetailView() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("Operation Details"))
	b.WriteString("\n")
	b.WriteString(m.detail.View())
	b.WriteString("\n")
	b.WriteString(helpKeyStyle.Render("esc") + helpDescStyle.Render(" back · ") +
		helpKeyStyle.Render("j/k") + helpDescStyle.Render(" scroll"))
	return b.String()
}

func (m Model) renderDetailContent() string {
	op, ok := m.currentOp()
	if !ok {
		return "No operation selected."
	}

	var b strings.Builder
	field := func(name, value string) {
		b.WriteString(detailKeyStyle.Render(name+":") + " " + orNA(value) + "\n")
	}
	field("OpId", op.OpID)
	field("Type", op.Type)
	field("Operation", op.Op)
	field("Namespace", op.NS)
	field("Host", op.Host)
	field("Client", op.Client)
	field("Description", op.Desc)
	field("Running", fmt.Sprintf("%ds (%dµs)", op.SecsRunning, op.MicrosecsRunning))
	field("Active", fmt.Sprintf("%t", op.Active))
	field("Effective Users", op.UserNames())

	b.WriteString("\n" + detailKeyStyle.Render("Command:") + "\n")
	b.WriteString(renderCommand(op.Command))
	return b.String()
}

// renderCommand pretty-prints the opaque command payload. The core
// never interprets it; it is shown verbatim as extended JSON.
func renderCommand(cmd bson.M) string {
	if len(cmd) == 0 {
		return "  (none)"
	}
	out, err := bson.MarshalExtJSONIndent(cmd, false, false, "  ", "  ")
	if err != nil {
		return fmt.Sprintf("  %v", cmd)
	}
	return "  " + string(out)
}

// =============================================================================
// Styles
// =============================================================================

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("39"))

	infoStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245"))

	pausedStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("214"))

	statsStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	noticeStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42"))

	errorStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("196"))

	filterStyle = lipgloss.NewStyle().
			Padding(0, 1)

	filterFocusStyle = lipgloss.NewStyle().
				Padding(0, 1).
				Foreground(lipgloss.Color("229"))

	helpKeyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("39")).
			Bold(true)

	helpDescStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("250"))

	confirmBoxStyle = lipgloss.NewStyle().
			Border(lipgloss.ThickBorder()).
			BorderForeground(lipgloss.Color("196")).
			Padding(1, 3)

	confirmQuestionStyle = lipgloss.NewStyle().
				Bold(true)

	confirmIDsStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245"))

	detailKeyStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("75"))
)
