// Copyright (C) 2025 CloseOps (ops@closeops.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package tui implements the interactive terminal front end: the
// operations table, filter bar, kill confirmation dialog, and
// operation detail view.
//
// # Description
//
// The package is pure presentation. It consumes the query engine's
// normalized records, invokes the kill coordinator, and reflects the
// results; all protocol logic lives in services/opsmanager/mongodb.
// Refreshes are sequence-stamped so a late result from a superseded
// refresh is discarded instead of overwriting a newer snapshot.
//
// # Thread Safety
//
// TUI components are designed for single-threaded use within the
// bubbletea event loop. Do not access TUI state from multiple
// goroutines.
package tui

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/closeops/mongoops/pkg/logging"
	"github.com/closeops/mongoops/services/opsmanager/mongodb"
)

// =============================================================================
// Core Seam
// =============================================================================

// Core is the slice of the operation lifecycle controller the TUI
// consumes. *mongodb.Manager satisfies it.
type Core interface {
	ListOperations(ctx context.Context, filters mongodb.FilterSpec) ([]mongodb.Operation, error)
	KillMany(ctx context.Context, opids []string, cfg mongodb.KillConfig) mongodb.KillReport
	IsMongos() bool
	ServerVersion() string
}

// =============================================================================
// Modes
// =============================================================================

// mode determines which surface owns the keyboard.
type mode int

const (
	// modeTable: the operations table has focus.
	modeTable mode = iota

	// modeFilter: a filter input has focus.
	modeFilter

	// modeConfirm: the kill confirmation dialog is up.
	modeConfirm

	// modeDetail: the operation detail view is up.
	modeDetail
)

// Filter input order; mirrors the filter bar layout.
const (
	filterOpID = iota
	filterOperation
	filterNamespace
	filterRunningTime
	filterClient
	filterDesc
	filterUsers
	filterCount
)

// =============================================================================
// Messages
// =============================================================================

// opsLoadedMsg carries one refresh result. Seq identifies the refresh
// request that produced it; stale sequences are discarded.
type opsLoadedMsg struct {
	seq int
	ops []mongodb.Operation
	err error
}

// killDoneMsg carries the aggregated result of one kill batch.
type killDoneMsg struct {
	report mongodb.KillReport
}

// tickMsg drives the auto-refresh cadence.
type tickMsg time.Time

// =============================================================================
// Config
// =============================================================================

// Config configures the TUI.
type Config struct {
	// RefreshInterval is the auto-refresh cadence, clamped by the CLI
	// to [500ms, 60s].
	RefreshInterval time.Duration

	// Kill is the kill protocol configuration passed through to the
	// coordinator.
	Kill mongodb.KillConfig
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		RefreshInterval: 5 * time.Second,
		Kill:            mongodb.DefaultKillConfig(),
	}
}

// =============================================================================
// Model
// =============================================================================

// Model is the bubbletea model for the operations console.
type Model struct {
	core Core
	cfg  Config
	log  *logging.Logger

	// Widgets
	table   table.Model
	filters []textinput.Model
	detail  viewport.Model

	// Current snapshot, replaced wholesale on every refresh.
	ops []mongodb.Operation

	// Selection state, keyed by opid. Cleared on refresh: opids are
	// not stable across snapshots.
	selected map[string]bool

	// Refresh bookkeeping
	refreshSeq  int
	autoRefresh bool
	refreshing  bool

	// Kill bookkeeping: only one batch may be in flight.
	killing     bool
	pendingKill []string

	mode        mode
	filterFocus int
	sortAsc     bool
	notice      string
	noticeIsErr bool

	width  int
	height int
	ready  bool

	quitting bool
}

// New creates the console model.
func New(core Core, cfg Config, log *logging.Logger) Model {
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 5 * time.Second
	}
	if log == nil {
		log = logging.New(logging.Config{Quiet: true})
	}

	inputs := make([]textinput.Model, filterCount)
	placeholders := []string{
		"OpId...", "Operation...", "Namespace...", "Running Time (>=s)...",
		"Client...", "Description...", "Effective Users...",
	}
	for i := range inputs {
		ti := textinput.New()
		ti.Placeholder = placeholders[i]
		ti.CharLimit = 64
		ti.Width = 18
		inputs[i] = ti
	}

	t := table.New(
		table.WithColumns(tableColumns(defaultTableWidth)),
		table.WithFocused(true),
	)
	t.SetStyles(tableStyles())

	return Model{
		core:        core,
		cfg:         cfg,
		log:         log,
		table:       t,
		filters:     inputs,
		selected:    make(map[string]bool),
		autoRefresh: true,
		sortAsc:     true,
		refreshSeq:  1,
		refreshing:  true,
	}
}

// Init implements tea.Model: kick off the first refresh and the
// auto-refresh ticker. New() pre-stamps sequence 1 for this refresh.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.refreshCmd(m.refreshSeq), m.tickCmd())
}

// =============================================================================
// Commands
// =============================================================================

// startRefresh stamps a new refresh sequence and returns the command
// that executes it. Any result still in flight from an earlier
// sequence is superseded and will be discarded on arrival.
func (m *Model) startRefresh() (Model, tea.Cmd) {
	m.refreshSeq++
	m.refreshing = true
	return *m, m.refreshCmd(m.refreshSeq)
}

// refreshCmd executes one sequence-stamped refresh off the event loop.
func (m Model) refreshCmd(seq int) tea.Cmd {
	filters := m.collectFilters()
	core := m.core
	return func() tea.Msg {
		ops, err := core.ListOperations(context.Background(), filters)
		return opsLoadedMsg{seq: seq, ops: ops, err: err}
	}
}

// killCmd runs one kill batch off the event loop.
func (m Model) killCmd(opids []string) tea.Cmd {
	core := m.core
	cfg := m.cfg.Kill
	return func() tea.Msg {
		report := core.KillMany(context.Background(), opids, cfg)
		return killDoneMsg{report: report}
	}
}

func (m Model) tickCmd() tea.Cmd {
	return tea.Tick(m.cfg.RefreshInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// collectFilters snapshots the filter bar into a FilterSpec. Empty
// inputs contribute nothing.
func (m Model) collectFilters() mongodb.FilterSpec {
	get := func(i int) string { return strings.TrimSpace(m.filters[i].Value()) }
	return mongodb.FilterSpec{
		OpID:           get(filterOpID),
		Operation:      get(filterOperation),
		Namespace:      get(filterNamespace),
		RunningTime:    get(filterRunningTime),
		Client:         get(filterClient),
		Desc:           get(filterDesc),
		EffectiveUsers: get(filterUsers),
	}
}

// =============================================================================
// Update
// =============================================================================

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.layout()
		m.ready = true
		return m, nil

	case tickMsg:
		var cmd tea.Cmd
		if m.autoRefresh && !m.killing && m.mode != modeConfirm {
			m, cmd = m.startRefresh()
		}
		return m, tea.Batch(cmd, m.tickCmd())

	case opsLoadedMsg:
		return m.handleOpsLoaded(msg)

	case killDoneMsg:
		return m.handleKillDone(msg)

	case tea.KeyMsg:
		switch m.mode {
		case modeConfirm:
			return m.handleConfirmKey(msg)
		case modeDetail:
			return m.handleDetailKey(msg)
		case modeFilter:
			return m.handleFilterKey(msg)
		default:
			return m.handleTableKey(msg)
		}
	}

	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

func (m Model) handleOpsLoaded(msg opsLoadedMsg) (tea.Model, tea.Cmd) {
	if msg.seq != m.refreshSeq {
		// Superseded refresh: a newer request owns the screen.
		return m, nil
	}
	m.refreshing = false

	if msg.err != nil {
		m.log.Error("refresh failed", "error", msg.err.Error())
		m.setNotice("Error refreshing operations", true)
		return m, nil
	}

	m.ops = msg.ops
	m.selected = make(map[string]bool)
	m.sortOps()
	m.rebuildRows()
	return m, nil
}

func (m Model) handleKillDone(msg killDoneMsg) (tea.Model, tea.Cmd) {
	m.killing = false
	m.pendingKill = nil

	report := msg.report
	var parts []string
	if len(report.Killed) > 0 {
		parts = append(parts, "Killed "+strconv.Itoa(len(report.Killed))+" "+
			plural("operation", len(report.Killed))+": "+strings.Join(report.Killed, ", "))
	}
	if len(report.Failed) > 0 {
		parts = append(parts, "Failed to kill "+strconv.Itoa(len(report.Failed))+" "+
			plural("operation", len(report.Failed))+": "+strings.Join(report.Failed, ", "))
	}
	m.setNotice(strings.Join(parts, " | "), len(report.Failed) > 0)
	m.log.Info("kill batch finished",
		"killed", len(report.Killed), "failed", len(report.Failed))

	// Regardless of outcome, refresh the snapshot.
	next, cmd := m.startRefresh()
	return next, cmd
}

// =============================================================================
// Key Handling
// =============================================================================

func (m Model) handleTableKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		m.quitting = true
		return m, tea.Quit

	case "r":
		next, cmd := m.startRefresh()
		return next, cmd

	case "p":
		m.autoRefresh = !m.autoRefresh
		if m.autoRefresh {
			m.setNotice("Auto-refresh enabled", false)
		} else {
			m.setNotice("Auto-refresh paused", false)
		}
		return m, nil

	case "u":
		count := len(m.selected)
		if count == 0 {
			return m, nil
		}
		m.selected = make(map[string]bool)
		m.rebuildRows()
		m.setNotice("Deselected "+strconv.Itoa(count)+" "+plural("operation", count), false)
		return m, nil

	case "s":
		m.sortAsc = !m.sortAsc
		m.selected = make(map[string]bool)
		m.sortOps()
		m.rebuildRows()
		if m.sortAsc {
			m.setNotice("Sorted by running time (ascending)", false)
		} else {
			m.setNotice("Sorted by running time (descending)", false)
		}
		return m, nil

	case " ":
		if op, ok := m.currentOp(); ok {
			if m.selected[op.OpID] {
				delete(m.selected, op.OpID)
			} else {
				m.selected[op.OpID] = true
			}
			m.rebuildRows()
		}
		return m, nil

	case "enter":
		if _, ok := m.currentOp(); ok {
			m.mode = modeDetail
			m.detail.SetContent(m.renderDetailContent())
			m.detail.GotoTop()
		}
		return m, nil

	case "k":
		if m.killing {
			m.setNotice("A kill batch is already in flight", true)
			return m, nil
		}
		opids := m.selectedOpIDs()
		if len(opids) == 0 {
			m.setNotice("No operations selected", false)
			return m, nil
		}
		m.pendingKill = opids
		m.mode = modeConfirm
		return m, nil

	case "/", "f":
		m.mode = modeFilter
		m.filterFocus = 0
		cmd := m.focusFilter(0)
		return m, cmd

	case "c":
		return m.clearFilters()
	}

	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

func (m Model) handleFilterKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "esc":
		m.filters[m.filterFocus].Blur()
		m.mode = modeTable
		return m, nil

	case "tab":
		m.filters[m.filterFocus].Blur()
		m.filterFocus = (m.filterFocus + 1) % filterCount
		cmd := m.focusFilter(m.filterFocus)
		return m, cmd

	case "shift+tab":
		m.filters[m.filterFocus].Blur()
		m.filterFocus = (m.filterFocus + filterCount - 1) % filterCount
		cmd := m.focusFilter(m.filterFocus)
		return m, cmd

	case "enter":
		m.filters[m.filterFocus].Blur()
		m.mode = modeTable
		next, cmd := m.startRefresh()
		return next, cmd
	}

	before := m.filters[m.filterFocus].Value()
	var cmd tea.Cmd
	m.filters[m.filterFocus], cmd = m.filters[m.filterFocus].Update(msg)

	// Live filtering: a changed input supersedes the running refresh.
	if m.filters[m.filterFocus].Value() != before {
		next, refresh := m.startRefresh()
		return next, tea.Batch(cmd, refresh)
	}
	return m, cmd
}

func (m Model) handleConfirmKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "y", "Y":
		m.mode = modeTable
		m.killing = true
		m.setNotice("Killing "+strconv.Itoa(len(m.pendingKill))+" "+
			plural("operation", len(m.pendingKill))+"...", false)
		return m, m.killCmd(m.pendingKill)

	case "n", "N", "esc", "enter":
		// Default answer is No; enter confirms nothing.
		m.mode = modeTable
		m.pendingKill = nil
		return m, nil
	}
	return m, nil
}

func (m Model) handleDetailKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "esc", "enter":
		m.mode = modeTable
		return m, nil
	}
	var cmd tea.Cmd
	m.detail, cmd = m.detail.Update(msg)
	return m, cmd
}

func (m Model) clearFilters() (tea.Model, tea.Cmd) {
	changed := false
	for i := range m.filters {
		if m.filters[i].Value() != "" {
			m.filters[i].SetValue("")
			changed = true
		}
	}
	if !changed {
		return m, nil
	}
	m.setNotice("Filters cleared", false)
	next, cmd := m.startRefresh()
	return next, cmd
}

func (m *Model) focusFilter(i int) tea.Cmd {
	return m.filters[i].Focus()
}

// =============================================================================
// Snapshot Helpers
// =============================================================================

// currentOp resolves the table cursor to an operation in the snapshot.
func (m Model) currentOp() (mongodb.Operation, bool) {
	idx := m.table.Cursor()
	if idx < 0 || idx >= len(m.ops) {
		return mongodb.Operation{}, false
	}
	return m.ops[idx], true
}

// selectedOpIDs returns the selected ids in snapshot (display) order,
// so batch reports stay stable.
func (m Model) selectedOpIDs() []string {
	var out []string
	for _, op := range m.ops {
		if m.selected[op.OpID] {
			out = append(out, op.OpID)
		}
	}
	return out
}

func (m *Model) sortOps() {
	asc := m.sortAsc
	sort.SliceStable(m.ops, func(i, j int) bool {
		if asc {
			return m.ops[i].SecsRunning < m.ops[j].SecsRunning
		}
		return m.ops[i].SecsRunning > m.ops[j].SecsRunning
	})
}

func (m *Model) setNotice(text string, isErr bool) {
	m.notice = text
	m.noticeIsErr = isErr
}

func plural(word string, n int) string {
	if n == 1 {
		return word
	}
	return word + "s"
}
