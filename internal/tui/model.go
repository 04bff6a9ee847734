// Package tui renders a live view of one identity's bookings, offer and
// connection in the terminal.
package tui

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/homefix/bookingsync/internal/booking"
	"github.com/homefix/bookingsync/internal/events"
	"github.com/homefix/bookingsync/internal/lifecycle"
	"github.com/homefix/bookingsync/internal/realtime"
)

const (
	maxToasts     = 4
	actionTimeout = 15 * time.Second
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	labelStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	panelStyle   = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	offerStyle   = panelStyle.BorderForeground(lipgloss.Color("11"))
	okStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	errStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	helpStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("8")).Italic(true)
	spinnerStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
)

// Actions are the commands bound to keys. A nil action is not offered.
type Actions struct {
	AcceptOffer   func(ctx context.Context) error
	RejectOffer   func(ctx context.Context) error
	Advance       func(ctx context.Context) error
	RespondCharge func(ctx context.Context, approve bool) error
}

type actionDoneMsg struct {
	name string
	err  error
}

type tickMsg time.Time

// Model is the bubbletea model of the watcher.
type Model struct {
	identity events.Identity
	actions  Actions
	msgs     <-chan tea.Msg
	now      func() time.Time

	conn     realtime.State
	bookings map[string]booking.Record
	offer    *booking.JobOffer
	toasts   []lifecycle.Toast
	nav      *lifecycle.Navigation
	status   string
	spinner  spinner.Model
	width    int
}

// New creates a model fed by msgs, normally the channel returned by Bridge.
func New(identity events.Identity, msgs <-chan tea.Msg, actions Actions) Model {
	return Model{
		identity: identity,
		actions:  actions,
		msgs:     msgs,
		now:      time.Now,
		bookings: make(map[string]booking.Record),
		spinner:  spinner.New(spinner.WithSpinner(spinner.Dot), spinner.WithStyle(spinnerStyle)),
	}
}

func tick() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return tea.Batch(listen(m.msgs), m.spinner.Tick, tick())
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case tickMsg:
		// Redraws the offer countdown.
		return m, tick()

	case actionDoneMsg:
		if msg.err != nil {
			m.status = fmt.Sprintf("%s failed: %v", msg.name, msg.err)
		} else {
			m.status = msg.name + " sent"
		}
		return m, nil

	case connMsg:
		m.conn = msg.state
	case bookingMsg:
		m.bookings[msg.rec.ID] = msg.rec
	case forgottenMsg:
		delete(m.bookings, msg.id)
	case offerMsg:
		m.offer = msg.offer
	case toastMsg:
		m.toasts = append(m.toasts, msg.toast)
		if len(m.toasts) > maxToasts {
			m.toasts = m.toasts[len(m.toasts)-maxToasts:]
		}
	case navMsg:
		n := msg.nav
		m.nav = &n
	default:
		return m, nil
	}
	return m, listen(m.msgs)
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		return m, tea.Quit
	case "y":
		if m.offer != nil {
			return m, run("accept offer", m.actions.AcceptOffer)
		}
	case "n":
		if m.offer != nil {
			return m, run("reject offer", m.actions.RejectOffer)
		}
	case "s":
		return m, run("advance status", m.actions.Advance)
	case "a", "r":
		if fn := m.actions.RespondCharge; fn != nil {
			approve := msg.String() == "a"
			name := "reject charge"
			if approve {
				name = "approve charge"
			}
			return m, run(name, func(ctx context.Context) error { return fn(ctx, approve) })
		}
	}
	return m, nil
}

func run(name string, fn func(ctx context.Context) error) tea.Cmd {
	if fn == nil {
		return nil
	}
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
		defer cancel()
		return actionDoneMsg{name: name, err: fn(ctx)}
	}
}

// View implements tea.Model.
func (m Model) View() string {
	var b strings.Builder

	header := titleStyle.Render("bookingsync") + "  " + labelStyle.Render(m.identity.Room())
	b.WriteString(header + "  " + m.connView() + "\n\n")

	if m.offer != nil {
		b.WriteString(offerStyle.Render(m.offerView()) + "\n")
	}

	ids := make([]string, 0, len(m.bookings))
	for id := range m.bookings {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	if len(ids) == 0 {
		b.WriteString(labelStyle.Render("no bookings yet") + "\n")
	}
	panel := panelStyle
	if m.width > 4 {
		panel = panel.Width(m.width - 4)
	}
	for _, id := range ids {
		b.WriteString(panel.Render(m.bookingView(m.bookings[id])) + "\n")
	}

	if m.nav != nil {
		line := fmt.Sprintf("→ %s", m.nav.Route)
		if m.nav.BookingID != "" {
			line += " (" + m.nav.BookingID + ")"
		}
		b.WriteString(warnStyle.Render(line) + "\n")
	}
	for _, t := range m.toasts {
		b.WriteString(toastView(t) + "\n")
	}
	if m.status != "" {
		b.WriteString(labelStyle.Render(m.status) + "\n")
	}
	b.WriteString("\n" + helpStyle.Render(m.help()))
	return b.String()
}

func (m Model) connView() string {
	switch m.conn {
	case realtime.StateConnected:
		return okStyle.Render("● connected")
	case realtime.StateConnecting, realtime.StateReconnecting:
		return m.spinner.View() + warnStyle.Render(m.conn.String())
	default:
		return errStyle.Render("○ " + m.conn.String())
	}
}

func (m Model) offerView() string {
	o := m.offer
	remaining := o.ExpiresAt.Sub(m.now()).Round(time.Second)
	if remaining < 0 {
		remaining = 0
	}
	lines := []string{
		titleStyle.Render("New job offer") + "  " + warnStyle.Render(remaining.String()),
		fmt.Sprintf("%s  %s", o.BookingID, o.ServiceName),
		fmt.Sprintf("%s %.2f  %s %.1f km", labelStyle.Render("earn"), o.Earnings, labelStyle.Render("distance"), o.Distance),
	}
	if o.Address != "" {
		lines = append(lines, o.Address)
	}
	return strings.Join(lines, "\n")
}

func (m Model) bookingView(rec booking.Record) string {
	lines := []string{
		titleStyle.Render(rec.ID) + "  " + statusStyle(rec.Status).Render(string(rec.Status)),
	}
	if rec.ServiceName != "" {
		lines = append(lines, rec.ServiceName)
	}
	if t := rec.Technician; t != nil && m.identity.Role != events.RoleTechnician {
		tech := labelStyle.Render("technician ") + t.Name
		if t.VehicleNumber != "" {
			tech += " (" + t.VehicleNumber + ")"
		}
		lines = append(lines, tech)
	}
	if rec.Meta.OTP != "" && m.identity.Role == events.RoleCustomer {
		lines = append(lines, labelStyle.Render("otp ")+rec.Meta.OTP)
	}
	lines = append(lines, fmt.Sprintf("%s %.2f  %s %.2f  %s %.2f",
		labelStyle.Render("base"), rec.Pricing.Base,
		labelStyle.Render("extras"), rec.Pricing.Extras,
		labelStyle.Render("total"), rec.Pricing.Total))
	for _, c := range rec.ExtraCharges {
		lines = append(lines, fmt.Sprintf("  + %s %.2f [%s]", c.Title, c.Amount, c.Status))
	}
	if rec.CancelReason != "" {
		lines = append(lines, errStyle.Render(rec.CancelReason))
	}
	return strings.Join(lines, "\n")
}

func statusStyle(s booking.Status) lipgloss.Style {
	switch {
	case s == booking.StatusPaid || s == booking.StatusCompleted:
		return okStyle
	case s.IsSideBranch():
		return errStyle
	default:
		return warnStyle
	}
}

func toastView(t lifecycle.Toast) string {
	text := t.Title
	if t.Message != "" {
		text += ": " + t.Message
	}
	switch t.Level {
	case lifecycle.ToastSuccess:
		return okStyle.Render("✓ " + text)
	case lifecycle.ToastWarn:
		return warnStyle.Render("! " + text)
	case lifecycle.ToastError:
		return errStyle.Render("✗ " + text)
	default:
		return "· " + text
	}
}

func (m Model) help() string {
	keys := []string{"q quit"}
	if m.offer != nil && m.actions.AcceptOffer != nil {
		keys = append(keys, "y accept", "n reject")
	}
	if m.actions.Advance != nil {
		keys = append(keys, "s next status")
	}
	if m.actions.RespondCharge != nil {
		keys = append(keys, "a approve charge", "r reject charge")
	}
	return strings.Join(keys, " · ")
}
