package main

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/jkaninda/kazi/internal/gateway/httpapi"
	"github.com/jkaninda/kazi/internal/orchestrator"
)

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show queues, slots and holds of a running scheduler",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "print the raw JSON status")
}

// styles holds the terminal styling for status output.
type styles struct {
	Title   lipgloss.Style
	Section lipgloss.Style
	Label   lipgloss.Style
	Success lipgloss.Style
	Warning lipgloss.Style
	Error   lipgloss.Style
	Muted   lipgloss.Style
}

func defaultStyles() styles {
	return styles{
		Title:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12")),
		Section: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("14")).MarginTop(1),
		Label:   lipgloss.NewStyle().Foreground(lipgloss.Color("240")).Width(16),
		Success: lipgloss.NewStyle().Foreground(lipgloss.Color("10")),
		Warning: lipgloss.NewStyle().Foreground(lipgloss.Color("11")),
		Error:   lipgloss.NewStyle().Foreground(lipgloss.Color("9")),
		Muted:   lipgloss.NewStyle().Foreground(lipgloss.Color("240")),
	}
}

func runStatus(cmd *cobra.Command, _ []string) error {
	ctx, cancel := commandContext()
	defer cancel()

	c := newClient()
	if statusJSON {
		var raw map[string]any
		if err := c.do(ctx, http.MethodGet, "/v1/status", nil, &raw); err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), raw)
	}

	var st orchestrator.Status
	if err := c.do(ctx, http.MethodGet, "/v1/status", nil, &st); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), renderStatus(&st, time.Now()))
	return nil
}

// renderStatus lays out the scheduler status as a terminal report.
func renderStatus(st *orchestrator.Status, now time.Time) string {
	s := defaultStyles()
	sections := []string{
		s.Title.Render("kazi scheduler"),
		row(s, "State", stateStyle(s, st.State).Render(string(st.State))),
		row(s, "Slots", fmt.Sprintf("%d / %d busy", st.Active, st.MaxSlots)),
		row(s, "Queued", fmt.Sprintf("%d", st.TotalQueued)),
		row(s, "AI mode", string(st.AIMode)),
	}
	if st.ActiveResource != "" {
		sections = append(sections, row(s, "Resource", st.ActiveResource))
	}
	if st.BreakerTripped {
		sections = append(sections, row(s, "Breaker", s.Error.Render("open")))
	} else {
		sections = append(sections, row(s, "Breaker", s.Success.Render("closed")))
	}
	if st.State == orchestrator.StateIdle && st.IdleMinutes > 0 {
		sections = append(sections, row(s, "Idle", fmt.Sprintf("%dm", st.IdleMinutes)))
	}

	sections = append(sections, s.Section.Render("Teams"))
	if len(st.Teams) == 0 {
		sections = append(sections, s.Muted.Render("  none"))
	}
	for _, t := range st.Teams {
		line := fmt.Sprintf("  %-14s pending %-3d blocked %-3d active %d/%d",
			t.Team, t.Pending, t.Blocked, t.Active, t.Effective)
		if t.Borrowed > 0 {
			line += s.Warning.Render(fmt.Sprintf("  +%d borrowed", t.Borrowed))
		}
		if t.Lent > 0 {
			line += s.Muted.Render(fmt.Sprintf("  -%d lent", t.Lent))
		}
		sections = append(sections, line)
	}

	if len(st.Slots) > 0 {
		sections = append(sections, s.Section.Render("Running"))
		for _, sl := range st.Slots {
			sections = append(sections, fmt.Sprintf("  %s  %-12s %s  %s",
				shortID(sl.TicketID.String()), sl.Team, truncate(sl.Title, 48),
				s.Muted.Render(now.Sub(sl.StartedAt).Round(time.Second).String())))
		}
	}

	if len(st.Holds) > 0 {
		sections = append(sections, s.Section.Render("Holds"))
		for _, h := range st.Holds {
			left := h.Timeout - now.Sub(h.HeldAt)
			if left < 0 {
				left = 0
			}
			sections = append(sections, fmt.Sprintf("  %s  %-12s on %s  %s",
				shortID(h.TicketID.String()), h.Team, h.Resource,
				s.Muted.Render(left.Round(time.Second).String()+" left")))
		}
	}

	if st.Notepad != "" {
		sections = append(sections, s.Section.Render("Notepad"), "  "+st.Notepad)
	}
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

// renderTicket lays out one ticket with its conversation.
func renderTicket(resp *httpapi.TicketResponse) string {
	s := defaultStyles()
	t := resp.Ticket
	if t == nil {
		return s.Error.Render("ticket not found") + "\n"
	}
	sections := []string{
		s.Title.Render(fmt.Sprintf("#%d %s", t.SeqNum, t.Title)),
		row(s, "ID", t.ID.String()),
		row(s, "Status", string(t.Status)),
		row(s, "Priority", string(t.Priority)),
		row(s, "Team", string(t.AssignedTeam)),
		row(s, "Operation", string(t.OperationType)),
	}
	if t.Stage != "" {
		sections = append(sections, row(s, "Stage", t.Stage))
	}
	if t.TreeRoute != "" {
		sections = append(sections, row(s, "Route", t.TreeRoute))
	}
	if t.VerificationRetries > 0 || t.ErrorRetries > 0 {
		sections = append(sections, row(s, "Retries",
			fmt.Sprintf("%d verification, %d error", t.VerificationRetries, t.ErrorRetries)))
	}
	if t.LastError != "" {
		sections = append(sections, row(s, "Last error", s.Error.Render(t.LastError)))
	}
	if t.Body != "" {
		sections = append(sections, "", t.Body)
	}

	if len(resp.Replies) > 0 {
		sections = append(sections, s.Section.Render("Replies"))
		for _, r := range resp.Replies {
			sections = append(sections,
				s.Muted.Render(r.CreatedAt.Format(time.DateTime)+"  "+r.Author),
				"  "+strings.ReplaceAll(strings.TrimSpace(r.Body), "\n", "\n  "))
		}
	}
	if len(resp.Notes) > 0 {
		sections = append(sections, s.Section.Render("Diagnostic notes"))
		for _, n := range resp.Notes {
			sections = append(sections, s.Warning.Render(n.Author)+"  "+n.Note)
			for _, a := range n.SuggestedActions {
				sections = append(sections, "  - "+a)
			}
		}
	}
	return lipgloss.JoinVertical(lipgloss.Left, sections...) + "\n"
}

// renderApprovals lays out approval requests one per line.
func renderApprovals(reqs []httpapi.ApprovalResponse) string {
	s := defaultStyles()
	if len(reqs) == 0 {
		return s.Muted.Render("no approvals") + "\n"
	}
	lines := make([]string, 0, len(reqs))
	for _, r := range reqs {
		lines = append(lines, fmt.Sprintf("%s  %-8s %s  %s  %s",
			r.ID, r.Kind, shortID(r.TicketID), r.Status, truncate(r.Reason, 60)))
	}
	return lipgloss.JoinVertical(lipgloss.Left, lines...) + "\n"
}

func row(s styles, label, value string) string {
	return lipgloss.JoinHorizontal(lipgloss.Top, s.Label.Render(label), value)
}

func stateStyle(s styles, st orchestrator.State) lipgloss.Style {
	switch st {
	case orchestrator.StateActive:
		return s.Success
	case orchestrator.StateWaiting:
		return s.Warning
	default:
		return s.Muted
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
