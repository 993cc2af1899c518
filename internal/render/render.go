package render

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"ir-orchestrator/internal/analytics"
	"ir-orchestrator/internal/model"
)

// Table renders rows under a bold header with columns padded to their
// widest cell.
func Table(headers []string, rows [][]string) string {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range rows {
		for i := 0; i < len(row) && i < len(widths); i++ {
			if w := lipgloss.Width(row[i]); w > widths[i] {
				widths[i] = w
			}
		}
	}

	line := func(cells []string, style lipgloss.Style) string {
		parts := make([]string, len(widths))
		for i := range widths {
			cell := ""
			if i < len(cells) {
				cell = cells[i]
			}
			parts[i] = style.Width(widths[i] + 2).Render(cell)
		}
		return strings.TrimRight(lipgloss.JoinHorizontal(lipgloss.Top, parts...), " ")
	}

	var b strings.Builder
	b.WriteString(line(headers, TableHeader))
	b.WriteString("\n")
	for _, row := range rows {
		b.WriteString(line(row, lipgloss.NewStyle()))
		b.WriteString("\n")
	}
	return b.String()
}

// Plan renders a generated plan.
func Plan(ic model.IncidentContext, plan []model.ResponseActionConfig) string {
	var b strings.Builder
	b.WriteString(Title.Render(fmt.Sprintf("Plan for %s (%s, %s)", ic.IncidentID, ic.ThreatType, ic.Severity)))
	b.WriteString("\n")
	if len(plan) == 0 {
		b.WriteString(StatusError.Render("no viable plan: no registered tool can perform an applicable action"))
		b.WriteString("\n")
		return b.String()
	}

	rows := make([][]string, len(plan))
	for i, a := range plan {
		approval := ""
		if a.RequiresApproval {
			approval = "yes"
		}
		rows[i] = []string{
			fmt.Sprint(i + 1),
			fmt.Sprint(a.Tier),
			string(a.Kind),
			a.ToolID,
			targets(a),
			a.Timeout.String(),
			fmt.Sprint(a.RetryCount),
			fmt.Sprintf("%.2f", a.RiskScore),
			approval,
		}
	}
	b.WriteString(Table([]string{"#", "TIER", "ACTION", "TOOL", "TARGETS", "TIMEOUT", "RETRIES", "RISK", "APPROVAL"}, rows))
	return b.String()
}

func targets(a model.ResponseActionConfig) string {
	switch v := a.Parameters["targets"].(type) {
	case []string:
		return strings.Join(v, ",")
	case []any:
		parts := make([]string, len(v))
		for i, p := range v {
			parts[i] = fmt.Sprint(p)
		}
		return strings.Join(parts, ",")
	}
	return ""
}

// Tools renders the registry contents.
func Tools(list []model.SecurityTool) string {
	rows := make([][]string, len(list))
	for i, t := range list {
		state := StatusOK.Render("enabled")
		if !t.Enabled {
			state = StatusError.Render("disabled")
		}
		kinds := make([]string, len(t.Actions))
		for j, k := range t.Actions {
			kinds[j] = string(k)
		}
		rows[i] = []string{t.ID, string(t.Category), state, fmt.Sprint(t.Priority), t.Endpoint, strings.Join(kinds, ",")}
	}
	return Table([]string{"ID", "CATEGORY", "STATE", "PRIORITY", "ENDPOINT", "ACTIONS"}, rows)
}

func statusStyle(s model.ResponseStatus) lipgloss.Style {
	switch s {
	case model.StatusContained, model.StatusResolved:
		return StatusOK
	case model.StatusResponding, model.StatusAnalyzing:
		return StatusWarning
	case model.StatusClosed:
		return Muted
	default:
		return StatusError
	}
}

// Response renders one response with its executions.
func Response(r *model.IncidentResponse, now time.Time) string {
	var b strings.Builder
	b.WriteString(Title.Render(fmt.Sprintf("Incident %s", r.IncidentID)))
	b.WriteString("\n")
	fmt.Fprintf(&b, "status:      %s\n", statusStyle(r.Status).Render(string(r.Status)))
	fmt.Fprintf(&b, "severity:    %s\n", r.Severity)
	fmt.Fprintf(&b, "detected:    %s\n", humanize.RelTime(r.Context.DetectionTime, now, "ago", "from now"))
	if r.ContainmentTime != nil {
		fmt.Fprintf(&b, "contained:   after %s\n", r.ContainmentTime.Round(time.Millisecond))
	}
	if r.SLAViolated {
		b.WriteString(StatusError.Render("SLA violated"))
		b.WriteString("\n")
	}
	if r.EffectivenessScore != nil {
		fmt.Fprintf(&b, "score:       %.2f\n", *r.EffectivenessScore)
	}
	if n := r.EscalationRounds(); n > 0 {
		fmt.Fprintf(&b, "escalations: %d\n", n)
	}

	rows := make([][]string, len(r.Executions))
	for i, ex := range r.Executions {
		rows[i] = []string{
			fmt.Sprint(ex.Round),
			string(ex.Action.Kind),
			ex.Action.ToolID,
			string(ex.Status),
			fmt.Sprint(ex.Attempts),
			ex.Elapsed.Round(time.Millisecond).String(),
			ex.Error,
		}
	}
	b.WriteString("\n")
	b.WriteString(Table([]string{"ROUND", "ACTION", "TOOL", "STATUS", "ATTEMPTS", "ELAPSED", "ERROR"}, rows))
	return b.String()
}

func card(label, value string) string {
	return MetricCard.Render(lipgloss.JoinVertical(lipgloss.Left,
		MetricValue.Render(value),
		MetricLabel.Render(label),
	))
}

func percent(v float64) string {
	return humanize.FtoaWithDigits(v*100, 1) + "%"
}

// Analytics renders aggregate metrics as cards followed by rate tables.
func Analytics(a analytics.Analytics) string {
	var b strings.Builder
	title := "Response analytics"
	if a.TenantID != "" {
		title += " for " + a.TenantID
	}
	b.WriteString(Title.Render(title))
	b.WriteString("\n")

	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top,
		card("incidents", humanize.Comma(int64(a.TotalIncidents))),
		card("containment rate", percent(a.ContainmentRate)),
		card("fast containment", percent(a.FastContainmentRate)),
	))
	b.WriteString("\n")
	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top,
		card("avg containment", msString(a.AvgContainmentTimeMs)),
		card("p95 containment", msString(a.P95ContainmentTimeMs)),
		card("SLA violations", humanize.Comma(int64(a.SLAViolations))),
	))
	b.WriteString("\n\n")

	tools := make([]string, 0, len(a.ToolSuccessRate))
	for id := range a.ToolSuccessRate {
		tools = append(tools, id)
	}
	sort.Strings(tools)
	rows := make([][]string, 0, len(tools))
	for _, id := range tools {
		st := a.ToolSuccessRate[id]
		rows = append(rows, []string{id, fmt.Sprint(st.Attempts), fmt.Sprint(st.Succeeded), percent(st.Rate)})
	}
	b.WriteString(Table([]string{"TOOL", "ATTEMPTS", "SUCCEEDED", "RATE"}, rows))
	return b.String()
}

func msString(ms float64) string {
	return (time.Duration(ms) * time.Millisecond).Round(time.Millisecond).String()
}
