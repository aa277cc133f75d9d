package ui

import (
	"strconv"

	"charm.land/lipgloss/v2"
	"charm.land/lipgloss/v2/table"

	"github.com/zhubert/nightshift/internal/status"
)

// StatusColumns are the columns of the status table, in order.
var StatusColumns = []string{"ID", "STATE", "FILES", "LAST ACTIVITY"}

const stateColumn = 1

// StatusRow returns the table cells for one summary.
func StatusRow(s status.Summary) []string {
	return []string{s.ID, s.State.String(), strconv.Itoa(s.ChangedFiles), s.Age()}
}

// RenderStatusTable renders summaries as a bordered table. selected is the
// index of a highlighted row, or -1 for none.
func RenderStatusTable(summaries []status.Summary, selected int) string {
	rows := make([][]string, 0, len(summaries))
	for _, s := range summaries {
		rows = append(rows, StatusRow(s))
	}

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(ColorBorder)).
		Headers(StatusColumns...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return TableHeaderStyle
			}
			if row == selected {
				return TableSelectedStyle
			}
			if col == stateColumn && row >= 0 && row < len(summaries) {
				return StateStyle(summaries[row].State).Padding(0, 1)
			}
			return TableCellStyle
		})
	return t.String()
}
