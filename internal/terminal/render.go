// Package terminal renders the synchronized state for the CLI.
package terminal

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/shopspring/decimal"

	"github.com/vadiminshakov/cambio/internal/domain"
	"github.com/vadiminshakov/cambio/internal/expiry"
	"github.com/vadiminshakov/cambio/internal/ledger"
)

var (
	subtle    = lipgloss.AdaptiveColor{Light: "#D9DCCF", Dark: "#383838"}
	highlight = lipgloss.AdaptiveColor{Light: "#874BFD", Dark: "#7D56F4"}
	special   = lipgloss.AdaptiveColor{Light: "#43BF6D", Dark: "#73F59F"}
	warning   = lipgloss.AdaptiveColor{Light: "#D98E04", Dark: "#F2B134"}
	muted     = lipgloss.AdaptiveColor{Light: "#9C9C9C", Dark: "#6C6C6C"}

	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("205")).
			Background(highlight).
			Padding(0, 1).
			Bold(true)

	cellStyle  = lipgloss.NewStyle().PaddingRight(2)
	boxStyle   = lipgloss.NewStyle().Border(lipgloss.NormalBorder()).BorderForeground(subtle).Padding(0, 1)
	errorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)

	statusStyles = map[domain.Status]lipgloss.Style{
		domain.StatusPending:    lipgloss.NewStyle().Foreground(warning),
		domain.StatusInProgress: lipgloss.NewStyle().Foreground(highlight),
		domain.StatusCompleted:  lipgloss.NewStyle().Foreground(special),
		domain.StatusCancelled:  lipgloss.NewStyle().Foreground(muted),
		domain.StatusExpired:    lipgloss.NewStyle().Foreground(muted),
	}
)

// RemainingFunc reports the countdown of a pending operation, if one runs.
type RemainingFunc func(op domain.Operation) (expiry.Remaining, bool)

// FormatRemaining renders a countdown as mm:ss.
func FormatRemaining(r expiry.Remaining) string {
	if r.Expired {
		return string(domain.StatusExpired)
	}
	return fmt.Sprintf("%02d:%02d", r.Minutes, r.Seconds)
}

// Operations renders the operation list, one row per operation.
func Operations(ops []domain.Operation, remaining RemainingFunc) string {
	if len(ops) == 0 {
		return lipgloss.NewStyle().Foreground(muted).Render("No operations yet")
	}

	header := []string{"CODE", "TYPE", "USD", "PEN", "RATE", "STATUS", "DEPOSIT", "TIME LEFT"}
	rows := [][]string{header}
	for _, op := range ops {
		amount, currency := op.ExpectedDeposit()
		left := ""
		if op.Status == domain.StatusPending && remaining != nil {
			if r, ok := remaining(op); ok {
				left = FormatRemaining(r)
			}
		}
		rows = append(rows, []string{
			op.Code,
			string(op.Type),
			op.AmountUSD.StringFixed(2),
			op.AmountPEN.StringFixed(2),
			op.ExchangeRate.StringFixed(3),
			string(op.Status),
			amount.StringFixed(2) + " " + currency,
			left,
		})
	}

	return table(rows, func(row, col int, cell string) string {
		if row == 0 {
			return lipgloss.NewStyle().Bold(true).Render(cell)
		}
		if col == 5 {
			return statusStyle(domain.Status(cell)).Render(cell)
		}
		return cell
	})
}

// Detail renders one operation with its deposits and countdown.
func Detail(op domain.Operation, r expiry.Remaining, counting bool) string {
	amount, currency := op.ExpectedDeposit()

	var b strings.Builder
	fmt.Fprintf(&b, "%s  %s\n", headerStyle.Render(op.Code), statusStyle(op.Status).Render(string(op.Status)))
	fmt.Fprintf(&b, "%s %s USD at %s = %s PEN\n",
		op.Type, op.AmountUSD.StringFixed(2), op.ExchangeRate.StringFixed(3), op.AmountPEN.StringFixed(2))
	fmt.Fprintf(&b, "Deposit %s %s\n", amount.StringFixed(2), currency)
	if counting {
		fmt.Fprintf(&b, "Time left %s\n", lipgloss.NewStyle().Foreground(warning).Bold(true).Render(FormatRemaining(r)))
	}
	if op.CompletedAt != nil {
		fmt.Fprintf(&b, "Completed %s\n", op.CompletedAt.Local().Format("2006-01-02 15:04"))
	}

	if len(op.ClientDeposits) > 0 {
		b.WriteString("\nDeposits\n")
		for _, d := range op.ClientDeposits {
			fmt.Fprintf(&b, "  #%d  %s  %s\n", d.Index, d.Amount.StringFixed(2), d.ReferenceCode)
		}
		fmt.Fprintf(&b, "  Deposited %s / %s %s\n", op.DepositedTotal().StringFixed(2), amount.StringFixed(2), currency)
	}
	if n := len(op.OperatorProofs); n > 0 {
		fmt.Fprintf(&b, "\nOperator proofs: %d\n", n)
	}
	for _, inv := range op.Invoices {
		fmt.Fprintf(&b, "Invoice %s %s\n", inv.Number, inv.URL)
	}

	return boxStyle.Render(strings.TrimRight(b.String(), "\n"))
}

// Rates renders the rate board.
func Rates(r domain.Rates) string {
	return boxStyle.Render(fmt.Sprintf("Compra %s   Venta %s", r.Compra.StringFixed(3), r.Venta.StringFixed(3)))
}

// Staged renders the staged deposits against the expected total.
func Staged(entries []ledger.Entry, total, expected decimal.Decimal, currency string) string {
	rows := [][]string{{"#", "AMOUNT", "REFERENCE", "IMAGE"}}
	for i, e := range entries {
		rows = append(rows, []string{fmt.Sprint(i), e.Amount.StringFixed(2), e.ReferenceCode, e.ImagePath})
	}
	out := table(rows, nil)
	line := fmt.Sprintf("Total %s / %s %s", total.StringFixed(2), expected.StringFixed(2), currency)
	if total.Sub(expected).Abs().GreaterThan(ledger.Tolerance) {
		return out + "\n" + errorStyle.Render(line)
	}
	return out + "\n" + lipgloss.NewStyle().Foreground(special).Render(line)
}

// Uploads renders journal records.
func Uploads(records []ledger.UploadRecord) string {
	if len(records) == 0 {
		return lipgloss.NewStyle().Foreground(special).Render("Nothing to resubmit")
	}
	rows := [][]string{{"OPERATION", "INDEX", "AMOUNT", "REFERENCE", "STATUS", "ERROR"}}
	for _, r := range records {
		rows = append(rows, []string{
			r.OperationCode,
			fmt.Sprint(r.DepositIndex),
			r.Amount.StringFixed(2),
			r.ReferenceCode,
			string(r.Status),
			r.Error,
		})
	}
	return table(rows, func(row, col int, cell string) string {
		if row > 0 && col == 4 && cell == string(ledger.UploadFailed) {
			return errorStyle.Render(cell)
		}
		return cell
	})
}

// Error renders an error line.
func Error(err error) string {
	return errorStyle.Render(err.Error())
}

func statusStyle(s domain.Status) lipgloss.Style {
	if st, ok := statusStyles[s]; ok {
		return st
	}
	return lipgloss.NewStyle()
}

// table pads columns to their widest cell; decorate may style a cell after padding is computed.
func table(rows [][]string, decorate func(row, col int, cell string) string) string {
	widths := make([]int, 0)
	for _, row := range rows {
		for i, cell := range row {
			if i >= len(widths) {
				widths = append(widths, 0)
			}
			if w := lipgloss.Width(cell); w > widths[i] {
				widths[i] = w
			}
		}
	}

	lines := make([]string, 0, len(rows))
	for r, row := range rows {
		cells := make([]string, 0, len(row))
		for c, cell := range row {
			styled := cell
			if decorate != nil {
				styled = decorate(r, c, cell)
			}
			cells = append(cells, cellStyle.Width(widths[c]+2).Render(styled))
		}
		lines = append(lines, strings.TrimRight(lipgloss.JoinHorizontal(lipgloss.Top, cells...), " "))
	}
	return strings.Join(lines, "\n")
}
