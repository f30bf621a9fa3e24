// Package console formats batch CLI output with ANSI colours.
package console

import (
	"fmt"
	"io"
	"strings"

	"github.com/opensource-finance/cardguard/internal/domain"
)

// Severity selects the highlight colour.
type Severity int

const (
	Info Severity = iota
	Warn
	Fraud
)

const reset = "\033[0m"

var colours = map[Severity]string{
	Info:  "\033[34m",
	Warn:  "\033[33m",
	Fraud: "\033[31m",
}

// Enabled turns colouring on. The batch CLI clears it when stdout is not a terminal.
var Enabled = true

// Highlight wraps text in the colour for severity.
func Highlight(severity Severity, text string) string {
	c, ok := colours[severity]
	if !Enabled || !ok {
		return text
	}
	return c + text + reset
}

// SeverityOf maps a disposition to the colour it is reported in.
func SeverityOf(d domain.Disposition) Severity {
	switch d {
	case domain.DispositionFraud:
		return Fraud
	case domain.DispositionUndetermined:
		return Warn
	default:
		return Info
	}
}

// PrintResult writes a one-line summary of res, followed by its reasons.
func PrintResult(w io.Writer, res *domain.EvaluationResult) {
	fmt.Fprintf(w, "Transaction %s: %s (score %d, %s)\n",
		Highlight(Info, res.TxID),
		Highlight(SeverityOf(res.Disposition), string(res.Disposition)),
		res.Score,
		res.Outcome,
	)
	for _, r := range res.Reasons {
		fmt.Fprintf(w, "  - %s\n", Highlight(Fraud, r))
	}
	if res.Note != "" {
		fmt.Fprintf(w, "  note: %s\n", Highlight(Warn, res.Note))
	}
}

// PrintTransactions writes a table of transactions.
func PrintTransactions(w io.Writer, txs []*domain.Transaction) {
	if len(txs) == 0 {
		fmt.Fprintln(w, Highlight(Warn, "no transactions"))
		return
	}
	for _, tx := range txs {
		fmt.Fprintf(w, "%-34s %-12s %10s  %-18s %s\n",
			tx.ID,
			tx.CustomerID,
			"$"+tx.Amount.StringFixed(2),
			tx.Category,
			Highlight(SeverityOf(tx.Disposition), string(tx.Disposition)),
		)
		if len(tx.FraudReasons) > 0 {
			fmt.Fprintf(w, "  %s\n", strings.Join(tx.FraudReasons, "; "))
		}
	}
}
