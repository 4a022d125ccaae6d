package results

import (
	"fmt"
	"io"
	"strings"

	"github.com/jung-kurt/gofpdf"
)

// WritePDF renders r as a single-page A4 readiness report.
func WritePDF(w io.Writer, r Report) error {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetTitle("Diagnostic readiness report", true)
	pdf.AddPage()

	pdf.SetFont("Arial", "B", 16)
	pdf.Cell(0, 10, "Diagnostic readiness report")
	pdf.Ln(14)

	pdf.SetFont("Arial", "", 11)
	lines := []string{
		fmt.Sprintf("Session: %s", r.SessionID),
		fmt.Sprintf("Status: %s", statusLine(r)),
		fmt.Sprintf("Questions answered: %d (correct %d, accuracy %.0f%%)", r.QuestionsAnswered, r.CorrectAnswers, 100*r.Accuracy),
		fmt.Sprintf("Ability: %.2f (se %.2f), percentile %.0f", r.Ability, r.AbilitySE, r.Percentile),
		fmt.Sprintf("Readiness: %.0f%% (target ability %.2f)", r.Readiness, r.TargetTheta),
	}
	if r.LowReliabilityItems > 0 {
		lines = append(lines, fmt.Sprintf("Low-reliability items answered: %d", r.LowReliabilityItems))
	}
	for _, l := range lines {
		pdf.Cell(0, 7, l)
		pdf.Ln(7)
	}

	pdf.Ln(4)
	pdf.SetFont("Arial", "B", 12)
	pdf.Cell(0, 8, "Domains")
	pdf.Ln(9)

	if len(r.Domains) == 0 {
		pdf.SetFont("Arial", "I", 11)
		pdf.Cell(0, 7, "No responses recorded.")
		pdf.Ln(7)
	} else {
		widths := []float64{60, 25, 25, 25, 30}
		pdf.SetFont("Arial", "B", 10)
		for i, h := range []string{"Domain", "Items", "Correct", "Ability", "Accuracy"} {
			pdf.CellFormat(widths[i], 7, h, "1", 0, "C", false, 0, "")
		}
		pdf.Ln(-1)

		pdf.SetFont("Arial", "", 10)
		for _, d := range r.Domains {
			ability, accuracy := "-", "-"
			if d.HasData {
				ability = fmt.Sprintf("%.2f", d.Ability)
				accuracy = fmt.Sprintf("%.0f%%", 100*d.Accuracy)
			}
			pdf.CellFormat(widths[0], 7, d.Domain, "1", 0, "L", false, 0, "")
			pdf.CellFormat(widths[1], 7, fmt.Sprint(d.Count), "1", 0, "C", false, 0, "")
			pdf.CellFormat(widths[2], 7, fmt.Sprint(d.Correct), "1", 0, "C", false, 0, "")
			pdf.CellFormat(widths[3], 7, ability, "1", 0, "C", false, 0, "")
			pdf.CellFormat(widths[4], 7, accuracy, "1", 0, "C", false, 0, "")
			pdf.Ln(-1)
		}
	}

	pdf.Ln(4)
	pdf.SetFont("Arial", "", 11)
	pdf.MultiCell(0, 7, "Strong: "+listOrNone(r.StrongDomains), "", "L", false)
	pdf.MultiCell(0, 7, "Needs work: "+listOrNone(r.WeakDomains), "", "L", false)

	if err := pdf.Output(w); err != nil {
		return fmt.Errorf("render report pdf: %w", err)
	}
	return nil
}

func statusLine(r Report) string {
	if r.TerminationReason == "" {
		return string(r.Status)
	}
	return fmt.Sprintf("%s (%s)", r.Status, r.TerminationReason)
}

func listOrNone(names []string) string {
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, ", ")
}
