package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/andresmejia3/rollcall/internal/attendance"
	"github.com/andresmejia3/rollcall/internal/gallery"
	"github.com/andresmejia3/rollcall/internal/types"
	"github.com/andresmejia3/rollcall/internal/utils"
	"github.com/spf13/cobra"
	"github.com/xuri/excelize/v2"
)

// ReportOptions are the flags of the report command.
type ReportOptions struct {
	Date     string
	Status   string
	XLSXPath string
}

var reportOpts ReportOptions

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Show the attendance of one day, including absent identities",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runReport(cmd.Context(), reportOpts)
	},
}

func init() {
	reportCmd.Flags().StringVarP(&reportOpts.Date, "date", "d", "", "Day to report, YYYY-MM-DD (default: today)")
	reportCmd.Flags().StringVarP(&reportOpts.Status, "status", "s", "", "Only show Present, Late or Absent")
	reportCmd.Flags().StringVar(&reportOpts.XLSXPath, "xlsx", "", "Also export the report to this .xlsx file")
	rootCmd.AddCommand(reportCmd)
}

// reportHeaders are the spreadsheet columns, in order.
var reportHeaders = []string{"ID", "Name", "Status", "First In", "Last Seen", "Work Hours", "Break Hours"}

func runReport(ctx context.Context, opts ReportOptions) error {
	policy, err := policyFor(Cfg)
	if err != nil {
		utils.ShowError("Invalid attendance settings", err, nil)
		return err
	}

	date := opts.Date
	if date == "" {
		date = policy.DateKey(time.Now())
	} else if _, err := time.Parse(types.DateLayout, date); err != nil {
		utils.ShowError("Invalid --date", err, nil)
		return err
	}

	var status types.Status
	if opts.Status != "" {
		if status, err = types.ParseStatus(opts.Status); err != nil {
			utils.ShowError("Invalid --status", err, nil)
			return err
		}
	}

	db := requireDB()
	entries, err := db.AttendanceForDate(ctx, date)
	if err != nil {
		utils.ShowError("Failed to read attendance", err, nil)
		return err
	}
	identities, err := db.ListIdentities(ctx)
	if err != nil {
		utils.ShowError("Failed to list identities", err, nil)
		return err
	}

	var g *gallery.Gallery
	if src, err := gallerySource(Cfg); err == nil {
		g = gallery.NewLoader(src, newLogger()).Load(ctx)
	}

	rows, summary := attendance.DeriveDaily(reportRoster(identities, g), entries)
	rows = attendance.FilterRows(rows, status)

	loc := policy.Location
	if loc == nil {
		loc = time.Local
	}
	printReport(os.Stdout, date, rows, summary, loc)

	if opts.XLSXPath != "" {
		if err := writeReportXLSX(opts.XLSXPath, date, rows, loc); err != nil {
			utils.ShowError("Failed to export report", err, nil)
			return err
		}
		fmt.Fprintf(os.Stderr, "📄 Report exported to %s\n", opts.XLSXPath)
	}
	return nil
}

// reportRoster is everyone expected at work: the identity directory plus any enrolled
// identity the directory does not know yet.
func reportRoster(identities []types.Identity, g *gallery.Gallery) []types.Identity {
	roster := append([]types.Identity(nil), identities...)
	known := make(map[string]bool, len(identities))
	for _, id := range identities {
		known[id.ID] = true
	}
	if g == nil {
		return roster
	}
	for _, t := range g.Templates {
		if !known[t.IdentityID] {
			roster = append(roster, types.Identity{ID: t.IdentityID, Name: t.Name})
		}
	}
	return roster
}

func fmtClock(t time.Time, loc *time.Location) string {
	if t.IsZero() {
		return "-"
	}
	return t.In(loc).Format("15:04:05")
}

func printReport(out io.Writer, date string, rows []attendance.DailyRow, summary attendance.Summary, loc *time.Location) {
	fmt.Fprintf(out, "📅 Attendance for %s\n", date)
	fmt.Fprintln(out, "==================================================")
	fmt.Fprintf(out, "👥 Total: %d   ✅ Present: %d   ⏰ Late: %d   ❌ Absent: %d\n",
		summary.Total, summary.Present, summary.Late, summary.Absent)
	fmt.Fprintln(out, "==================================================")

	if len(rows) == 0 {
		fmt.Fprintln(out, "No matching rows.")
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSTATUS\tFIRST IN\tLAST SEEN\tWORK\tBREAK")
	fmt.Fprintln(w, "--\t----\t------\t--------\t---------\t----\t-----")
	for _, r := range rows {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.IdentityID, r.Name, r.Status,
			fmtClock(r.FirstIn, loc), fmtClock(r.LastSeen, loc),
			utils.FmtHours(r.WorkSeconds), utils.FmtHours(r.BreakSeconds))
	}
	w.Flush()
}

// writeReportXLSX writes the rows to a new workbook, one sheet named after the date.
func writeReportXLSX(path, date string, rows []attendance.DailyRow, loc *time.Location) error {
	f := excelize.NewFile()
	defer func() {
		if err := f.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "⚠️  Failed to close workbook: %v\n", err)
		}
	}()

	sheet := f.GetSheetName(f.GetActiveSheetIndex())
	if err := f.SetSheetName(sheet, date); err != nil {
		return fmt.Errorf("failed to name sheet: %w", err)
	}
	sheet = date

	for i, h := range reportHeaders {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		if err := f.SetCellValue(sheet, cell, h); err != nil {
			return fmt.Errorf("failed to set header: %w", err)
		}
	}

	for n, r := range rows {
		values := []any{
			r.IdentityID,
			r.Name,
			string(r.Status),
			fmtClock(r.FirstIn, loc),
			fmtClock(r.LastSeen, loc),
			roundHours(r.WorkSeconds),
			roundHours(r.BreakSeconds),
		}
		for i, v := range values {
			cell, _ := excelize.CoordinatesToCellName(i+1, n+2)
			if err := f.SetCellValue(sheet, cell, v); err != nil {
				return fmt.Errorf("failed to set cell value: %w", err)
			}
		}
	}

	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("failed to save file: %w", err)
	}
	return nil
}

// roundHours converts seconds to hours with two decimals.
func roundHours(seconds float64) float64 {
	return float64(int64(seconds/36+0.5)) / 100
}
