package attendance

import (
	"sort"
	"time"

	"github.com/andresmejia3/rollcall/internal/types"
)

// DailyRow is one line of a day report.
type DailyRow struct {
	IdentityID   string       `json:"identity_id"`
	Name         string       `json:"name"`
	Status       types.Status `json:"status"`
	FirstIn      time.Time    `json:"first_in"` // zero when absent
	LastSeen     time.Time    `json:"last_seen"`
	WorkSeconds  float64      `json:"work_seconds"`
	BreakSeconds float64      `json:"break_seconds"` // time between first-in and last-seen not counted as work
}

// Summary counts a day report.
type Summary struct {
	Total   int `json:"total"`
	Present int `json:"present"` // includes late arrivals
	Late    int `json:"late"`
	Absent  int `json:"absent"`
}

// DeriveDaily joins the roster with the day's entries. Roster members without an entry
// are Absent; entries for identities missing from the roster are still listed.
func DeriveDaily(roster []types.Identity, entries []types.AttendanceEntry) ([]DailyRow, Summary) {
	byID := make(map[string]types.AttendanceEntry, len(entries))
	for _, e := range entries {
		byID[e.IdentityID] = e
	}

	rows := make([]DailyRow, 0, len(roster)+len(entries))
	seen := make(map[string]bool, len(roster))
	for _, who := range roster {
		seen[who.ID] = true
		e, ok := byID[who.ID]
		if !ok {
			rows = append(rows, DailyRow{IdentityID: who.ID, Name: who.Name, Status: types.StatusAbsent})
			continue
		}
		rows = append(rows, rowFor(e, who.Name))
	}
	for _, e := range entries {
		if !seen[e.IdentityID] {
			rows = append(rows, rowFor(e, e.IdentityID))
		}
	}

	sort.SliceStable(rows, func(i, j int) bool { return rows[i].IdentityID < rows[j].IdentityID })

	var sum Summary
	sum.Total = len(rows)
	for _, r := range rows {
		switch r.Status {
		case types.StatusAbsent:
			sum.Absent++
		case types.StatusLate:
			sum.Late++
			sum.Present++
		default:
			sum.Present++
		}
	}
	return rows, sum
}

func rowFor(e types.AttendanceEntry, name string) DailyRow {
	span := e.LastSeen.Sub(e.FirstIn).Seconds()
	brk := span - e.TotalWorkSeconds
	if brk < 0 {
		brk = 0
	}
	return DailyRow{
		IdentityID:   e.IdentityID,
		Name:         name,
		Status:       e.Status,
		FirstIn:      e.FirstIn,
		LastSeen:     e.LastSeen,
		WorkSeconds:  e.TotalWorkSeconds,
		BreakSeconds: brk,
	}
}

// FilterRows keeps rows with the given status. An empty status keeps everything.
func FilterRows(rows []DailyRow, status types.Status) []DailyRow {
	if status == "" {
		return rows
	}
	var out []DailyRow
	for _, r := range rows {
		if r.Status == status {
			out = append(out, r)
		}
	}
	return out
}
