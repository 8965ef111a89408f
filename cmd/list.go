package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/andresmejia3/rollcall/internal/gallery"
	"github.com/andresmejia3/rollcall/internal/types"
	"github.com/andresmejia3/rollcall/internal/utils"
	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List all known identities and their enrolled descriptors",
	Run: func(cmd *cobra.Command, args []string) {
		runList(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(listCmd)
}

// directoryRow is one identity as shown by list.
type directoryRow struct {
	ID          string
	Name        string
	Descriptors int
	Created     string
}

// directoryRows joins the identity directory with the gallery. Identities enrolled in the
// gallery but missing from the directory are listed too.
func directoryRows(identities []types.Identity, g *gallery.Gallery) []directoryRow {
	counts := make(map[string]int)
	for _, t := range g.Templates {
		counts[t.IdentityID] = len(t.Descriptors)
	}

	rows := make([]directoryRow, 0, len(identities))
	listed := make(map[string]bool)
	for _, id := range identities {
		listed[id.ID] = true
		rows = append(rows, directoryRow{
			ID:          id.ID,
			Name:        id.Name,
			Descriptors: counts[id.ID],
			Created:     id.CreatedAt.Local().Format("2006-01-02 15:04"),
		})
	}
	for _, t := range g.Templates {
		if !listed[t.IdentityID] {
			rows = append(rows, directoryRow{ID: t.IdentityID, Name: t.Name, Descriptors: len(t.Descriptors), Created: "-"})
		}
	}
	return rows
}

func runList(ctx context.Context) {
	var identities []types.Identity
	if DB != nil {
		var err error
		identities, err = DB.ListIdentities(ctx)
		if err != nil {
			utils.Die("Failed to list identities", err, nil)
		}
	}

	src, err := gallerySource(Cfg)
	if err != nil {
		utils.Die("Failed to open gallery", err, nil)
	}
	g := gallery.NewLoader(src, newLogger()).Load(ctx)

	rows := directoryRows(identities, g)
	if len(rows) == 0 {
		fmt.Println("No identities found.")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tDESCRIPTORS\tCREATED")
	fmt.Fprintln(w, "--\t----\t-----------\t-------")

	for _, r := range rows {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", r.ID, r.Name, r.Descriptors, r.Created)
	}
	w.Flush()
}
