package cmd

import (
	"testing"
	"time"

	"github.com/andresmejia3/rollcall/internal/gallery"
	"github.com/andresmejia3/rollcall/internal/types"
)

func TestDirectoryRows(t *testing.T) {
	created := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	g, _ := gallery.New([]types.EnrolledTemplate{
		{IdentityID: "1", Name: "Ada", Descriptors: [][]float32{{1, 0}, {0.9, 0.1}}},
		{IdentityID: "3", Name: "Grace", Descriptors: [][]float32{{0, 1}}},
	}, 1)

	rows := directoryRows([]types.Identity{
		{ID: "1", Name: "Ada", CreatedAt: created},
		{ID: "2", Name: "Linus", CreatedAt: created},
	}, g)
	if len(rows) != 3 {
		t.Fatalf("Expected 3 rows, got %+v", rows)
	}
	if rows[0].Descriptors != 2 || rows[1].Descriptors != 0 {
		t.Errorf("Unexpected descriptor counts %+v", rows)
	}
	if rows[2].ID != "3" || rows[2].Created != "-" {
		t.Errorf("Expected the gallery-only identity last, got %+v", rows[2])
	}
}
