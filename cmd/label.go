package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/andresmejia3/rollcall/internal/gallery"
	"github.com/andresmejia3/rollcall/internal/store"
	"github.com/andresmejia3/rollcall/internal/utils"
	"github.com/spf13/cobra"
)

var labelCmd = &cobra.Command{
	Use:   "label <identity_id> <name>",
	Short: "Rename an enrolled identity",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		runLabel(cmd.Context(), args[0], args[1])
	},
}

func init() {
	rootCmd.AddCommand(labelCmd)
}

// ErrUnknownIdentity is returned when neither the directory nor the gallery knows the id.
var ErrUnknownIdentity = errors.New("unknown identity")

func runLabel(ctx context.Context, id, name string) {
	if name == "" {
		utils.Die("Invalid name", errors.New("name must not be empty"), nil)
	}

	found := false
	if DB != nil {
		err := DB.RenameIdentity(ctx, id, name)
		switch {
		case err == nil:
			found = true
		case errors.Is(err, store.ErrNotFound):
		default:
			utils.Die("Failed to label identity", err, nil)
		}
	}

	// The file gallery carries names too; running engines pick the rename up on their next poll
	if Cfg.Gallery.Backend == "file" {
		renamed, err := renameInGalleryFile(ctx, gallery.NewFileSource(Cfg.Gallery.Path), id, name)
		if err != nil {
			utils.Die("Failed to update gallery file", err, nil)
		}
		found = found || renamed
	}

	if !found {
		utils.Die("Failed to label identity", fmt.Errorf("%w: %s", ErrUnknownIdentity, id), nil)
	}
	fmt.Printf("✅ Identity %s labeled as '%s'\n", id, name)
}

// renameInGalleryFile rewrites the gallery file with the new name. It reports whether
// the identity was enrolled there.
func renameInGalleryFile(ctx context.Context, src *gallery.FileSource, id, name string) (bool, error) {
	templates, _, err := src.Load(ctx)
	if err != nil {
		return false, err
	}
	for i := range templates {
		if templates[i].IdentityID == id {
			templates[i].Name = name
			return true, src.Save(templates)
		}
	}
	return false, nil
}
