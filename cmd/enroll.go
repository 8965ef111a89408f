package cmd

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/andresmejia3/rollcall/internal/gallery"
	"github.com/andresmejia3/rollcall/internal/store"
	"github.com/andresmejia3/rollcall/internal/types"
	"github.com/andresmejia3/rollcall/internal/utils"
	"github.com/andresmejia3/rollcall/internal/worker"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

var enrollReplace bool

var enrollCmd = &cobra.Command{
	Use:   "enroll <images_dir>",
	Short: "Build the gallery from photos named ID_Name[_suffix].jpg",
	Long: "Detects the largest face in every photo, extracts its descriptor and stores one template per identity.\n" +
		"Identities found in the directory replace their earlier templates; others are kept unless --replace is set.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runEnroll(cmd.Context(), args[0], enrollReplace)
	},
}

func init() {
	enrollCmd.Flags().BoolVar(&enrollReplace, "replace", false, "Drop every identity not present in the directory (file gallery only)")
	rootCmd.AddCommand(enrollCmd)
}

// enrollPhoto is one input image and the identity its name declares.
type enrollPhoto struct {
	Path string
	ID   string
	Name string
}

// collectPhotos walks dir for image files named after an identity. Files that do not
// follow the naming scheme are returned separately.
func collectPhotos(dir string) (photos []enrollPhoto, skipped []string, err error) {
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !utils.IsImageFile(path) {
			return nil
		}
		id, name, ok := utils.ParseIdentityFilename(path)
		if !ok {
			skipped = append(skipped, path)
			return nil
		}
		photos = append(photos, enrollPhoto{Path: path, ID: id, Name: name})
		return nil
	})
	return photos, skipped, err
}

// buildTemplates groups descriptors per identity, in identity order. The name of the
// first photo of an identity wins.
func buildTemplates(photos []enrollPhoto, descriptors map[string][][]float32) ([]types.EnrolledTemplate, []error) {
	names := make(map[string]string)
	var ids []string
	for _, p := range photos {
		if _, ok := names[p.ID]; !ok {
			names[p.ID] = p.Name
			ids = append(ids, p.ID)
		}
	}
	sort.Strings(ids)

	var (
		out  []types.EnrolledTemplate
		errs []error
	)
	for _, id := range ids {
		t, err := types.NewEnrolledTemplate(id, names[id], descriptors[id])
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, t)
	}
	return out, errs
}

// mergeTemplates replaces the identities present in fresh and keeps the rest of existing.
func mergeTemplates(existing, fresh []types.EnrolledTemplate) []types.EnrolledTemplate {
	seen := make(map[string]bool, len(fresh))
	for _, t := range fresh {
		seen[t.IdentityID] = true
	}
	out := make([]types.EnrolledTemplate, 0, len(existing)+len(fresh))
	for _, t := range existing {
		if !seen[t.IdentityID] {
			out = append(out, t)
		}
	}
	out = append(out, fresh...)
	sort.Slice(out, func(i, j int) bool { return out[i].IdentityID < out[j].IdentityID })
	return out
}

func runEnroll(ctx context.Context, dir string, replace bool) error {
	photos, skipped, err := collectPhotos(dir)
	if err != nil {
		utils.ShowError("Failed to read images directory", err, nil)
		return err
	}
	for _, path := range skipped {
		fmt.Fprintf(os.Stderr, "⚠️  Skipping %s: name must look like ID_Name.jpg\n", filepath.Base(path))
	}
	if len(photos) == 0 {
		err := fmt.Errorf("no enrollable photos in %s", dir)
		utils.ShowError("Nothing to enroll", err, nil)
		return err
	}

	fmt.Fprintln(os.Stderr, "🚀 Starting AI Engine...")
	w, err := worker.NewPythonWorker(ctx, 0, workerConfig(Cfg))
	if err != nil {
		utils.ShowError("Failed to start AI worker", err, nil)
		return err
	}
	defer w.Close()

	bar := progressbar.NewOptions(len(photos),
		progressbar.OptionSetDescription("🧑 Enrolling"),
		progressbar.OptionSetWriter(os.Stderr), // Write bar to Stderr
		progressbar.OptionShowCount(),
	)

	descriptors := make(map[string][][]float32)
	var noFace, failed int
	for _, p := range photos {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		desc, err := describePhoto(w, p.Path)
		switch {
		case errors.Is(err, errNoFace):
			noFace++
		case err != nil:
			failed++
			fmt.Fprintf(os.Stderr, "\n⚠️  %s: %v\n", filepath.Base(p.Path), err)
			var remote *worker.RemoteError
			if !errors.As(err, &remote) && !errors.Is(err, errDecode) {
				// The sidecar itself is gone; no point continuing
				bar.Finish()
				utils.ShowError("AI worker failed", err, w.Cmd)
				return err
			}
		default:
			descriptors[p.ID] = append(descriptors[p.ID], desc)
		}
		bar.Add(1)
	}
	bar.Finish()

	templates, errs := buildTemplates(photos, descriptors)
	for _, err := range errs {
		fmt.Fprintf(os.Stderr, "⚠️  Not enrolled: %v\n", err)
	}
	if len(templates) == 0 {
		err := errors.New("no identity produced a usable descriptor")
		utils.ShowError("Enrollment failed", err, nil)
		return err
	}

	if err := saveTemplates(ctx, templates, replace); err != nil {
		utils.ShowError("Failed to save gallery", err, nil)
		return err
	}

	if DB != nil {
		for _, t := range templates {
			if err := DB.UpsertIdentity(ctx, t.IdentityID, t.Name); err != nil {
				fmt.Fprintf(os.Stderr, "⚠️  Identity directory not updated: %v\n", err)
				break
			}
		}
	}

	fmt.Fprintln(os.Stderr, "\n==================================================")
	fmt.Fprintf(os.Stderr, "✅ Enrolled %d identities from %d photos\n", len(templates), len(photos))
	if noFace > 0 {
		fmt.Fprintf(os.Stderr, "   %d photos had no detectable face\n", noFace)
	}
	if failed > 0 {
		fmt.Fprintf(os.Stderr, "   %d photos failed\n", failed)
	}
	fmt.Fprintln(os.Stderr, "==================================================")
	return nil
}

var (
	errNoFace = errors.New("no face detected")
	errDecode = errors.New("unreadable image")
)

// describePhoto returns the descriptor of the largest face in the photo.
func describePhoto(w *worker.PythonWorker, path string) ([]float32, error) {
	frame, err := loadImageFrame(path, Cfg.Capture.MaxWidth)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errDecode, err)
	}
	regions, err := w.Detect(frame)
	if err != nil {
		return nil, err
	}
	face, ok := largestRegion(regions)
	if !ok {
		return nil, errNoFace
	}
	return w.Extract(frame, face)
}

// saveTemplates writes the templates to the configured gallery backend.
func saveTemplates(ctx context.Context, templates []types.EnrolledTemplate, replace bool) error {
	if Cfg.Gallery.Backend == "postgres" {
		b, err := requireDB().Get(ctx)
		if err != nil {
			return err
		}
		s, ok := b.(*store.Store)
		if !ok {
			return fmt.Errorf("gallery backend postgres needs a postgres database, got %T", b)
		}
		if replace {
			fmt.Fprintln(os.Stderr, "⚠️  --replace is ignored for the postgres gallery; use 'rollcall reset --db'")
		}
		return s.ReplaceTemplates(ctx, templates)
	}

	fsrc := gallery.NewFileSource(Cfg.Gallery.Path)
	if !replace {
		existing, _, err := fsrc.Load(ctx)
		switch {
		case err == nil:
			templates = mergeTemplates(existing, templates)
		case errors.Is(err, fs.ErrNotExist):
		default:
			return fmt.Errorf("existing gallery unreadable, rerun with --replace: %w", err)
		}
	}
	return fsrc.Save(templates)
}
