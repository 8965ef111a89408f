package cmd

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/png" // enrollment photos may be PNG
	"os"
	"text/tabwriter"
	"time"

	"github.com/andresmejia3/rollcall/internal/capture"
	confirmpkg "github.com/andresmejia3/rollcall/internal/confirm"
	"github.com/andresmejia3/rollcall/internal/gallery"
	"github.com/andresmejia3/rollcall/internal/overlay"
	"github.com/andresmejia3/rollcall/internal/recognition"
	"github.com/andresmejia3/rollcall/internal/types"
	"github.com/andresmejia3/rollcall/internal/utils"
	"github.com/andresmejia3/rollcall/internal/worker"
	"github.com/spf13/cobra"
)

// IdentifyOptions are the flags of the identify command.
type IdentifyOptions struct {
	Threshold float64
	Margin    float64
	OutPath   string
}

var identifyOpts IdentifyOptions

var identifyCmd = &cobra.Command{
	Use:   "identify <image_path>",
	Short: "Recognize the faces in one image against the enrolled gallery",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runIdentify(cmd.Context(), args[0], identifyOpts)
	},
}

func init() {
	identifyCmd.Flags().Float64VarP(&identifyOpts.Threshold, "threshold", "t", 0, "Maximum cosine distance to accept a match (default: recognition.accept_threshold)")
	identifyCmd.Flags().Float64Var(&identifyOpts.Margin, "margin", -1, "Minimum distance gap to the runner-up identity (default: recognition.margin)")
	identifyCmd.Flags().StringVarP(&identifyOpts.OutPath, "out", "o", "", "Write the annotated image to this path")
	rootCmd.AddCommand(identifyCmd)
}

// loadImageFrame reads a JPEG or PNG file into a frame the model worker accepts.
func loadImageFrame(path string, maxWidth int) (types.Frame, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return types.Frame{}, err
	}
	src, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return types.Frame{}, fmt.Errorf("decode %s: %w", path, err)
	}
	img, scaled := capture.Downscale(src, maxWidth)
	if scaled || format != "jpeg" {
		if data, err = overlay.Encode(img, 95); err != nil {
			return types.Frame{}, err
		}
	}
	return types.Frame{Timestamp: time.Now(), Image: img, JPEG: data}, nil
}

func runIdentify(ctx context.Context, imagePath string, opts IdentifyOptions) error {
	if _, err := os.Stat(imagePath); os.IsNotExist(err) {
		utils.ShowError("Input file does not exist", err, nil)
		return err
	}

	matcher := recognition.Matcher{
		AcceptThreshold: Cfg.Recognition.AcceptThreshold,
		Margin:          Cfg.Recognition.Margin,
	}
	if opts.Threshold > 0 {
		matcher.AcceptThreshold = opts.Threshold
	}
	if opts.Margin >= 0 {
		matcher.Margin = opts.Margin
	}

	src, err := gallerySource(Cfg)
	if err != nil {
		utils.ShowError("Failed to open gallery", err, nil)
		return err
	}
	g := gallery.NewLoader(src, newLogger()).Load(ctx)
	if g.Len() == 0 {
		fmt.Fprintln(os.Stderr, "⚠️  The gallery is empty. Run 'rollcall enroll' first.")
	}

	frame, err := loadImageFrame(imagePath, Cfg.Capture.MaxWidth)
	if err != nil {
		utils.ShowError("Failed to read image file", err, nil)
		return err
	}

	fmt.Fprintln(os.Stderr, "🚀 Starting AI Engine...")
	w, err := worker.NewPythonWorker(ctx, 0, workerConfig(Cfg))
	if err != nil {
		utils.ShowError("Failed to start AI worker", err, nil)
		return err
	}
	defer w.Close()

	fmt.Fprintln(os.Stderr, "🔍 Analyzing faces...")
	eng := recognition.NewEngine(sidecar{w}, sidecar{w}, matcher, newLogger())
	candidates, err := eng.Recognize(ctx, frame, g)
	if err != nil {
		utils.ShowError("AI processing failed", err, w.Cmd)
		return err
	}

	if len(candidates) == 0 {
		fmt.Println("❌ No faces detected in the provided image.")
		return nil
	}

	wOut := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(wOut, "FACE\tBOX\tIDENTITY\tDISTANCE\tRUNNER-UP\tRESULT")
	fmt.Fprintln(wOut, "----\t---\t--------\t--------\t---------\t------")
	for i, c := range candidates {
		who := "-"
		if c.Accepted() {
			who = fmt.Sprintf("%s (%s)", c.Name, c.IdentityID)
		}
		fmt.Fprintf(wOut, "%d\t%dx%d+%d+%d\t%s\t%.3f\t%s\t%s\n",
			i+1, c.Region.W, c.Region.H, c.Region.X, c.Region.Y,
			who, c.Distance, fmtRunner(c.Runner), c.Reason)
	}
	wOut.Flush()

	if opts.OutPath != "" {
		// Every accepted face is drawn as confirmed: one image has no temporal context
		img := frame.Image
		anns := overlay.Annotations(candidates, confirmpkg.Observation{})
		for i := range anns {
			if !anns[i].Unknown {
				anns[i].Label = candidates[i].Name
				anns[i].Color = overlay.ColorConfirmed
			}
		}
		overlay.Draw(img, anns, overlay.Options{})
		data, err := overlay.Encode(img, 90)
		if err == nil {
			err = os.WriteFile(opts.OutPath, data, 0o644)
		}
		if err != nil {
			utils.ShowError("Failed to write annotated image", err, nil)
			return err
		}
		fmt.Fprintf(os.Stderr, "🖼️  Annotated image written to %s\n", opts.OutPath)
	}
	return nil
}

func fmtRunner(d float64) string {
	if d >= 2 {
		return "-"
	}
	return fmt.Sprintf("%.3f", d)
}

// sidecar adapts a single worker process to the recognition interfaces.
// One-shot commands have nothing to restart, so no supervisor is needed.
type sidecar struct {
	w *worker.PythonWorker
}

func (s sidecar) DetectFaces(ctx context.Context, frame types.Frame) ([]types.Region, error) {
	return s.w.Detect(frame)
}

func (s sidecar) ExtractDescriptor(ctx context.Context, frame types.Frame, region types.Region) ([]float32, error) {
	return s.w.Extract(frame, region)
}

// largestRegion returns the biggest face box; ok is false when there are none.
func largestRegion(regions []types.Region) (best types.Region, ok bool) {
	for _, r := range regions {
		if !ok || r.Area() > best.Area() {
			best, ok = r, true
		}
	}
	return best, ok
}
