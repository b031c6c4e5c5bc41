package dotdb

import (
	"image"
	"image/color"
	"math"

	"golang.org/x/image/draw"
)

// PreviewOptions configures RenderPreview. The zero value renders the
// coarsest level on a dark background.
type PreviewOptions struct {
	// Level selects the pyramid level to rasterize. Negative means the
	// coarsest level that fills the requested size.
	Level int

	// Background fills cells with no density.
	Background color.RGBA
}

// DefaultPreviewOptions returns the standard preview settings.
func DefaultPreviewOptions() PreviewOptions {
	return PreviewOptions{
		Level:      -1,
		Background: color.RGBA{R: 16, G: 16, B: 24, A: 255},
	}
}

// RenderPreview rasterizes one pyramid level into an RGBA heatmap of
// the requested pixel size. This is the CPU fallback picture for
// thumbnails and the CLI; interactive rendering goes through
// PrepareRenderData instead.
func RenderPreview(p *TilePyramid, width, height int, opts PreviewOptions) *image.RGBA {
	if width <= 0 {
		width = 512
	}
	if height <= 0 {
		height = 512
	}
	out := image.NewRGBA(image.Rect(0, 0, width, height))
	if p == nil || len(p.Levels) == 0 {
		fillRGBA(out, opts.Background)
		return out
	}

	level := uint8(opts.Level)
	if opts.Level < 0 {
		level = previewLevel(p, width, height)
	} else if int(level) >= p.Config.Levels {
		level = p.FinestLevel()
	}

	res := int(p.resolution(level))
	src := image.NewRGBA(image.Rect(0, 0, res, res))
	fillRGBA(src, opts.Background)
	for _, cell := range p.LevelCells(level) {
		src.SetRGBA(int(cell.X), int(cell.Y), heatColor(cell.Density, cell.StrandBalance))
	}

	// Nearest-neighbor upscales keep cells crisp; downscales average.
	scaler := draw.Scaler(draw.NearestNeighbor)
	if res > width || res > height {
		scaler = draw.ApproxBiLinear
	}
	scaler.Scale(out, out.Bounds(), src, src.Bounds(), draw.Src, nil)
	return out
}

// previewLevel picks the coarsest level whose grid is at least as fine
// as the output image.
func previewLevel(p *TilePyramid, width, height int) uint8 {
	target := max(width, height)
	for _, lr := range p.Levels {
		if int(p.resolution(lr.Level)) >= target {
			return lr.Level
		}
	}
	return p.FinestLevel()
}

func fillRGBA(img *image.RGBA, c color.RGBA) {
	draw.Draw(img, img.Bounds(), image.NewUniform(c), image.Point{}, draw.Src)
}

// heatColor maps normalized density to a warm ramp, tinted by strand
// balance: forward-dominated cells lean orange, reverse-dominated lean
// blue.
func heatColor(density float32, balance int32) color.RGBA {
	d := math.Min(math.Max(float64(density), 0), 1)
	// Gamma lift so sparse cells stay visible.
	v := math.Pow(d, 0.45)

	r := 40 + 215*v
	g := 40 + 140*v
	b := 60 + 60*v
	if balance < 0 {
		r, b = b, r
	}
	return color.RGBA{
		R: uint8(math.Round(r)),
		G: uint8(math.Round(g)),
		B: uint8(math.Round(b)),
		A: 255,
	}
}
