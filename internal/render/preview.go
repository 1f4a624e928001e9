// Package render draws probe preview images using fogleman/gg.
package render

import (
	"bytes"
	"errors"
	"fmt"
	"image/color"
	"image/png"
	"math"
	"sync"

	"github.com/fogleman/gg"
	"github.com/probebake/server/internal/bake"
	"github.com/probebake/server/pkg/colormap"
)

// ErrUnknownMode is returned for an unsupported preview mode.
var ErrUnknownMode = errors.New("render: unknown preview mode")

// Mode selects the quantity a preview colours probes by.
type Mode string

const (
	ModeValidity Mode = "validity"
	ModeL0       Mode = "l0"
)

// ParseMode validates a mode name. The empty string selects validity.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModeValidity:
		return ModeValidity, nil
	case ModeL0:
		return ModeL0, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownMode, s)
}

// Config contains renderer configuration.
type Config struct {
	Size     int
	Colormap string
}

// SliceOptions selects which probes a preview shows.
type SliceOptions struct {
	Mode Mode
	// Y, when set, keeps only probes within Thickness/2 of that height.
	Y         *float32
	Thickness float32
}

// PreviewRenderer renders top-down probe maps of baked assets.
type PreviewRenderer struct {
	config      Config
	contextPool sync.Pool
	bufferPool  sync.Pool
	colormap    colormap.Colormap
}

// NewPreviewRenderer creates a renderer. Unknown colormaps fall back to viridis.
func NewPreviewRenderer(cfg Config) *PreviewRenderer {
	if cfg.Size <= 0 {
		cfg.Size = 512
	}
	cmap, ok := colormap.ByName(cfg.Colormap)
	if !ok {
		cmap = colormap.Viridis
	}
	return &PreviewRenderer{
		config: cfg,
		contextPool: sync.Pool{
			New: func() interface{} {
				return gg.NewContext(cfg.Size, cfg.Size)
			},
		},
		bufferPool: sync.Pool{
			New: func() interface{} {
				return bytes.NewBuffer(make([]byte, 0, 64*1024))
			},
		},
		colormap: cmap,
	}
}

type sample struct {
	x, z  float64
	value float64
}

// RenderSlice projects the selected probes of asset onto the XZ plane and
// returns a PNG.
func (r *PreviewRenderer) RenderSlice(asset *bake.Asset, opts SliceOptions) ([]byte, error) {
	mode, err := ParseMode(string(opts.Mode))
	if err != nil {
		return nil, err
	}
	samples, spacing := r.collect(asset, mode, opts)

	dc := r.contextPool.Get().(*gg.Context)
	defer r.contextPool.Put(dc)

	dc.SetColor(color.RGBA{24, 24, 27, 255})
	dc.Clear()
	if len(samples) == 0 {
		return r.encodeContext(dc)
	}

	minX, maxX := math.Inf(1), math.Inf(-1)
	minZ, maxZ := math.Inf(1), math.Inf(-1)
	for _, s := range samples {
		minX, maxX = math.Min(minX, s.x), math.Max(maxX, s.x)
		minZ, maxZ = math.Min(minZ, s.z), math.Max(maxZ, s.z)
	}
	extent := math.Max(math.Max(maxX-minX, maxZ-minZ), 1e-6)

	size := float64(r.config.Size)
	margin := size * 0.05
	scale := (size - 2*margin) / extent
	radius := math.Max(1, math.Min(spacing*scale*0.4, size/16))

	cmap := r.colormap
	if mode == ModeValidity {
		cmap = colormap.Validity
	}
	for _, s := range samples {
		dc.SetColor(cmap.At(s.value))
		dc.DrawCircle(margin+(s.x-minX)*scale, size-margin-(s.z-minZ)*scale, radius)
		dc.Fill()
	}
	return r.encodeContext(dc)
}

// collect gathers the probes shown by a preview and the smallest probe spacing
// seen along X, which sets the dot size.
func (r *PreviewRenderer) collect(asset *bake.Asset, mode Mode, opts SliceOptions) ([]sample, float64) {
	var samples []sample
	spacing := math.Inf(1)
	maxLum := 0.0

	for ci := range asset.Cells {
		cell := &asset.Cells[ci]
		for i, p := range cell.ProbePositions {
			if opts.Y != nil && math.Abs(float64(p[1]-*opts.Y)) > float64(opts.Thickness)/2 {
				continue
			}
			var v float64
			switch mode {
			case ModeValidity:
				if i < len(cell.Validity) {
					v = float64(cell.Validity[i])
				}
			case ModeL0:
				if i < len(cell.SH) {
					l0 := cell.SH[i].L0()
					v = 0.2126*float64(l0[0]) + 0.7152*float64(l0[1]) + 0.0722*float64(l0[2])
					maxLum = math.Max(maxLum, v)
				}
			}
			samples = append(samples, sample{x: float64(p[0]), z: float64(p[2]), value: v})
			if i > 0 {
				if d := math.Abs(float64(p[0] - cell.ProbePositions[i-1][0])); d > 0 {
					spacing = math.Min(spacing, d)
				}
			}
		}
	}

	if mode == ModeL0 && maxLum > 0 {
		for i := range samples {
			samples[i].value /= maxLum
		}
	}
	if math.IsInf(spacing, 1) {
		spacing = 1
	}
	return samples, spacing
}

func (r *PreviewRenderer) encodeContext(dc *gg.Context) ([]byte, error) {
	buf := r.bufferPool.Get().(*bytes.Buffer)
	defer func() {
		buf.Reset()
		r.bufferPool.Put(buf)
	}()

	encoder := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := encoder.Encode(buf, dc.Image()); err != nil {
		return nil, err
	}

	result := make([]byte, buf.Len())
	copy(result, buf.Bytes())
	return result, nil
}
