package adagan

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gorgonia.org/tensor"
)

// Metrics Consumer of sampled points during training. Implementations produce
// visual artifacts as a side effect; the trainers ignore everything but the
// error.
type Metrics interface {
	MakePlots(opts *Config, step int, real, fake *tensor.Dense, prefix string) error
}

// NopMetrics Discards every plot request.
type NopMetrics struct{}

func (NopMetrics) MakePlots(opts *Config, step int, real, fake *tensor.Dense, prefix string) error {
	return nil
}

// PlotMetrics Writes plot files under Dir: scatter charts for 2-D point
// clouds, grayscale tile grids for image samples.
type PlotMetrics struct {
	Dir string
}

func (m *PlotMetrics) MakePlots(opts *Config, step int, real, fake *tensor.Dense, prefix string) error {
	if fake == nil {
		return errors.New("Can't plot: no generated sample")
	}
	if err := os.MkdirAll(m.Dir, 0755); err != nil {
		return errors.Wrap(err, "Can't create plot directory")
	}
	fname := filepath.Join(m.Dir, fmt.Sprintf("%s%d.png", prefix, step))
	if fake.Dims() == 2 && fake.Shape()[1] == 2 {
		return plotScatter(real, fake, fname)
	}
	if fake.Dims() == 4 {
		return plotTiles(fake, opts.InputNormalizeSym, fname)
	}
	return errors.Errorf("Can't plot sample of shape %v", fake.Shape())
}

// plotScatter renders real (if present) and generated 2-D points on one chart.
func plotScatter(real, fake *tensor.Dense, fname string) error {
	p := plot.New()
	p.X.Label.Text = "X"
	p.Y.Label.Text = "Y"
	if real != nil {
		scatter, err := scatterFromPoints(real)
		if err != nil {
			return errors.Wrap(err, "Can't build scatter for real points")
		}
		scatter.GlyphStyle.Color = color.RGBA{B: 255, A: 255}
		p.Add(scatter)
		p.Legend.Add("real", scatter)
	}
	scatter, err := scatterFromPoints(fake)
	if err != nil {
		return errors.Wrap(err, "Can't build scatter for generated points")
	}
	scatter.GlyphStyle.Color = color.RGBA{R: 255, B: 128, A: 255}
	p.Add(scatter)
	p.Legend.Add("generated", scatter)
	return p.Save(8*vg.Inch, 8*vg.Inch, fname)
}

func scatterFromPoints(points *tensor.Dense) (*plotter.Scatter, error) {
	if points.Dims() != 2 || points.Shape()[1] != 2 {
		return nil, errors.Errorf("points must have shape (n, 2), got %v", points.Shape())
	}
	data, ok := points.Data().([]float64)
	if !ok {
		return nil, errors.Errorf("points must have float64 backing, got %v", points.Dtype())
	}
	xys := make(plotter.XYs, points.Shape()[0])
	for i := range xys {
		xys[i].X = data[2*i]
		xys[i].Y = data[2*i+1]
	}
	return plotter.NewScatter(xys)
}

// plotTiles lays out up to 16 generated images on a 4-wide grayscale grid.
// Multi-channel images are averaged down to one channel; symmetric pixel
// values are shifted from [-1, 1] back to [0, 1].
func plotTiles(fake *tensor.Dense, symmetric bool, fname string) error {
	shape := fake.Shape()
	num, height, width, channels := shape[0], shape[1], shape[2], shape[3]
	if num > 16 {
		num = 16
	}
	cols := 4
	if num < cols {
		cols = num
	}
	rows := (num + cols - 1) / cols
	data, ok := fake.Data().([]float64)
	if !ok {
		return errors.Errorf("sample must have float64 backing, got %v", fake.Dtype())
	}

	img := image.NewGray(image.Rect(0, 0, cols*width, rows*height))
	pointSize := height * width * channels
	for n := 0; n < num; n++ {
		offsetX := (n % cols) * width
		offsetY := (n / cols) * height
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				v := 0.0
				for c := 0; c < channels; c++ {
					v += data[n*pointSize+(y*width+x)*channels+c]
				}
				v /= float64(channels)
				if symmetric {
					v = (v + 1) / 2
				}
				if v < 0 {
					v = 0
				}
				if v > 1 {
					v = 1
				}
				img.SetGray(offsetX+x, offsetY+y, color.Gray{Y: uint8(v * 255)})
			}
		}
	}

	f, err := os.Create(fname)
	if err != nil {
		return errors.Wrap(err, "Can't create plot file")
	}
	defer f.Close()
	return png.Encode(f, img)
}
