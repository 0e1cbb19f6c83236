package main

import (
	"flag"
	"math/rand"

	"adagan"

	"gorgonia.org/tensor"
	"k8s.io/klog/v2"
)

var (
	outputFolder = flag.String("out", "./output", "directory for plot artifacts")
	numImages    = flag.Int("images", 512, "number of training images")
	imageSize    = flag.Int("size", 16, "image height/width, must be divisible by 4")
	unrolled     = flag.Bool("unrolled", false, "train the unrolled variant")
	steps        = flag.Int("unrolling-steps", 3, "discriminator steps the generator looks ahead")
)

// randomRectangles renders filled axis-aligned rectangles on a dark
// background: single-channel images with obvious structure for a quick demo.
func randomRectangles(num, size int, rnd *rand.Rand) *tensor.Dense {
	data := make([]float64, num*size*size)
	for n := 0; n < num; n++ {
		x0, y0 := rnd.Intn(size/2), rnd.Intn(size/2)
		w, h := 2+rnd.Intn(size/2-1), 2+rnd.Intn(size/2-1)
		for y := y0; y < y0+h && y < size; y++ {
			for x := x0; x < x0+w && x < size; x++ {
				data[n*size*size+y*size+x] = 1.0
			}
		}
	}
	return tensor.New(tensor.WithShape(num, size, size, 1), tensor.WithBacking(data))
}

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	rnd := rand.New(rand.NewSource(1337))
	data, err := adagan.NewDataset(randomRectangles(*numImages, *imageSize, rnd))
	if err != nil {
		panic(err)
	}

	cfg := adagan.DefaultConfig()
	cfg.BatchSize = 32
	cfg.LatentSpaceDim = 16
	cfg.GNumFilters = 16
	cfg.DNumFilters = 16
	cfg.GanEpochNum = 20
	cfg.PlotEvery = 50
	cfg.UnrollingSteps = *steps
	cfg.Verbose = true
	cfg.Seed = 1337
	cfg.WorkDir = *outputFolder

	var model adagan.Model
	if *unrolled {
		model, err = adagan.NewUnrolledGan(cfg, data, nil, nil)
	} else {
		model, err = adagan.NewImageGan(cfg, data, nil, nil)
	}
	if err != nil {
		panic(err)
	}
	defer model.Close()

	if err := model.Train(cfg); err != nil {
		panic(err)
	}

	sample, err := model.Sample(cfg, 16)
	if err != nil {
		panic(err)
	}
	metrics := &adagan.PlotMetrics{Dir: *outputFolder}
	if err := metrics.MakePlots(cfg, 0, nil, sample, "final_"); err != nil {
		panic(err)
	}
}
