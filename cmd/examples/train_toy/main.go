package main

import (
	"flag"
	"fmt"
	"math"
	"math/rand"

	"adagan"

	"gorgonia.org/tensor"
	"k8s.io/klog/v2"
)

var (
	outputFolder = flag.String("out", "./output", "directory for plot artifacts")
	numPoints    = flag.Int("points", 1024, "number of training points")
	numModes     = flag.Int("modes", 8, "number of Gaussian modes on the ring")
	epochs       = flag.Int("epochs", 50, "adversarial training epochs")
)

// ringOfGaussians samples 2-D points from a mixture of small Gaussians laid
// out on the unit circle, a classic mode-collapse benchmark.
func ringOfGaussians(num, modes int, rnd *rand.Rand) *tensor.Dense {
	data := make([]float64, 2*num)
	for i := 0; i < num; i++ {
		angle := 2 * math.Pi * float64(rnd.Intn(modes)) / float64(modes)
		data[2*i] = math.Cos(angle) + rnd.NormFloat64()*0.05
		data[2*i+1] = math.Sin(angle) + rnd.NormFloat64()*0.05
	}
	return tensor.New(tensor.WithShape(num, 2), tensor.WithBacking(data))
}

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	rnd := rand.New(rand.NewSource(1337))
	data, err := adagan.NewDataset(ringOfGaussians(*numPoints, *numModes, rnd))
	if err != nil {
		panic(err)
	}

	cfg := adagan.DefaultConfig()
	cfg.BatchSize = 32
	cfg.LatentSpaceDim = 4
	cfg.GanEpochNum = *epochs
	cfg.Verbose = true
	cfg.Seed = 1337
	cfg.WorkDir = *outputFolder

	// nil weights: uniform importance sampling
	model, err := adagan.NewToyGan(cfg, data, nil, nil)
	if err != nil {
		panic(err)
	}
	defer model.Close()

	if err := model.Train(cfg); err != nil {
		panic(err)
	}

	sample, err := model.Sample(cfg, 500)
	if err != nil {
		panic(err)
	}
	metrics := &adagan.PlotMetrics{Dir: *outputFolder}
	if err := metrics.MakePlots(cfg, 0, data.Points, sample, "final_"); err != nil {
		panic(err)
	}

	probs, err := model.TrainMixtureDiscriminator(cfg, sample)
	if err != nil {
		panic(err)
	}
	mean := 0.0
	for _, p := range probs.Data().([]float64) {
		mean += p
	}
	fmt.Printf("mixture classifier mean probability on real points: %.3f\n", mean/float64(probs.Shape()[0]))
}
