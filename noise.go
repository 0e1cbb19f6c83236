package adagan

import (
	rng "github.com/leesper/go_rng"
	"gorgonia.org/tensor"
)

// noiseCacheSize is the number of latent vectors sampled once at model
// construction and reused for plotting during training.
const noiseCacheSize = 500

// GenerateNoise Returns a [num, dim] dense tensor of standard Gaussian
// latent vectors drawn from gen.
func GenerateNoise(gen *rng.GaussianGenerator, num, dim int) *tensor.Dense {
	data := make([]float64, num*dim)
	for i := range data {
		data[i] = gen.Gaussian(0.0, 1.0)
	}
	return tensor.New(tensor.WithShape(num, dim), tensor.WithBacking(data))
}
