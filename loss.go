package adagan

import (
	"fmt"

	"github.com/pkg/errors"
	"gorgonia.org/gorgonia"
)

type LossReduction uint16

const (
	LossReductionSum = LossReduction(iota)
	LossReductionMean
)

// SigmoidCrossEntropyOnes Sigmoid cross-entropy of logits against all-ones
// labels, i.e. mean(-log sigmoid(z)), in the numerically stable form
// softplus(-z).
// Default reduction is 'mean'
func SigmoidCrossEntropyOnes(logits *gorgonia.Node, reduction ...LossReduction) (*gorgonia.Node, error) {
	neg, err := gorgonia.Neg(logits)
	if err != nil {
		return nil, errors.Wrap(err, "Can't do -1*z")
	}
	sp, err := gorgonia.Softplus(neg)
	if err != nil {
		return nil, errors.Wrap(err, "Can't do softplus(-z)")
	}
	return reduceLoss(sp, reduction...)
}

// SigmoidCrossEntropyZeros Sigmoid cross-entropy of logits against all-zeros
// labels, i.e. mean(-log(1 - sigmoid(z))) = mean(softplus(z)).
// Default reduction is 'mean'
func SigmoidCrossEntropyZeros(logits *gorgonia.Node, reduction ...LossReduction) (*gorgonia.Node, error) {
	sp, err := gorgonia.Softplus(logits)
	if err != nil {
		return nil, errors.Wrap(err, "Can't do softplus(z)")
	}
	return reduceLoss(sp, reduction...)
}

func reduceLoss(losses *gorgonia.Node, reduction ...LossReduction) (*gorgonia.Node, error) {
	reductionDefault := LossReductionMean
	if len(reduction) != 0 {
		reductionDefault = reduction[0]
	}
	switch reductionDefault {
	case LossReductionSum:
		return gorgonia.Sum(losses)
	case LossReductionMean:
		return gorgonia.Mean(losses)
	default:
		return nil, fmt.Errorf("Reduction type %d is not supported", reductionDefault)
	}
}
