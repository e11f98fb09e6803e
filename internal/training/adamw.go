package training

import (
	"fmt"
	"math"
)

// AdamW is Adam with decoupled weight decay over a fixed set of float32
// parameter slices. Moments are kept in float64.
type AdamW struct {
	LR          float64
	Beta1       float64
	Beta2       float64
	Eps         float64
	WeightDecay float64

	params [][]float32
	m, v   [][]float64
	t      int
}

// NewAdamW returns an optimizer for params with the usual defaults
// (betas 0.9/0.999, eps 1e-8, weight decay 0.01).
func NewAdamW(lr float64, params ...[]float32) *AdamW {
	o := &AdamW{
		LR:          lr,
		Beta1:       0.9,
		Beta2:       0.999,
		Eps:         1e-8,
		WeightDecay: 0.01,
		params:      params,
		m:           make([][]float64, len(params)),
		v:           make([][]float64, len(params)),
	}
	for i, p := range params {
		o.m[i] = make([]float64, len(p))
		o.v[i] = make([]float64, len(p))
	}
	return o
}

// Step applies one update. grads must line up with the params passed to
// NewAdamW.
func (o *AdamW) Step(grads ...[]float32) error {
	if len(grads) != len(o.params) {
		return fmt.Errorf("got %d gradients for %d parameters", len(grads), len(o.params))
	}
	for i, g := range grads {
		if len(g) != len(o.params[i]) {
			return fmt.Errorf("gradient %d has %d values, parameter has %d", i, len(g), len(o.params[i]))
		}
	}

	o.t++
	bc1 := 1 - math.Pow(o.Beta1, float64(o.t))
	bc2 := 1 - math.Pow(o.Beta2, float64(o.t))
	decay := 1 - o.LR*o.WeightDecay

	for i, p := range o.params {
		m, v := o.m[i], o.v[i]
		for j, gj := range grads[i] {
			g := float64(gj)
			m[j] = o.Beta1*m[j] + (1-o.Beta1)*g
			v[j] = o.Beta2*v[j] + (1-o.Beta2)*g*g

			mHat := m[j] / bc1
			vHat := v[j] / bc2
			p[j] = float32(float64(p[j])*decay - o.LR*mHat/(math.Sqrt(vHat)+o.Eps))
		}
	}
	return nil
}

func (o *AdamW) Steps() int {
	return o.t
}
