// Package lstm implements the trained forecaster: a single-layer LSTM with a
// scalar regression head, trained with backpropagation through time over
// sliding windows of past values.
//
// This model is retained for reference and comparison. The production
// forecaster is the seasonal-naive model, which beat this one on the
// competition's validation metric.
package lstm

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// Network holds the LSTM cell weights and the output head. Each gate weight
// matrix is hidden x (in+hidden), applied to the concatenation [x; hPrev].
type Network struct {
	in     int
	hidden int

	wf, wi, wc, wo *mat.Dense
	bf, bi, bc, bo []float64

	wy []float64 // hidden -> scalar output
	by float64
}

// NewNetwork initializes a network with small random weights from a seeded
// source, so training runs are reproducible.
func NewNetwork(in, hidden int, rng *rand.Rand) *Network {
	n := &Network{
		in:     in,
		hidden: hidden,
		bf:     make([]float64, hidden),
		bi:     make([]float64, hidden),
		bc:     make([]float64, hidden),
		bo:     make([]float64, hidden),
		wy:     make([]float64, hidden),
	}
	z := in + hidden
	scale := 1.0 / math.Sqrt(float64(z))
	init := func() *mat.Dense {
		data := make([]float64, hidden*z)
		for i := range data {
			data[i] = (rng.Float64()*2 - 1) * scale
		}
		return mat.NewDense(hidden, z, data)
	}
	n.wf = init()
	n.wi = init()
	n.wc = init()
	n.wo = init()
	for i := range n.wy {
		n.wy[i] = (rng.Float64()*2 - 1) * scale
	}
	// forget gate bias starts positive so early training retains state
	for i := range n.bf {
		n.bf[i] = 1
	}
	return n
}

// stepState caches one timestep's activations for backpropagation.
type stepState struct {
	z          []float64 // [x; hPrev]
	f, i, c, o []float64 // gate activations; c is the candidate, pre-blend
	cell       []float64 // cell state after blending
	cellTanh   []float64
	h          []float64
}

func sigmoid(x float64) float64 { return 1 / (1 + math.Exp(-x)) }

// step advances the cell one timestep and returns the cached activations.
func (n *Network) step(x, hPrev, cPrev []float64) stepState {
	z := make([]float64, n.in+n.hidden)
	copy(z, x)
	copy(z[n.in:], hPrev)
	zv := mat.NewVecDense(len(z), z)

	gate := func(w *mat.Dense, b []float64, act func(float64) float64) []float64 {
		out := mat.NewVecDense(n.hidden, nil)
		out.MulVec(w, zv)
		res := make([]float64, n.hidden)
		for i := range res {
			res[i] = act(out.AtVec(i) + b[i])
		}
		return res
	}

	st := stepState{
		z: z,
		f: gate(n.wf, n.bf, sigmoid),
		i: gate(n.wi, n.bi, sigmoid),
		c: gate(n.wc, n.bc, math.Tanh),
		o: gate(n.wo, n.bo, sigmoid),
	}

	st.cell = make([]float64, n.hidden)
	st.cellTanh = make([]float64, n.hidden)
	st.h = make([]float64, n.hidden)
	for j := 0; j < n.hidden; j++ {
		st.cell[j] = st.f[j]*cPrev[j] + st.i[j]*st.c[j]
		st.cellTanh[j] = math.Tanh(st.cell[j])
		st.h[j] = st.o[j] * st.cellTanh[j]
	}
	return st
}

// Forward runs a window of feature vectors through the cell and returns the
// scalar prediction.
func (n *Network) Forward(window [][]float64) float64 {
	h := make([]float64, n.hidden)
	c := make([]float64, n.hidden)
	for _, x := range window {
		st := n.step(x, h, c)
		h = st.h
		c = st.cell
	}
	y := n.by
	for j := range n.wy {
		y += n.wy[j] * h[j]
	}
	return y
}

// grads accumulates weight gradients with the same shapes as the network.
type grads struct {
	wf, wi, wc, wo *mat.Dense
	bf, bi, bc, bo []float64
	wy             []float64
	by             float64
}

func newGrads(in, hidden int) *grads {
	z := in + hidden
	return &grads{
		wf: mat.NewDense(hidden, z, nil),
		wi: mat.NewDense(hidden, z, nil),
		wc: mat.NewDense(hidden, z, nil),
		wo: mat.NewDense(hidden, z, nil),
		bf: make([]float64, hidden),
		bi: make([]float64, hidden),
		bc: make([]float64, hidden),
		bo: make([]float64, hidden),
		wy: make([]float64, hidden),
	}
}

// backward computes gradients of squared error loss for one window via BPTT
// and returns the loss.
func (n *Network) backward(window [][]float64, target float64, g *grads) float64 {
	steps := make([]stepState, len(window))
	cells := make([][]float64, len(window)+1) // cell state before each step
	h := make([]float64, n.hidden)
	c := make([]float64, n.hidden)
	cells[0] = c
	for t, x := range window {
		st := n.step(x, h, c)
		steps[t] = st
		h = st.h
		c = st.cell
		cells[t+1] = c
	}

	y := n.by
	for j := range n.wy {
		y += n.wy[j] * h[j]
	}
	err := y - target
	loss := err * err

	dy := 2 * err
	g.by += dy
	dh := make([]float64, n.hidden)
	for j := range n.wy {
		g.wy[j] += dy * h[j]
		dh[j] = dy * n.wy[j]
	}
	dc := make([]float64, n.hidden)

	for t := len(window) - 1; t >= 0; t-- {
		st := steps[t]
		cPrev := cells[t]

		dzf := make([]float64, n.hidden)
		dzi := make([]float64, n.hidden)
		dzc := make([]float64, n.hidden)
		dzo := make([]float64, n.hidden)

		for j := 0; j < n.hidden; j++ {
			dcj := dc[j] + dh[j]*st.o[j]*(1-st.cellTanh[j]*st.cellTanh[j])

			doj := dh[j] * st.cellTanh[j]
			dzo[j] = doj * st.o[j] * (1 - st.o[j])

			dcand := dcj * st.i[j]
			dzc[j] = dcand * (1 - st.c[j]*st.c[j])

			dij := dcj * st.c[j]
			dzi[j] = dij * st.i[j] * (1 - st.i[j])

			dfj := dcj * cPrev[j]
			dzf[j] = dfj * st.f[j] * (1 - st.f[j])

			dc[j] = dcj * st.f[j]
		}

		zSize := n.in + n.hidden
		dz := make([]float64, zSize)
		accum := func(w, gw *mat.Dense, dgate []float64) {
			for j := 0; j < n.hidden; j++ {
				for k := 0; k < zSize; k++ {
					gw.Set(j, k, gw.At(j, k)+dgate[j]*st.z[k])
					dz[k] += w.At(j, k) * dgate[j]
				}
			}
		}
		accum(n.wf, g.wf, dzf)
		accum(n.wi, g.wi, dzi)
		accum(n.wc, g.wc, dzc)
		accum(n.wo, g.wo, dzo)
		for j := 0; j < n.hidden; j++ {
			g.bf[j] += dzf[j]
			g.bi[j] += dzi[j]
			g.bc[j] += dzc[j]
			g.bo[j] += dzo[j]
		}

		copy(dh, dz[n.in:])
	}

	return loss
}

// apply performs one gradient descent update and zeroes the gradients.
func (n *Network) apply(g *grads, lr float64) {
	sub := func(w, gw *mat.Dense) {
		var scaled mat.Dense
		scaled.Scale(lr, gw)
		w.Sub(w, &scaled)
		gw.Zero()
	}
	sub(n.wf, g.wf)
	sub(n.wi, g.wi)
	sub(n.wc, g.wc)
	sub(n.wo, g.wo)

	vecs := [][2][]float64{{n.bf, g.bf}, {n.bi, g.bi}, {n.bc, g.bc}, {n.bo, g.bo}, {n.wy, g.wy}}
	for _, pair := range vecs {
		w, gw := pair[0], pair[1]
		for i := range w {
			w[i] -= lr * gw[i]
			gw[i] = 0
		}
	}
	n.by -= lr * g.by
	g.by = 0
}

// clone deep-copies the network, used to keep the best weights seen during
// early stopping.
func (n *Network) clone() *Network {
	cp := &Network{in: n.in, hidden: n.hidden, by: n.by}
	cp.wf = mat.DenseCopyOf(n.wf)
	cp.wi = mat.DenseCopyOf(n.wi)
	cp.wc = mat.DenseCopyOf(n.wc)
	cp.wo = mat.DenseCopyOf(n.wo)
	cp.bf = append([]float64(nil), n.bf...)
	cp.bi = append([]float64(nil), n.bi...)
	cp.bc = append([]float64(nil), n.bc...)
	cp.bo = append([]float64(nil), n.bo...)
	cp.wy = append([]float64(nil), n.wy...)
	return cp
}
