package detector

import (
	"math"
	"math/rand"
)

// lstmNetwork is a single-layer LSTM with scalar input and a linear head
// reading the final hidden state. Gate rows are laid out as input, forget,
// output, candidate; each row holds [x, h_0..h_{H-1}].
type lstmNetwork struct {
	Hidden int         `json:"hidden"`
	W      [][]float64 `json:"w"`
	B      []float64   `json:"b"`
	Wy     []float64   `json:"wy"`
	By     float64     `json:"by"`
}

func newLSTMNetwork(hidden int, rng *rand.Rand) *lstmNetwork {
	n := &lstmNetwork{
		Hidden: hidden,
		W:      make([][]float64, 4*hidden),
		B:      make([]float64, 4*hidden),
		Wy:     make([]float64, hidden),
	}
	scale := 1 / math.Sqrt(float64(hidden))
	for r := range n.W {
		n.W[r] = make([]float64, 1+hidden)
		for c := range n.W[r] {
			n.W[r][c] = (rng.Float64()*2 - 1) * scale
		}
	}
	for h := 0; h < hidden; h++ {
		n.B[hidden+h] = 1 // forget gate starts open
		n.Wy[h] = (rng.Float64()*2 - 1) * scale
	}
	return n
}

type lstmStep struct {
	x          float64
	hPrev      []float64
	cPrev      []float64
	i, f, o, g []float64
	c, h       []float64
}

func sigmoid(v float64) float64 { return 1 / (1 + math.Exp(-v)) }

func (n *lstmNetwork) forward(seq []float64) (float64, []lstmStep) {
	H := n.Hidden
	h := make([]float64, H)
	c := make([]float64, H)
	steps := make([]lstmStep, len(seq))
	for t, x := range seq {
		st := lstmStep{
			x: x, hPrev: h, cPrev: c,
			i: make([]float64, H), f: make([]float64, H), o: make([]float64, H), g: make([]float64, H),
			c: make([]float64, H), h: make([]float64, H),
		}
		for k := 0; k < H; k++ {
			st.i[k] = sigmoid(n.gate(k, x, h))
			st.f[k] = sigmoid(n.gate(H+k, x, h))
			st.o[k] = sigmoid(n.gate(2*H+k, x, h))
			st.g[k] = math.Tanh(n.gate(3*H+k, x, h))
			st.c[k] = st.f[k]*c[k] + st.i[k]*st.g[k]
			st.h[k] = st.o[k] * math.Tanh(st.c[k])
		}
		h, c = st.h, st.c
		steps[t] = st
	}
	y := n.By
	for k := 0; k < H; k++ {
		y += n.Wy[k] * h[k]
	}
	return y, steps
}

func (n *lstmNetwork) gate(row int, x float64, h []float64) float64 {
	w := n.W[row]
	z := n.B[row] + w[0]*x
	for k, hv := range h {
		z += w[1+k] * hv
	}
	return z
}

func (n *lstmNetwork) predict(seq []float64) float64 {
	y, _ := n.forward(seq)
	return y
}

// lstmGrad mirrors the network's parameter shapes.
type lstmGrad struct {
	W  [][]float64
	B  []float64
	Wy []float64
	By float64
}

func newLSTMGrad(hidden int) *lstmGrad {
	g := &lstmGrad{W: make([][]float64, 4*hidden), B: make([]float64, 4*hidden), Wy: make([]float64, hidden)}
	for r := range g.W {
		g.W[r] = make([]float64, 1+hidden)
	}
	return g
}

// backward accumulates gradients of 0.5*(y-target)^2 through time and
// returns the squared error.
func (n *lstmNetwork) backward(seq []float64, target float64, grad *lstmGrad) float64 {
	H := n.Hidden
	y, steps := n.forward(seq)
	dy := y - target

	last := steps[len(steps)-1]
	dh := make([]float64, H)
	for k := 0; k < H; k++ {
		grad.Wy[k] += dy * last.h[k]
		dh[k] = dy * n.Wy[k]
	}
	grad.By += dy

	dc := make([]float64, H)
	dz := make([]float64, 4*H)
	for t := len(steps) - 1; t >= 0; t-- {
		st := steps[t]
		for k := 0; k < H; k++ {
			tc := math.Tanh(st.c[k])
			dzo := dh[k] * tc * st.o[k] * (1 - st.o[k])
			dc[k] += dh[k] * st.o[k] * (1 - tc*tc)
			dzi := dc[k] * st.g[k] * st.i[k] * (1 - st.i[k])
			dzg := dc[k] * st.i[k] * (1 - st.g[k]*st.g[k])
			dzf := dc[k] * st.cPrev[k] * st.f[k] * (1 - st.f[k])
			dz[k], dz[H+k], dz[2*H+k], dz[3*H+k] = dzi, dzf, dzo, dzg
			dc[k] *= st.f[k]
		}
		dhPrev := make([]float64, H)
		for r := 0; r < 4*H; r++ {
			if dz[r] == 0 {
				continue
			}
			grad.B[r] += dz[r]
			grad.W[r][0] += dz[r] * st.x
			for k := 0; k < H; k++ {
				grad.W[r][1+k] += dz[r] * st.hPrev[k]
				dhPrev[k] += dz[r] * n.W[r][1+k]
			}
		}
		dh = dhPrev
	}
	return dy * dy
}

// adam holds first and second moment estimates for every parameter.
type adam struct {
	lr, beta1, beta2, eps float64
	t                     int
	m, v                  *lstmGrad
}

func newAdam(hidden int, lr float64) *adam {
	return &adam{lr: lr, beta1: 0.9, beta2: 0.999, eps: 1e-8, m: newLSTMGrad(hidden), v: newLSTMGrad(hidden)}
}

func (a *adam) step(n *lstmNetwork, g *lstmGrad, batch int, clip float64) {
	scale := 1 / float64(batch)
	var norm float64
	g.each(func(p *float64) { *p *= scale; norm += *p * *p })
	norm = math.Sqrt(norm)
	if norm > clip {
		g.each(func(p *float64) { *p *= clip / norm })
	}

	a.t++
	c1 := 1 - math.Pow(a.beta1, float64(a.t))
	c2 := 1 - math.Pow(a.beta2, float64(a.t))
	update := func(param, grad, m, v *float64) {
		gv := *grad
		*m = a.beta1*(*m) + (1-a.beta1)*gv
		*v = a.beta2*(*v) + (1-a.beta2)*gv*gv
		*param -= a.lr * (*m / c1) / (math.Sqrt(*v/c2) + a.eps)
	}
	for r := range n.W {
		for c := range n.W[r] {
			update(&n.W[r][c], &g.W[r][c], &a.m.W[r][c], &a.v.W[r][c])
		}
		update(&n.B[r], &g.B[r], &a.m.B[r], &a.v.B[r])
	}
	for k := range n.Wy {
		update(&n.Wy[k], &g.Wy[k], &a.m.Wy[k], &a.v.Wy[k])
	}
	update(&n.By, &g.By, &a.m.By, &a.v.By)
}

func (g *lstmGrad) each(fn func(*float64)) {
	for r := range g.W {
		for c := range g.W[r] {
			fn(&g.W[r][c])
		}
		fn(&g.B[r])
	}
	for k := range g.Wy {
		fn(&g.Wy[k])
	}
	fn(&g.By)
}

func (g *lstmGrad) reset() {
	g.each(func(p *float64) { *p = 0 })
}
