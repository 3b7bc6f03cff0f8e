// Package lmmsim generates data from a linear mixed model with a
// single random effect variance component.
package lmmsim

import (
	"math"
	"strconv"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

// Config describes the data generating model.
type Config struct {

	// Number of observations
	N int

	// Number of random effect predictors
	P int

	// Proportion of random effects that are nonzero, in (0, 1].
	// Zero is treated as 1.
	Prop float64

	// Variance of the nonzero random effects, defaults to 1.
	EffectVar float64

	// Proportion of the variance of y that is due to the random
	// effects, in (0, 1).
	H2 float64

	// Fixed effects.  The first fixed effect is an intercept, the
	// remaining ones multiply standard normal covariates.  Defaults to
	// a single intercept equal to 6.
	Beta0 []float64

	// If true, the columns of X are centered, scaled to unit standard
	// deviation and divided by sqrt(P).
	Standardize bool

	Seed uint64
}

// Data is a simulated data set along with the generating parameters.
type Data struct {
	Y []float64
	W *mat.Dense
	X *mat.Dense

	// The random effects used to generate Y
	B []float64

	Beta0 []float64

	// Residual variance, and random effect variance averaged over
	// all P effects.
	Sigma2Y    float64
	Sigma2Beta float64
}

// Simulate generates a data set from the given configuration.
func Simulate(cfg Config) *Data {

	if cfg.N <= 0 || cfg.P <= 0 {
		panic("lmmsim: N and P must be positive")
	}
	if !(cfg.H2 > 0 && cfg.H2 < 1) {
		panic("lmmsim: H2 must be in (0, 1)")
	}

	prop := cfg.Prop
	if prop == 0 {
		prop = 1
	}
	evar := cfg.EffectVar
	if evar == 0 {
		evar = 1
	}
	beta0 := cfg.Beta0
	if len(beta0) == 0 {
		beta0 = []float64{6}
	}

	rng := rand.New(rand.NewSource(cfg.Seed))
	norm := distuv.Normal{Mu: 0, Sigma: 1, Src: rand.NewSource(cfg.Seed + 1)}

	n, p, q := cfg.N, cfg.P, len(beta0)

	x := mat.NewDense(n, p, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < p; j++ {
			x.Set(i, j, norm.Rand())
		}
	}
	if cfg.Standardize {
		standardize(x)
	}

	w := mat.NewDense(n, q, nil)
	for i := 0; i < n; i++ {
		w.Set(i, 0, 1)
		for j := 1; j < q; j++ {
			w.Set(i, j, norm.Rand())
		}
	}

	// Sparse random effects
	m := int(math.Round(prop * float64(p)))
	if m < 1 {
		m = 1
	}
	b := make([]float64, p)
	eff := distuv.Normal{Mu: 0, Sigma: math.Sqrt(evar), Src: rand.NewSource(cfg.Seed + 2)}
	for _, j := range rng.Perm(p)[0:m] {
		b[j] = eff.Rand()
	}
	sigma2beta := evar * float64(m) / float64(p)

	// The random effect variance per observation is sigma2beta*tr(X'X)/n.
	var tr float64
	for j := 0; j < p; j++ {
		col := mat.Col(nil, j, x)
		tr += floats.Dot(col, col)
	}
	g := sigma2beta * tr / float64(n)
	sigma2y := g * (1 - cfg.H2) / cfg.H2

	var xb, wb mat.VecDense
	xb.MulVec(x, mat.NewVecDense(p, b))
	wb.MulVec(w, mat.NewVecDense(q, beta0))

	y := make([]float64, n)
	sd := math.Sqrt(sigma2y)
	for i := range y {
		y[i] = wb.AtVec(i) + xb.AtVec(i) + sd*norm.Rand()
	}

	return &Data{
		Y:          y,
		W:          w,
		X:          x,
		B:          b,
		Beta0:      append([]float64(nil), beta0...),
		Sigma2Y:    sigma2y,
		Sigma2Beta: sigma2beta,
	}
}

// standardize centers and scales the columns of x in place, then
// divides them by sqrt(p).
func standardize(x *mat.Dense) {

	_, p := x.Dims()
	f := math.Sqrt(float64(p))

	for j := 0; j < p; j++ {
		col := mat.Col(nil, j, x)
		mn, sd := stat.MeanStdDev(col, nil)
		if sd == 0 {
			sd = 1
		}
		floats.AddConst(-mn, col)
		floats.Scale(1/(sd*f), col)
		x.SetCol(j, col)
	}
}

// Names returns variable names for the columns of the simulated data
// in the order used by Columns: the response, the fixed effects and
// the random effects.
func (d *Data) Names() (yname string, fixed, random []string) {

	_, q := d.W.Dims()
	_, p := d.X.Dims()

	fixed = make([]string, q)
	fixed[0] = "icept"
	for j := 1; j < q; j++ {
		fixed[j] = "z" + strconv.Itoa(j)
	}

	random = make([]string, p)
	for j := range random {
		random[j] = "x" + strconv.Itoa(j+1)
	}

	return "y", fixed, random
}

// Columns returns the simulated data as columns, in the order given
// by Names.
func (d *Data) Columns() [][]float64 {

	_, q := d.W.Dims()
	_, p := d.X.Dims()

	cols := [][]float64{d.Y}
	for j := 0; j < q; j++ {
		cols = append(cols, mat.Col(nil, j, d.W))
	}
	for j := 0; j < p; j++ {
		cols = append(cols, mat.Col(nil, j, d.X))
	}

	return cols
}
