package lmm

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// maxCond is the largest condition number of W'W that is accepted.
const maxCond = 1e12

// pxWork holds the quantities that are computed once per fit and
// reused in every iteration.
type pxWork struct {
	n, p, q int

	y []float64
	w *mat.Dense
	x *mat.Dense

	// Cross products
	wtwChol mat.Cholesky
	wty     *mat.VecDense
	xty     *mat.VecDense
	xtw     *mat.Dense

	// Eigendecomposition of X'X, dd is ascending.
	dd []float64
	uu *mat.Dense

	// Eigendecomposition of XX'.
	dd2 []float64
	uu2 *mat.Dense

	// W'X projected onto the eigenvectors of X'X, q x p.
	wtxu *mat.Dense
}

// pxState is the state of the fit at one iteration.  States are
// passed by value, a step never modifies the state it starts from.
type pxState struct {
	sigma2y    float64
	sigma2beta float64
	beta0      []float64

	// The rotated residual uu'(X'y - X'W beta0), computed from the
	// fixed effects that were current at the start of the step which
	// produced this state.
	u []float64

	loglike float64
}

// stepInfo describes the variance floors applied during a step.
type stepInfo struct {
	gam float64

	// Values of the variance components before flooring.
	rawSigma2y    float64
	rawSigma2beta float64

	sigma2yFloored    bool
	sigma2betaFloored bool
}

func newPXWork(y []float64, w, x *mat.Dense) (*pxWork, error) {

	n, q := w.Dims()
	_, p := x.Dims()

	wk := &pxWork{
		n: n,
		p: p,
		q: q,
		y: y,
		w: w,
		x: x,
	}

	yv := mat.NewVecDense(n, y)

	var wtw mat.SymDense
	wtw.SymOuterK(1, w.T())
	if ok := wk.wtwChol.Factorize(&wtw); !ok || wk.wtwChol.Cond() > maxCond {
		return nil, ErrRankDeficient
	}

	wk.wty = mat.NewVecDense(q, nil)
	wk.wty.MulVec(w.T(), yv)
	wk.xty = mat.NewVecDense(p, nil)
	wk.xty.MulVec(x.T(), yv)
	wk.xtw = mat.NewDense(p, q, nil)
	wk.xtw.Mul(x.T(), w)

	var xtx mat.SymDense
	xtx.SymOuterK(1, x.T())
	var err error
	wk.dd, wk.uu, err = eigenSym(&xtx)
	if err != nil {
		return nil, err
	}

	var xxt mat.SymDense
	xxt.SymOuterK(1, x)
	wk.dd2, wk.uu2, err = eigenSym(&xxt)
	if err != nil {
		return nil, err
	}

	wk.wtxu = mat.NewDense(q, p, nil)
	wk.wtxu.Mul(wk.xtw.T(), wk.uu)

	return wk, nil
}

// eigenSym returns the eigenvalues (ascending, clamped at zero) and
// eigenvectors of a Gram matrix.
func eigenSym(a *mat.SymDense) ([]float64, *mat.Dense, error) {

	var es mat.EigenSym
	if ok := es.Factorize(a, true); !ok {
		return nil, nil, ErrDecomposition
	}

	dd := es.Values(nil)
	for i := range dd {
		if dd[i] < 0 {
			dd[i] = 0
		}
	}

	uu := new(mat.Dense)
	es.VectorsTo(uu)

	return dd, uu, nil
}

// residual returns y - W beta0.
func (wk *pxWork) residual(beta0 []float64) []float64 {

	var wb mat.VecDense
	wb.MulVec(wk.w, mat.NewVecDense(wk.q, beta0))

	r := make([]float64, wk.n)
	floats.SubTo(r, wk.y, wb.RawVector().Data)

	return r
}

// rotated returns uu'(X'y - X'W beta0).
func (wk *pxWork) rotated(beta0 []float64) []float64 {

	var z mat.VecDense
	z.MulVec(wk.xtw, mat.NewVecDense(wk.q, beta0))
	z.SubVec(wk.xty, &z)

	var u mat.VecDense
	u.MulVec(wk.uu.T(), &z)

	return u.RawVector().Data
}

// logLike evaluates the marginal log-likelihood of y, omitting the
// constant term.  The marginal covariance sigma2beta*XX' + sigma2y*I
// is diagonal in the eigenbasis of XX'.
func (wk *pxWork) logLike(beta0 []float64, sigma2y, sigma2beta float64) float64 {

	r := wk.residual(beta0)

	var v mat.VecDense
	v.MulVec(wk.uu2.T(), mat.NewVecDense(wk.n, r))

	var ll float64
	for i, d := range wk.dd2 {
		s := d*sigma2beta + sigma2y
		vi := v.AtVec(i)
		ll -= 0.5 * (math.Log(s) + vi*vi/s)
	}

	return ll
}

// posterior returns the E-step quantities Cm and Cs for the given
// variance components.
func (wk *pxWork) posterior(sigma2y, sigma2beta float64) (cm, cs []float64) {

	cm = make([]float64, wk.p)
	cs = make([]float64, wk.p)
	for k, d := range wk.dd {
		cm[k] = sigma2y/sigma2beta + d
		cs[k] = 1/sigma2beta + d/sigma2y
	}

	return cm, cs
}

// step performs one PX-EM iteration starting from st.  The variance
// components of the returned state are at least floor.
func (wk *pxWork) step(st pxState, floor float64) (pxState, stepInfo, error) {

	// E-step
	cm, cs := wk.posterior(st.sigma2y, st.sigma2beta)

	// M-step
	u := wk.rotated(st.beta0)
	um := make([]float64, wk.p)
	var st1, st2, sdt2, sdcs, sics float64
	for k, d := range wk.dd {
		um[k] = u[k] / cm[k]
		t1 := u[k] * um[k]
		t2 := t1 / cm[k]
		st1 += t1
		st2 += t2
		sdt2 += d * t2
		sdcs += d / cs[k]
		sics += 1 / cs[k]
	}

	// Parameter expansion.  The denominator vanishes when X carries
	// no information (u = 0), then the random effects are collapsed.
	var gam float64
	if den := sdt2 + sdcs; den > 0 {
		gam = st1 / den
		if math.IsNaN(gam) || math.IsInf(gam, 0) {
			gam = 0
		}
	}
	gam2 := gam * gam

	sigma2beta := (st2 + sics) / float64(wk.p)

	r := wk.residual(st.beta0)
	sigma2y := (floats.Dot(r, r) - 2*gam*st1 + gam2*sdt2 + gam2*sdcs) / float64(wk.n)

	// Fixed effects
	var adj mat.VecDense
	adj.MulVec(wk.wtxu, mat.NewVecDense(wk.p, um))
	adj.AddScaledVec(wk.wty, -gam2, &adj)
	var beta mat.VecDense
	if err := wk.wtwChol.SolveVecTo(&beta, &adj); err != nil {
		return pxState{}, stepInfo{}, fmt.Errorf("%w: %v", ErrRankDeficient, err)
	}

	// Reduction
	sigma2beta *= gam2

	info := stepInfo{
		gam:           gam,
		rawSigma2y:    sigma2y,
		rawSigma2beta: sigma2beta,
	}
	if !(sigma2beta >= floor) {
		info.sigma2betaFloored = true
		sigma2beta = floor
	}
	if !(sigma2y >= floor) {
		info.sigma2yFloored = true
		sigma2y = floor
	}

	beta0 := make([]float64, wk.q)
	copy(beta0, beta.RawVector().Data)

	next := pxState{
		sigma2y:    sigma2y,
		sigma2beta: sigma2beta,
		beta0:      beta0,
		u:          u,
		loglike:    wk.logLike(beta0, sigma2y, sigma2beta),
	}

	return next, info, nil
}

// sigb returns the posterior covariance uu diag(1/Cs) uu' of the
// random effects.
func (wk *pxWork) sigb(cs []float64) *mat.SymDense {

	// Form uu diag(1/sqrt(Cs)) so that Sigb is a symmetric outer
	// product.
	var a mat.Dense
	a.Apply(func(_, k int, v float64) float64 {
		return v / math.Sqrt(cs[k])
	}, wk.uu)

	sb := new(mat.SymDense)
	sb.SymOuterK(1, &a)

	return sb
}

// mub returns the posterior mean uu (u / Cm) of the random effects.
func (wk *pxWork) mub(u, cm []float64) []float64 {

	um := make([]float64, wk.p)
	floats.DivTo(um, u, cm)

	var mb mat.VecDense
	mb.MulVec(wk.uu, mat.NewVecDense(wk.p, um))

	return mb.RawVector().Data
}

// fixedInfo returns the information matrix W'V^-1 W of the fixed
// effects, with V = sigma2beta*XX' + sigma2y*I.
func (wk *pxWork) fixedInfo(sigma2y, sigma2beta float64) *mat.SymDense {

	var wr mat.Dense
	wr.Mul(wk.uu2.T(), wk.w)

	for i, d := range wk.dd2 {
		row := wr.RawRowView(i)
		floats.Scale(1/math.Sqrt(d*sigma2beta+sigma2y), row)
	}

	info := new(mat.SymDense)
	info.SymOuterK(1, wr.T())

	return info
}
