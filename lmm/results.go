package lmm

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/YangLabHKUST/CoMM/statmodel"
)

var _ statmodel.BaseResultser = (*LMMResults)(nil)

// numTopRandom is the number of random effects listed in the summary.
const numTopRandom = 5

// LMMResults describes the results of a fitted linear mixed model.
// The embedded BaseResults holds the fixed effects: Params are the
// estimated beta0 and VCov is their sampling covariance matrix.
type LMMResults struct {
	statmodel.BaseResults

	sigma2y    float64
	sigma2beta float64

	// Log-likelihood at the starting values and after each accepted
	// iteration.
	loglikeSeq []float64

	iteration int
	status    Status
	events    []Event

	// Posterior covariance and mean of the random effects
	sigb *mat.SymDense
	mub  []float64

	randomNames []string

	// Trace of X'X
	trxtx float64

	w *mat.Dense
	x *mat.Dense
}

// Sigma2Y returns the estimated residual variance.
func (rslt *LMMResults) Sigma2Y() float64 {
	return rslt.sigma2y
}

// Sigma2Beta returns the estimated random effect variance.
func (rslt *LMMResults) Sigma2Beta() float64 {
	return rslt.sigma2beta
}

// Beta0 returns the estimated fixed effects.
func (rslt *LMMResults) Beta0() []float64 {
	return rslt.Params()
}

// LogLikeSeq returns the log-likelihood at the starting values
// followed by its value after each accepted iteration.  The last
// element equals LogLike.
func (rslt *LMMResults) LogLikeSeq() []float64 {
	return rslt.loglikeSeq
}

// Iterations returns the number of PX-EM iterations that were
// accepted.
func (rslt *LMMResults) Iterations() int {
	return rslt.iteration
}

// Status returns the way in which the fit terminated.
func (rslt *LMMResults) Status() Status {
	return rslt.status
}

// Converged returns true if the log-likelihood converged.
func (rslt *LMMResults) Converged() bool {
	return rslt.status == Converged
}

// Events returns the conditions recorded while fitting.
func (rslt *LMMResults) Events() []Event {
	return rslt.events
}

// Err returns an error wrapping the sentinel error of every condition
// that was recorded during the fit, or nil if there were none.
func (rslt *LMMResults) Err() error {

	var errs []error
	seen := make(map[Condition]bool)
	for _, ev := range rslt.events {
		if !seen[ev.Cond] {
			seen[ev.Cond] = true
			errs = append(errs, fmt.Errorf("%w (first at iteration %d)", ev.Cond.Err(), ev.Iter))
		}
	}

	return errors.Join(errs...)
}

// Sigb returns the p x p posterior covariance matrix of the random
// effects.
func (rslt *LMMResults) Sigb() *mat.SymDense {
	return rslt.sigb
}

// Mub returns the posterior mean of the random effects.
func (rslt *LMMResults) Mub() []float64 {
	return rslt.mub
}

// RandomNames returns the names of the random effects, in the order
// of Mub.
func (rslt *LMMResults) RandomNames() []string {
	return rslt.randomNames
}

// TopRandom returns the positions of the k random effects with the
// largest absolute posterior mean, largest first.
func (rslt *LMMResults) TopRandom(k int) []int {

	a := make([]float64, len(rslt.mub))
	for j, v := range rslt.mub {
		a[j] = math.Abs(v)
	}
	inds := make([]int, len(a))
	floats.Argsort(a, inds)

	if k > len(inds) {
		k = len(inds)
	}
	top := make([]int, k)
	for j := range top {
		top[j] = inds[len(inds)-1-j]
	}

	return top
}

// PVE returns the proportion of the variance of y explained by the
// random effects, sigma2beta*tr(X'X)/n relative to the total.
func (rslt *LMMResults) PVE() float64 {
	n, _ := rslt.w.Dims()
	g := rslt.sigma2beta * rslt.trxtx / float64(n)
	return g / (g + rslt.sigma2y)
}

// FittedValues returns W beta0 + X mub for the data used to fit the
// model.
func (rslt *LMMResults) FittedValues() []float64 {
	fv, _ := rslt.Predict(rslt.w, rslt.x)
	return fv
}

// Predict returns w beta0 + x mub for new fixed and random effect
// designs, which must have the same columns as the training data.
func (rslt *LMMResults) Predict(w, x mat.Matrix) ([]float64, error) {

	nw, q := w.Dims()
	nx, p := x.Dims()
	_, q0 := rslt.w.Dims()
	_, p0 := rslt.x.Dims()

	if nw != nx || q != q0 || p != p0 {
		return nil, fmt.Errorf("%w: w is %dx%d and x is %dx%d, the model has %d fixed and %d random effects",
			ErrDimensionMismatch, nw, q, nx, p, q0, p0)
	}

	var fe, re mat.VecDense
	fe.MulVec(w, mat.NewVecDense(q, rslt.Params()))
	re.MulVec(x, mat.NewVecDense(p, rslt.mub))

	fv := make([]float64, nw)
	floats.AddTo(fv, fe.RawVector().Data, re.RawVector().Data)

	return fv, nil
}

// LMMSummary summarizes a fitted linear mixed model.
type LMMSummary struct {
	results *LMMResults

	// Messages that are appended to the table
	messages []string
}

// Summary returns a summary of the fitted model.
func (rslt *LMMResults) Summary() *LMMSummary {

	var msg []string
	for _, ev := range rslt.events {
		msg = append(msg, ev.String())
	}

	msg = append(msg, "Largest posterior random effects:")
	for _, j := range rslt.TopRandom(numTopRandom) {
		msg = append(msg, fmt.Sprintf("  %-12s %10.4f", rslt.randomNames[j], rslt.mub[j]))
	}

	return &LMMSummary{
		results:  rslt,
		messages: msg,
	}
}

// String returns a string representation of a summary table for the model.
func (ls *LMMSummary) String() string {

	rslt := ls.results
	n, _ := rslt.w.Dims()
	_, p := rslt.x.Dims()

	sum := &statmodel.SummaryTable{
		Title: "Linear mixed model analysis (PX-EM)",
		Msg:   ls.messages,
	}

	sum.Top = []string{
		fmt.Sprintf("Num obs:     %d", n),
		fmt.Sprintf("Num random:  %d", p),
		fmt.Sprintf("Sigma2y:     %g", rslt.sigma2y),
		fmt.Sprintf("Sigma2beta:  %g", rslt.sigma2beta),
		fmt.Sprintf("PVE:         %.4f", rslt.PVE()),
		fmt.Sprintf("Log like:    %.4f", rslt.LogLike()),
		fmt.Sprintf("Iterations:  %d", rslt.iteration),
		fmt.Sprintf("Status:      %s", rslt.status),
	}

	par := rslt.Params()
	se := rslt.StdErr()

	if se == nil {
		sum.ColNames = []string{"Variable   ", "Parameter"}
		sum.ColFmt = []statmodel.Fmter{statmodel.StringFmt, statmodel.FloatFmt}
		sum.Cols = []interface{}{rslt.Names(), par}
		return sum.String()
	}

	var lcb, ucb []float64
	for j := range par {
		lcb = append(lcb, par[j]-2*se[j])
		ucb = append(ucb, par[j]+2*se[j])
	}

	fn := statmodel.FloatFmt
	sum.ColNames = []string{"Variable   ", "Parameter", "SE", "LCB", "UCB", "Z-score", "P-value"}
	sum.ColFmt = []statmodel.Fmter{statmodel.StringFmt, fn, fn, fn, fn, fn, fn}
	sum.Cols = []interface{}{
		rslt.Names(),
		par,
		se,
		lcb,
		ucb,
		rslt.ZScores(),
		rslt.PValues(),
	}

	return sum.String()
}
