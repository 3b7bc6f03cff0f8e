package lmm

import (
	"fmt"
	"log"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/YangLabHKUST/CoMM/statmodel"
)

const (
	defaultMaxIter     = 1000
	defaultTol         = 1e-10
	defaultDecreaseTol = 1e-8

	// The default variance floor is this multiple of the sample
	// variance of the response.
	defaultFloorFactor = 1e-12
)

// LMM is a linear mixed model with a single random effect variance
// component,
//
//	y = W beta0 + X b + e,  b ~ N(0, sigma2beta I),  e ~ N(0, sigma2y I),
//
// fit by parameter-expanded EM.  The number of random effect
// predictors (columns of X) may exceed the number of observations.
type LMM struct {

	// The response
	y []float64

	// Fixed effect design, n x q
	w mat.Matrix

	// Random effect design, n x p
	x mat.Matrix

	// Names of the fixed and random effect variables, optional.
	fixedNames  []string
	randomNames []string

	// Set if the model was defined from a dataset and the variables
	// could not be retrieved.
	dataErr error

	maxIter     int
	tol         float64
	decreaseTol float64

	// Variance floor, if zero a default based on the response
	// variance is used.
	floor float64

	// Starting values, optional
	start       []float64
	startVar    bool
	sigma2y0    float64
	sigma2beta0 float64

	policy DecreasePolicy

	// If not nil, write log messages here
	log *log.Logger
}

// New returns a linear mixed model for the response y, with fixed
// effect design w (n x q) and random effect design x (n x p).  The
// data are copied when the model is fit.
func New(y []float64, w, x mat.Matrix) *LMM {
	return &LMM{
		y:           y,
		w:           w,
		x:           x,
		maxIter:     defaultMaxIter,
		tol:         defaultTol,
		decreaseTol: defaultDecreaseTol,
	}
}

// NewLMM returns a linear mixed model whose response is the variable
// yname in data.  Call Fixed and Random to define the design matrices.
func NewLMM(data statmodel.Dataset, yname string) *DatasetLMM {
	return &DatasetLMM{
		data:  data,
		yname: yname,
	}
}

// DatasetLMM assembles a linear mixed model from named variables.
type DatasetLMM struct {
	data   statmodel.Dataset
	yname  string
	fixed  []string
	random []string
}

// Fixed sets the names of the fixed effect variables.
func (d *DatasetLMM) Fixed(names ...string) *DatasetLMM {
	d.fixed = names
	return d
}

// Random sets the names of the random effect variables.
func (d *DatasetLMM) Random(names ...string) *DatasetLMM {
	d.random = names
	return d
}

// Done completes the definition of the model.  Errors retrieving the
// variables are reported when the model is fit.
func (d *DatasetLMM) Done() *LMM {

	m := New(nil, nil, nil).FixedNames(d.fixed).RandomNames(d.random)

	y, err := d.data.Column(d.yname)
	if err != nil {
		m.dataErr = err
		return m
	}
	w, err := d.data.Matrix(d.fixed)
	if err != nil {
		m.dataErr = fmt.Errorf("fixed effects: %w", err)
		return m
	}
	x, err := d.data.Matrix(d.random)
	if err != nil {
		m.dataErr = fmt.Errorf("random effects: %w", err)
		return m
	}

	m.y, m.w, m.x = y, w, x
	return m
}

// Fit fits a linear mixed model with default settings, performing at
// most maxIter - 1 PX-EM iterations.
func Fit(y []float64, w, x mat.Matrix, maxIter int) (*LMMResults, error) {
	return New(y, w, x).MaxIter(maxIter).Fit()
}

// MaxIter sets the iteration budget.  The log-likelihood is evaluated
// at the starting values and after each of at most n-1 iterations.
func (m *LMM) MaxIter(n int) *LMM {
	m.maxIter = n
	return m
}

// Tol sets the convergence tolerance, the fit stops when the absolute
// change in the log-likelihood is less than tol.
func (m *LMM) Tol(tol float64) *LMM {
	m.tol = tol
	return m
}

// DecreaseTol sets the tolerance for detecting a decrease of the
// log-likelihood, relative to max(1, |loglike|).
func (m *LMM) DecreaseTol(tol float64) *LMM {
	m.decreaseTol = tol
	return m
}

// VarFloor sets the smallest value that the variance components can
// take.  The default is 1e-12 times the sample variance of the response.
func (m *LMM) VarFloor(floor float64) *LMM {
	m.floor = floor
	return m
}

// Start sets starting values for the fixed effects.
func (m *LMM) Start(beta0 []float64) *LMM {
	m.start = beta0
	return m
}

// StartVar sets starting values for the residual and random effect
// variances.  By default both start at the sample variance of y.
func (m *LMM) StartVar(sigma2y, sigma2beta float64) *LMM {
	m.startVar = true
	m.sigma2y0 = sigma2y
	m.sigma2beta0 = sigma2beta
	return m
}

// OnDecrease sets the behavior when the log-likelihood decreases.
func (m *LMM) OnDecrease(policy DecreasePolicy) *LMM {
	m.policy = policy
	return m
}

// FixedNames sets the names of the fixed effect variables, used in
// the summary table.
func (m *LMM) FixedNames(names []string) *LMM {
	m.fixedNames = names
	return m
}

// RandomNames sets the names of the random effect variables, used to
// label the largest posterior random effects in the summary.
func (m *LMM) RandomNames(names []string) *LMM {
	m.randomNames = names
	return m
}

// Log takes a Logger value that will be used to log the progress of
// the fit.
func (m *LMM) Log(logger *log.Logger) *LMM {
	m.log = logger
	return m
}

// NumParams returns the number of fixed effects.
func (m *LMM) NumParams() int {
	if m.w == nil {
		return 0
	}
	_, q := m.w.Dims()
	return q
}

// NumRandom returns the number of random effects.
func (m *LMM) NumRandom() int {
	if m.x == nil {
		return 0
	}
	_, p := m.x.Dims()
	return p
}

// NumObs returns the number of observations.
func (m *LMM) NumObs() int {
	return len(m.y)
}

// check validates the data shapes and the options before any
// computation is done.
func (m *LMM) check() error {

	if m.dataErr != nil {
		return m.dataErr
	}

	if m.w == nil || m.x == nil {
		return fmt.Errorf("%w: missing design matrix", ErrDimensionMismatch)
	}

	n := len(m.y)
	nw, q := m.w.Dims()
	nx, p := m.x.Dims()

	switch {
	case n == 0:
		return fmt.Errorf("%w: empty response", ErrDimensionMismatch)
	case nw != n:
		return fmt.Errorf("%w: y has length %d, w has %d rows", ErrDimensionMismatch, n, nw)
	case nx != n:
		return fmt.Errorf("%w: y has length %d, x has %d rows", ErrDimensionMismatch, n, nx)
	case q == 0:
		return fmt.Errorf("%w: w has no columns", ErrDimensionMismatch)
	case p == 0:
		return fmt.Errorf("%w: x has no columns", ErrDimensionMismatch)
	case m.start != nil && len(m.start) != q:
		return fmt.Errorf("%w: starting values have length %d, w has %d columns",
			ErrDimensionMismatch, len(m.start), q)
	case m.fixedNames != nil && len(m.fixedNames) != q:
		return fmt.Errorf("%w: %d fixed effect names for %d columns",
			ErrDimensionMismatch, len(m.fixedNames), q)
	case m.randomNames != nil && len(m.randomNames) != m.NumRandom():
		return fmt.Errorf("%w: %d random effect names for %d columns",
			ErrDimensionMismatch, len(m.randomNames), p)
	}

	switch {
	case m.maxIter < 1:
		return fmt.Errorf("%w: maxIter must be positive, got %d", ErrInvalidOption, m.maxIter)
	case !(m.tol > 0):
		return fmt.Errorf("%w: tolerance must be positive, got %g", ErrInvalidOption, m.tol)
	case !(m.decreaseTol >= 0):
		return fmt.Errorf("%w: decrease tolerance must be non-negative, got %g", ErrInvalidOption, m.decreaseTol)
	case m.floor < 0:
		return fmt.Errorf("%w: variance floor must be non-negative, got %g", ErrInvalidOption, m.floor)
	case m.startVar && !(m.sigma2y0 > 0 && m.sigma2beta0 > 0):
		return fmt.Errorf("%w: starting variances must be positive, got %g and %g",
			ErrInvalidOption, m.sigma2y0, m.sigma2beta0)
	}

	return nil
}

// Fit estimates the parameters of the model.
//
// Shape and option errors are returned before any computation.  If the
// log-likelihood decreases and the decrease policy is AbortOnDecrease,
// both the results as of the last iteration before the decrease and an
// *InstabilityError are returned.  Other conditions (variance floors,
// exhausting the iteration budget) are attached to the results, see
// LMMResults.Events and LMMResults.Err.
func (m *LMM) Fit() (*LMMResults, error) {

	if err := m.check(); err != nil {
		return nil, err
	}

	// Private copies of the data
	y := make([]float64, len(m.y))
	copy(y, m.y)
	w := mat.DenseCopyOf(m.w)
	x := mat.DenseCopyOf(m.x)

	vary := stat.Variance(y, nil)

	st := pxState{
		sigma2y:    vary,
		sigma2beta: vary,
		beta0:      make([]float64, w.RawMatrix().Cols),
	}
	if m.startVar {
		st.sigma2y = m.sigma2y0
		st.sigma2beta = m.sigma2beta0
	} else if !(vary > 0) {
		return nil, fmt.Errorf("%w: the response has zero variance", ErrDegenerateVariance)
	}
	if m.start != nil {
		copy(st.beta0, m.start)
	}

	floor := m.floor
	if floor == 0 {
		floor = defaultFloorFactor * vary
		if !(floor > 0) {
			floor = defaultFloorFactor * st.sigma2y
		}
	}

	wk, err := newPXWork(y, w, x)
	if err != nil {
		return nil, err
	}

	st.u = wk.rotated(st.beta0)
	st.loglike = wk.logLike(st.beta0, st.sigma2y, st.sigma2beta)

	if m.log != nil {
		m.log.Printf("PX-EM fit: %d observations, %d fixed effects, %d random effects\n",
			wk.n, wk.q, wk.p)
		m.log.Printf("Iteration 0: loglike=%.10f sigma2y=%g sigma2beta=%g\n",
			st.loglike, st.sigma2y, st.sigma2beta)
	}

	fs := fitState{
		loglike: []float64{st.loglike},
		status:  MaxIterReached,
	}

	for iter := 2; iter <= m.maxIter; iter++ {

		it := iter - 1
		next, info, err := wk.step(st, floor)
		if err != nil {
			return nil, fmt.Errorf("iteration %d: %w", it, err)
		}

		if st.loglike-next.loglike > m.decreaseTol*math.Max(1, math.Abs(st.loglike)) {
			fs.event(m.log, it, NumericalInstability,
				fmt.Sprintf("loglike decreased from %.10f to %.10f", st.loglike, next.loglike))
			if m.policy == AbortOnDecrease {
				fs.status = Unstable
				return m.results(wk, st, fs), &InstabilityError{
					Iter: it,
					Prev: st.loglike,
					Cur:  next.loglike,
				}
			}
		}

		// Floors are only reported for accepted steps.
		if info.sigma2betaFloored {
			fs.event(m.log, it, DegenerateVariance,
				fmt.Sprintf("sigma2beta=%g set to floor %g", info.rawSigma2beta, floor))
		}
		if info.sigma2yFloored {
			fs.event(m.log, it, DegenerateVariance,
				fmt.Sprintf("sigma2y=%g set to floor %g", info.rawSigma2y, floor))
		}

		st = next
		fs.loglike = append(fs.loglike, st.loglike)
		fs.iteration = it

		if m.log != nil {
			m.log.Printf("Iteration %d: loglike=%.10f sigma2y=%g sigma2beta=%g gamma=%g\n",
				it, st.loglike, st.sigma2y, st.sigma2beta, info.gam)
		}

		k := len(fs.loglike)
		if math.Abs(fs.loglike[k-1]-fs.loglike[k-2]) < m.tol {
			fs.status = Converged
			break
		}
	}

	if fs.status == MaxIterReached {
		fs.event(m.log, fs.iteration, NonConvergence,
			fmt.Sprintf("no convergence after %d iterations", fs.iteration))
	} else if m.log != nil {
		m.log.Printf("PX-EM converged after %d iterations\n", fs.iteration)
	}

	return m.results(wk, st, fs), nil
}

// fitState tracks the iteration history of a fit.
type fitState struct {
	loglike   []float64
	iteration int
	status    Status
	events    []Event
}

func (fs *fitState) event(logger *log.Logger, iter int, cond Condition, msg string) {
	ev := Event{Iter: iter, Cond: cond, Msg: msg}
	fs.events = append(fs.events, ev)
	if logger != nil {
		logger.Print(ev.String() + "\n")
	}
}

// results finalizes the accepted state st into a results value.
func (m *LMM) results(wk *pxWork, st pxState, fs fitState) *LMMResults {

	cm, cs := wk.posterior(st.sigma2y, st.sigma2beta)

	names := m.fixedNames
	if names == nil {
		for j := 0; j < wk.q; j++ {
			names = append(names, fmt.Sprintf("w%d", j+1))
		}
	}
	rnames := m.randomNames
	if rnames == nil {
		for j := 0; j < wk.p; j++ {
			rnames = append(rnames, fmt.Sprintf("x%d", j+1))
		}
	}

	// A failure to invert leaves the covariance unset, so that no
	// standard errors are reported.
	vcov, _ := statmodel.InvertSym(wk.fixedInfo(st.sigma2y, st.sigma2beta))

	var trxtx float64
	for _, d := range wk.dd {
		trxtx += d
	}

	return &LMMResults{
		BaseResults: statmodel.NewBaseResults(m, st.loglike, st.beta0, names, vcov),
		sigma2y:     st.sigma2y,
		sigma2beta:  st.sigma2beta,
		loglikeSeq:  fs.loglike,
		iteration:   fs.iteration,
		status:      fs.status,
		events:      fs.events,
		sigb:        wk.sigb(cs),
		mub:         wk.mub(st.u, cm),
		randomNames: rnames,
		trxtx:       trxtx,
		w:           wk.w,
		x:           wk.x,
	}
}
