package lmm

import (
	"errors"
	"fmt"
)

var (
	// ErrDimensionMismatch indicates that the response, the fixed effect design,
	// the random effect design or the starting values do not have conforming shapes.
	ErrDimensionMismatch = errors.New("lmm: dimension mismatch")
	// ErrNumericalInstability indicates that the log-likelihood decreased between
	// consecutive iterations.
	ErrNumericalInstability = errors.New("lmm: log-likelihood decreased")
	// ErrDegenerateVariance indicates that a variance component reached its floor.
	ErrDegenerateVariance = errors.New("lmm: degenerate variance component")
	// ErrNonConvergence indicates that the iteration limit was reached before
	// the log-likelihood converged.
	ErrNonConvergence = errors.New("lmm: iteration limit reached without convergence")
	// ErrInvalidOption indicates an out of range fitting option.
	ErrInvalidOption = errors.New("lmm: invalid option")
	// ErrRankDeficient indicates that the fixed effect design does not have full column rank.
	ErrRankDeficient = errors.New("lmm: fixed effect design is rank deficient")
	// ErrDecomposition indicates that an eigendecomposition failed.
	ErrDecomposition = errors.New("lmm: eigendecomposition failed")
)

// InstabilityError reports a decrease of the log-likelihood.
type InstabilityError struct {
	Iter int
	Prev float64
	Cur  float64
}

func (e *InstabilityError) Error() string {
	return fmt.Sprintf("%v at iteration %d: %.10f -> %.10f", ErrNumericalInstability, e.Iter, e.Prev, e.Cur)
}

func (e *InstabilityError) Unwrap() error {
	return ErrNumericalInstability
}

// Condition classifies a non-fatal event observed while fitting.
type Condition int

// NumericalInstability, DegenerateVariance and NonConvergence are the
// conditions attached to fitted results.
const (
	NumericalInstability Condition = iota + 1
	DegenerateVariance
	NonConvergence
)

func (c Condition) String() string {
	switch c {
	case NumericalInstability:
		return "NumericalInstability"
	case DegenerateVariance:
		return "DegenerateVariance"
	case NonConvergence:
		return "NonConvergence"
	default:
		return fmt.Sprintf("Condition(%d)", int(c))
	}
}

// Err returns the sentinel error corresponding to the condition.
func (c Condition) Err() error {
	switch c {
	case NumericalInstability:
		return ErrNumericalInstability
	case DegenerateVariance:
		return ErrDegenerateVariance
	case NonConvergence:
		return ErrNonConvergence
	default:
		return nil
	}
}

// Event is a condition observed at a given iteration.
type Event struct {
	Iter int
	Cond Condition
	Msg  string
}

func (ev Event) String() string {
	return fmt.Sprintf("iteration %d: %s: %s", ev.Iter, ev.Cond, ev.Msg)
}

// Status summarizes how a fit terminated.
type Status int

// Converged means the log-likelihood change fell below the tolerance,
// MaxIterReached means the iteration budget was exhausted, and Unstable
// means the fit was stopped after the log-likelihood decreased.
const (
	Converged Status = iota
	MaxIterReached
	Unstable
)

func (s Status) String() string {
	switch s {
	case Converged:
		return "converged"
	case MaxIterReached:
		return "iteration limit reached"
	case Unstable:
		return "stopped after likelihood decrease"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// DecreasePolicy determines what happens when the log-likelihood decreases.
type DecreasePolicy int

// AbortOnDecrease stops the fit and returns the estimates from the last
// iteration before the decrease, along with an *InstabilityError.
// ContinueOnDecrease records the event on the results and keeps iterating.
const (
	AbortOnDecrease DecreasePolicy = iota
	ContinueOnDecrease
)
