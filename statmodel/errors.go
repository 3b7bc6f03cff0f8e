package statmodel

import "errors"

var (
	// ErrUnknownVariable indicates a requested variable is not in the dataset.
	ErrUnknownVariable = errors.New("statmodel: unknown variable")
	// ErrRaggedData indicates the data columns do not all have the same length.
	ErrRaggedData = errors.New("statmodel: data columns have different lengths")
	// ErrNotPositiveDefinite indicates an information matrix could not be inverted.
	ErrNotPositiveDefinite = errors.New("statmodel: matrix is not positive definite")
)

// ErrUnsupportedType indicates a dstream column that is not numeric.
var ErrUnsupportedType = errors.New("statmodel: variable is not numeric")

// ErrEmpty indicates a dataset with no observations.
var ErrEmpty = errors.New("statmodel: dataset has no observations")
