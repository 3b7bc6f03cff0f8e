/*
Package lmm fits linear mixed models with a single random effect
variance component,

	y = W beta0 + X b + e,  b ~ N(0, sigma2beta I),  e ~ N(0, sigma2y I),

using parameter-expanded EM (PX-EM).  X may have many more columns
than rows.  The eigendecompositions of X'X and XX' are computed once,
after which every iteration costs O(p + n) beyond a few matrix-vector
products.

A model is defined from raw arrays with New, or from named variables
in a statmodel.Dataset with NewLMM:

	model := lmm.NewLMM(data, "y").Fixed("icept").Random(snps...).Done()
	result, err := model.Fit()
	fmt.Printf("%v\n", result.Summary())

The data can be read with the dstream package, see statmodel.FromDstream.
*/
package lmm
