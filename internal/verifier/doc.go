// Package verifier observes convergence. It is a test and operations
// utility: controllers converge on their own, and nothing here feeds back
// into the pipeline.
package verifier
