// Package util holds small generic helpers shared by tests and fixtures.
package util

// Ptr returns a pointer to v. Optional schedule fields such as Start and End take pointers.
func Ptr[T any](v T) *T {
	return &v
}
