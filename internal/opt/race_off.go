//go:build !race

package opt

// Race_ reports whether the race detector is enabled. Stress workloads
// scale themselves down when it is.
const Race_ = false
