// Package cantata identifies the composition execution engine build
package cantata

const (
	Name    = "cantata"
	Version = "0.3.0"
)
