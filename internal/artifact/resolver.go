// Package artifact maps inputs to output files and turns outcomes into
// success/error artifacts on disk.
package artifact

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Resolver maps an input path to its artifact path. It is a pure value: no
// filesystem access, so the dispatcher's existence check and the reconciler's
// write target always agree.
type Resolver struct {
	InputRoot  string
	OutputRoot string // empty: artifacts are written beside their inputs
	Suffix     string
}

func NewResolver(inputRoot, outputRoot, suffix string) Resolver {
	r := Resolver{InputRoot: filepath.Clean(inputRoot), Suffix: suffix}
	if outputRoot != "" {
		r.OutputRoot = filepath.Clean(outputRoot)
	}
	return r
}

// Resolve returns the success artifact path for input.
func (r Resolver) Resolve(input string) string {
	return Resolve(input, r.InputRoot, r.OutputRoot, r.Suffix)
}

// ErrorPath returns the error artifact path for input and a status code.
func (r Resolver) ErrorPath(input string, statusCode int) string {
	return ErrorPath(r.Resolve(input), r.Suffix, statusCode)
}

// Resolve maps input under inputRoot to outputRoot, replacing the extension
// with suffix. Inputs outside inputRoot keep only their base name.
func Resolve(input, inputRoot, outputRoot, suffix string) string {
	input = filepath.Clean(input)
	if outputRoot == "" {
		return stem(input) + suffix
	}

	rel, err := filepath.Rel(filepath.Clean(inputRoot), input)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		rel = filepath.Base(input)
	}
	return filepath.Join(filepath.Clean(outputRoot), stem(rel)+suffix)
}

// ErrorPath swaps the result suffix of a success artifact for _<status>.txt.
func ErrorPath(successPath, suffix string, statusCode int) string {
	return fmt.Sprintf("%s_%d.txt", strings.TrimSuffix(successPath, suffix), statusCode)
}

func stem(path string) string {
	return strings.TrimSuffix(path, filepath.Ext(path))
}
