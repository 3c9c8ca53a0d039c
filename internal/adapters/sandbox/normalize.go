package sandbox

import "strings"

// functionPrefixes are the leading tokens that mark source text as already
// being a function expression.
var functionPrefixes = []string{"(", "function", "async function", "async (", "async("}

// Normalize turns submitted source into a single-argument callable
// expression. Text that starts like a function expression is kept as is;
// anything else becomes the body of (input) => { ... }.
//
// Only the leading tokens are inspected. Text that passes the check but is
// not a function, such as "(input.a)", is caught when the compiled value
// turns out not to be callable.
func Normalize(code string) string {
	trimmed := strings.TrimSpace(code)
	if IsFunctionExpression(trimmed) {
		return trimmed
	}
	return "(input) => {\n" + trimmed + "\n}"
}

// IsFunctionExpression reports whether trimmed source starts with one of
// the recognised function prefixes.
func IsFunctionExpression(trimmed string) bool {
	for _, p := range functionPrefixes {
		if strings.HasPrefix(trimmed, p) {
			return true
		}
	}
	return false
}
