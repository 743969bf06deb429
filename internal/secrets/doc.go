// Package secrets masks credentials in error reports before they are stored
// or sent to the reasoning endpoint.
//
// Three layers run in order: assignment patterns built from configured key
// names ("password=..." keeps the first four characters of the value), the
// rule pack in rules.go, and an optional gitleaks scan. Structured context is
// walked with explicit depth, key and length caps.
package secrets
