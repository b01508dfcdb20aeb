// Package testutil contains helpers shared by tests: collecting and
// checking turn event streams and building package definitions fluently.
// They are not intended for production usage.
package testutil
