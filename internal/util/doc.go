// Package util holds small helpers shared by the provider packages: scope
// string handling, log-safe truncation and outbound URL classification.
package util
