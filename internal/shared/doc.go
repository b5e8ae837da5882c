// Package shared holds helpers used by more than one package.
//
// The testutil subpackage provides:
//
//   - a buffered slog handler for asserting on log events
//   - progress snapshot fixtures for store, transport and exporter tests
//
// Nothing here carries business logic, and only test code should import
// testutil.
package shared
