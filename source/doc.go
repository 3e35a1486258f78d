// Package source provides built-in task source implementations.
//
// Task sources supply the list of background tasks a document wants running.
// The package includes:
//
//   - Static: Fixed list of tasks
//
// Custom sources can be implemented by satisfying the types.TaskSource interface.
package source
