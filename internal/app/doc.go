// Package app wires the analysis service together and manages its lifecycle.
//
// # Initialization Flow
//
// New builds everything from a loaded config.Config:
//
//	1. Initialize the slog logger and OpenTelemetry providers
//	2. Open the job store: in-memory fast side, SQLite or Postgres durable side
//	3. Open the aux cache used by analysts
//	4. Build the analysis pipeline and the stage table
//	5. Create the job supervisor and the watch stream
//	6. Assemble the chi router and the HTTP server
//
// # Usage
//
//	a, err := app.NewApplication()
//	if err != nil {
//	    return err
//	}
//	return a.Run()
//
// # Graceful Shutdown
//
// Run blocks until SIGINT or SIGTERM, then Stop:
//
//	- stops accepting HTTP requests
//	- closes open watch streams with a going-away frame
//	- cancels running jobs and waits for their final records
//	- closes the store, the cache and the telemetry providers
//
// Start marks jobs that a previous process left pending or running as
// failed before the listener opens.
//
// Initialization errors are returned to the caller; the package never
// calls os.Exit.
package app
