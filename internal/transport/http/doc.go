// Package http implements the HTTP handlers of the analysis service.
//
// Handlers stay thin: they parse and validate the request, call the job
// supervisor or the signal calculator, and hand every error to the shared
// errors.ErrorHandler, which maps it to an RFC 7807 problem response.
//
// # Routes
//
//	POST   /api/jobs                   start a job (202 + Location)
//	GET    /api/jobs/{id}              latest progress snapshot
//	POST   /api/jobs/{id}/cancel       request cancellation (202)
//	GET    /api/jobs/{id}/result       final record, 409 until terminal
//	GET    /api/jobs/{id}/report.xlsx  final record as a workbook
//	GET    /api/jobs/{id}/report.csv   stage outputs as CSV
//	DELETE /api/jobs/{id}              drop a finished job (204)
//	GET    /api/jobs/{id}/watch        WebSocket progress stream
//	GET    /api/signal                 market heat from query parameters
//	GET    /healthz                    liveness with runtime stats
//	GET    /metrics                    Prometheus scrape
//
// Routers are assembled in internal/app.
package http
