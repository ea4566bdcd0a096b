// Package api implements the HTTP REST API and WebSocket server for Fleet Core.
//
// This package provides:
//   - REST endpoints for the device and group inventory
//   - Task submission (resync, domain sync, firmware deployment, reboot),
//     polling, long-poll waits and task history
//   - Work area, lock and ingestion statistics
//   - An audit trail of inventory changes and task submissions
//   - WebSocket hub broadcasting task progress and device notifications
//   - JWT bearer authentication with role-based permissions, and
//     single-use tickets for WebSocket connections
//   - Middleware stack (request ID, logging, recovery, CORS, body limit)
//
// # Architecture
//
// The API server sits between operator tooling and the fleet manager.
// Requests that change a device become tasks on the device's work area and
// return 202 with the task reference; clients then poll GET /tasks/{id},
// long-poll GET /tasks/{id}/wait, or subscribe to "task.progress" over the
// WebSocket.
//
// # Graceful Degradation
//
// The server runs without MQTT or InfluxDB. Health reports each configured
// dependency; task history endpoints return 503 when no history store is
// wired.
package api
