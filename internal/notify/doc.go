// Package notify connects device traffic on MQTT to the fleet manager.
//
// The Ingestor subscribes to fleet/notify/+ and hands each well-formed
// notification to the manager, which feeds it into the owning work area's
// reorder collection. Malformed payloads, oversized payloads and
// notifications from unknown devices are logged and dropped; nothing is
// returned to the MQTT client.
//
// The CommandPublisher implements fleet.Publisher on top of the MQTT client:
// commands go to fleet/command/{serial} and task progress is retained on
// fleet/task/{id}/progress.
package notify
