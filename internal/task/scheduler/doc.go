// Package scheduler registers named triggers (cron expressions, fixed
// intervals and one-shot instants) and enqueues the bound job into the task
// engine when a trigger fires.
//
// Registration upserts by name. Names are plain strings, so callers can use
// structured names and remove a whole family with RemovePrefix.
//
// When a Checkpoint is configured the scheduler persists a heartbeat. On
// Start it fires, once, every cron trigger whose most recent fire time fell
// after the last heartbeat and is still inside the misfire grace window.
package scheduler
