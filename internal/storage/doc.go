// Package storage is the SQLite record store for devices, groups, schedules,
// run history and small pieces of process metadata such as the scheduler
// heartbeat.
//
// Reads return hydrated irrigation.Schedule graphs: slots and conditions in
// stored order plus the resolved target device or group with its members.
package storage
