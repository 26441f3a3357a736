// Package irrigation turns stored schedules into valve actuation.
//
// A Compiler derives one start trigger per time slot (and a matching stop
// trigger when the target runs in parallel), registers them with the
// scheduler and removes them again when the schedule is disabled or deleted.
// Fired triggers run on the task engine and call the Executor, which checks
// the schedule's conditions, drives the device transport and keeps the
// Registry of running valves current.
package irrigation
