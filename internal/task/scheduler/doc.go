// Package scheduler arms broadcast triggers.
//
//   - Registry holds one-shot deferred broadcasts, one timer per job.
//   - Recurring runs config-defined broadcasts on cron or interval schedules.
//
// Neither persists anything; pending jobs are dropped on Stop.
package scheduler
