// Package maintenance runs the periodic housekeeping jobs of the engine on a
// cron schedule: evicting finished call sessions, purging expired auth state
// and abandoning idle conversations.
package maintenance
