/*
Package schedule computes next-run times for recurring tasks and evaluates
blackout windows.

The planner supports continuous, interval, daily, weekly, monthly, custom and
adaptive schedules. Adaptive schedules pick the hour-of-day with the highest
historical success count from the task's execution history ring and add ±30
minutes of jitter to de-synchronize instances; with fewer than ten recorded
runs they fall back to a four hour interval.

Blackout windows are time-of-day ranges evaluated in the schedule's IANA time
zone. A window whose start is later than its end crosses midnight and excludes
both halves. NextExit hops from window to window, so overlapping windows and
back-to-back ranges resolve to the true first clear minute.
*/
package schedule
