// Package activity enforces the inactivity policy: an idle timer armed by
// user-interaction events, a warning window with a countdown before the
// deadline, and a forced logout when the countdown runs out.
//
// The last-activity timestamp is persisted independently of the session
// blob so the idle budget carries across agent restarts. Timer scheduling
// goes through the Scheduler interface, which tests replace with a manual
// clock.
package activity
