// Package guard is the navigation gatekeeper: given the session state and a
// target with an optional permission requirement, it decides whether the UI
// shell should render, wait, deny or redirect to login.
package guard
