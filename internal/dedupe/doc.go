// Package dedupe suppresses events a live feed delivers more than once
// within a configurable window.
package dedupe
