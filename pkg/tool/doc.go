// Package tool validates, gates, executes, and records model-issued tool
// calls. A fault inside a single tool call never escapes as a Go error: it
// is converted into a structured failure result so the session keeps going.
package tool
