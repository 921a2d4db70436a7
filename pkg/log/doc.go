// Package log provides structured logging built on zerolog: a global
// Logger configured once via Init, plus component/node child loggers
// that the rest of the tree attaches per-call fields to directly.
package log
