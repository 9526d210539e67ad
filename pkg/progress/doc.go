// Package progress writes the per-run progress artifact.
//
// Each run gets its own file named <prefix>.YYYYMMDD.HHMMSS.<ext>. The file is
// created exclusively when the run starts and then replaced as a whole after
// every processed entry, so a reader always sees the last complete checkpoint.
package progress
