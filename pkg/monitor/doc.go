// Package monitor samples host CPU utilization for the gate.
package monitor
