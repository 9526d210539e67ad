// Package platform implements engine.ServiceController for the host service
// managers: systemd through systemctl on Linux and the Service Control Manager
// through sc.exe on Windows. All commands go through a Runner.
package platform
