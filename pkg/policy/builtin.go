package policy

// DefaultProtectedServices are services a run may not stop or keep from booting
// unless the operator overrides the list.
var DefaultProtectedServices = []string{
	"sshd",
	"ssh",
	"dbus",
	"systemd-journald",
	"systemd-logind",
	"RpcSs",
	"RpcEptMapper",
	"EventLog",
	"Winmgmt",
}

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		protectedServicesPolicy(),
		privilegedAutostartPolicy(),
	}
}

// protectedServicesPolicy vetoes entries that would stop a protected service.
func protectedServicesPolicy() Policy {
	return Policy{
		Name:        "protected-services",
		Description: "Protected services must end in an automatic start mode",
		Severity:    SeverityError,
		Enabled:     true,
		Rego: `package progresso.policies.protected

import rego.v1

automatic := {"Automatic", "Automatic (Delayed Start)"}

deny contains violation if {
	some protected in input.context.params.protected_services
	lower(protected) == lower(input.service.name)
	not input.service.end_mode in automatic
	violation := {
		"message": sprintf("%s is protected and may not be set to %s", [input.service.name, input.service.end_mode]),
		"severity": "error",
	}
}`,
	}
}

// privilegedAutostartPolicy warns when a service running with full privileges
// is newly set to start at boot.
func privilegedAutostartPolicy() Policy {
	return Policy{
		Name:        "privileged-autostart",
		Description: "Warn when a privileged service is newly enabled at boot",
		Severity:    SeverityWarning,
		Enabled:     true,
		Rego: `package progresso.policies.privileged

import rego.v1

automatic := {"Automatic", "Automatic (Delayed Start)"}

privileged := {"root", "localsystem", "nt authority\\system"}

deny contains violation if {
	input.service.end_mode in automatic
	not input.service.start_mode in automatic
	lower(input.service.log_on_as) in privileged
	violation := {
		"message": sprintf("%s runs as %s and will start at boot", [input.service.name, input.service.log_on_as]),
		"severity": "warning",
	}
}`,
	}
}
