// Package policy provides Open Policy Agent (OPA) guardrails for target lists.
//
// Every target entry is evaluated against a set of Rego policies before it
// reaches the service controller. A violation of severity error or critical
// vetoes the entry, which the run then records as skipped with the policy
// message. Lower severities are logged only.
//
// # Writing policies
//
// A policy is a Rego module defining a set rule named deny:
//
//	# Never touch the print spooler.
//	# severity: error
//	package site.spooler
//
//	import rego.v1
//
//	deny contains "spooler is managed by the print team" if {
//	    lower(input.service.name) == "spooler"
//	}
//
// The input document has the shape:
//
//	{
//	  "service":  {"name": ..., "status": ..., "start_mode": ..., "end_mode": ..., "log_on_as": ...},
//	  "position": 0,
//	  "context":  {"timestamp": ..., "params": {"protected_services": [...]}}
//	}
//
// Members of deny may be strings or objects with message and severity keys.
//
// # Built-in Policies
//
//   - protected-services: services named in params.protected_services must end
//     in an automatic start mode (error).
//   - privileged-autostart: a service running as root or LocalSystem is being
//     newly enabled at boot (warning).
//
// # Usage
//
//	eng, err := policy.NewEngine(ctx,
//	    policy.WithLogger(logger),
//	    policy.WithParams(map[string]interface{}{"protected_services": []string{"sshd"}}),
//	)
//	if err != nil {
//	    return err
//	}
//	if err := eng.LoadPolicies(ctx, []string{"/etc/progresso/policies"}); err != nil {
//	    return err
//	}
//	seq := engine.NewSequencer(controller, monitor, engine.WithGuard(eng))
package policy
