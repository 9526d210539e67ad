// Package targets reads and writes the ordered target list.
//
// The canonical document is ordem.target.xml:
//
//	<OrdemTargets>
//	  <Service>
//	    <name>Spooler</name>
//	    <status>Stopped</status>
//	    <start_mode>Manual</start_mode>
//	    <end_mode>Automatic</end_mode>
//	  </Service>
//	</OrdemTargets>
//
// YAML and JSON lists with the same field names under a top-level "services"
// key are accepted when the file extension says so. Element order is execution
// order. Saves replace the whole file atomically; there are no partial updates.
package targets
