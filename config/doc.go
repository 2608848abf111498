// Package config provides a stage registry and human-readable pipeline
// configuration.
//
// Register stage factories by type name, then define pipelines in YAML (or
// structs) that reference those types with their options (fan-out, timeout,
// prompt template, criteria):
//
//	name: poem
//	stages:
//	  - name: draft
//	    type: generate
//	    fan_out: 3
//	    prompt: "Write a poem about {{.Input}}"
//	  - name: evaluate
//	    type: evaluate
//	    criteria: [imagery, cadence]
//	  - name: polish
//	    prompt: "Polish this draft:\n{{.Prev.Text}}"
//
// Build a runner with Build(registry, config, executor). EngineConfig maps
// onto the task manager and step executor sizing and carries its own
// Validate and defaults.
package config
