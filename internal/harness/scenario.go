// Package harness runs multi-replica convergence scenarios from YAML files.
//
// A scenario names a set of replicas, drives them through local edits and
// explicit deliveries, and asserts on the outcome. Delivery is under test
// control, so interleavings that are racy over a real channel are exact and
// repeatable here. Each run produces a transcript that golden tests pin.
package harness

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Scenario defines one convergence test.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Replicas lists the participant IDs, created empty before the steps run.
	Replicas []string `yaml:"replicas"`

	// Steps is the edit and delivery sequence.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final state.
	Assertions []Assertion `yaml:"assertions"`
}

// Step is one scenario action. Exactly one of the action fields is set.
type Step struct {
	// Replica is the actor for insert and delete steps.
	Replica string `yaml:"replica,omitempty"`

	Insert *InsertStep `yaml:"insert,omitempty"`
	Delete *DeleteStep `yaml:"delete,omitempty"`

	// Deliver sends every operation the target is missing from one replica.
	Deliver *DeliverStep `yaml:"deliver,omitempty"`

	// DeliverAll exchanges missing operations between every pair of
	// replicas, both directions.
	DeliverAll bool `yaml:"deliver_all,omitempty"`
}

// InsertStep inserts text at a visible position.
type InsertStep struct {
	Pos  int    `yaml:"pos"`
	Text string `yaml:"text"`
}

// DeleteStep removes a visible range.
type DeleteStep struct {
	Pos    int `yaml:"pos"`
	Length int `yaml:"length"`
}

// DeliverStep is a directed delivery.
type DeliverStep struct {
	From string `yaml:"from"`
	To   string `yaml:"to"`
}

// Assertion validates the final state.
//
// Types: "converged" (all replicas hold identical text and version),
// "text" (one replica's text equals Text), "pending_empty" (no replica has
// parked operations).
type Assertion struct {
	Type    string `yaml:"type"`
	Replica string `yaml:"replica,omitempty"`
	Text    string `yaml:"text,omitempty"`
}

// Assertion type constants.
const (
	AssertConverged    = "converged"
	AssertText         = "text"
	AssertPendingEmpty = "pending_empty"
)

// LoadScenario reads and parses a scenario YAML file. Unknown fields are
// rejected so typos fail loudly.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Replicas) == 0 {
		return fmt.Errorf("at least one replica is required")
	}
	known := make(map[string]bool, len(s.Replicas))
	for _, r := range s.Replicas {
		if r == "" {
			return fmt.Errorf("replica names must not be empty")
		}
		if known[r] {
			return fmt.Errorf("duplicate replica %q", r)
		}
		known[r] = true
	}

	for i, step := range s.Steps {
		actions := 0
		if step.Insert != nil {
			actions++
		}
		if step.Delete != nil {
			actions++
		}
		if step.Deliver != nil {
			actions++
		}
		if step.DeliverAll {
			actions++
		}
		if actions != 1 {
			return fmt.Errorf("step %d: exactly one action is required", i+1)
		}
		if step.Insert != nil || step.Delete != nil {
			if !known[step.Replica] {
				return fmt.Errorf("step %d: unknown replica %q", i+1, step.Replica)
			}
		}
		if step.Deliver != nil {
			if !known[step.Deliver.From] || !known[step.Deliver.To] {
				return fmt.Errorf("step %d: deliver names unknown replicas", i+1)
			}
			if step.Deliver.From == step.Deliver.To {
				return fmt.Errorf("step %d: deliver from a replica to itself", i+1)
			}
		}
	}

	for i, a := range s.Assertions {
		switch a.Type {
		case AssertConverged, AssertPendingEmpty:
		case AssertText:
			if !known[a.Replica] {
				return fmt.Errorf("assertion %d: unknown replica %q", i+1, a.Replica)
			}
		default:
			return fmt.Errorf("assertion %d: unknown type %q", i+1, a.Type)
		}
	}
	return nil
}
