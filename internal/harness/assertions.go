package harness

import (
	"fmt"
	"reflect"
)

// Check validates a scenario's assertions against a run result. Returns the
// first failure.
func Check(scenario *Scenario, res *Result) error {
	for i, a := range scenario.Assertions {
		var err error
		switch a.Type {
		case AssertConverged:
			err = checkConverged(scenario, res)
		case AssertText:
			err = checkText(a, res)
		case AssertPendingEmpty:
			err = checkPendingEmpty(res)
		default:
			err = fmt.Errorf("unknown assertion type %q", a.Type)
		}
		if err != nil {
			return fmt.Errorf("assertion %d (%s): %w", i+1, a.Type, err)
		}
	}
	return nil
}

func checkConverged(scenario *Scenario, res *Result) error {
	if len(scenario.Replicas) < 2 {
		return nil
	}
	ref := scenario.Replicas[0]
	refReplica := res.Replicas[ref]
	for _, name := range scenario.Replicas[1:] {
		r := res.Replicas[name]
		if r.Text() != refReplica.Text() {
			return fmt.Errorf("%s has %q, %s has %q",
				ref, refReplica.Text(), name, r.Text())
		}
		if !reflect.DeepEqual(r.Version(), refReplica.Version()) {
			return fmt.Errorf("%s and %s diverge in version: %v vs %v",
				ref, name, refReplica.Version(), r.Version())
		}
	}
	return nil
}

func checkText(a Assertion, res *Result) error {
	got := res.Replicas[a.Replica].Text()
	if got != a.Text {
		return fmt.Errorf("%s has %q, want %q", a.Replica, got, a.Text)
	}
	return nil
}

func checkPendingEmpty(res *Result) error {
	for name, r := range res.Replicas {
		if n := r.PendingCount(); n > 0 {
			return fmt.Errorf("%s still has %d parked operations", name, n)
		}
	}
	return nil
}
