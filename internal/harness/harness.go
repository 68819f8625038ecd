package harness

import (
	"fmt"
	"sort"

	"github.com/mentora/coedit/internal/doc"
)

// Event is one transcript entry.
type Event struct {
	Seq     int               `json:"seq"`
	Action  string            `json:"action"`
	Replica string            `json:"replica,omitempty"`
	From    string            `json:"from,omitempty"`
	To      string            `json:"to,omitempty"`
	Value   string            `json:"value,omitempty"`
	Length  int               `json:"length,omitempty"`
	Ops     int               `json:"ops,omitempty"`
	Text    string            `json:"text,omitempty"`
	Texts   map[string]string `json:"texts,omitempty"`
}

// Snapshot is a full scenario transcript, serialized for golden comparison.
type Snapshot struct {
	ScenarioName string            `json:"scenario_name"`
	Events       []Event           `json:"events"`
	Final        map[string]string `json:"final"`
}

// Result holds the replicas and transcript after a scenario run.
type Result struct {
	Replicas map[string]*doc.Replica
	Snapshot Snapshot
}

// Run executes a scenario. Steps fail the run on structural errors such as
// an out-of-range edit; assertion checking is separate (see Check).
func Run(scenario *Scenario) (*Result, error) {
	replicas := make(map[string]*doc.Replica, len(scenario.Replicas))
	for _, name := range scenario.Replicas {
		replicas[name] = doc.NewReplica(doc.ClientID(name))
	}

	res := &Result{
		Replicas: replicas,
		Snapshot: Snapshot{ScenarioName: scenario.Name},
	}

	for i, step := range scenario.Steps {
		event := Event{Seq: i + 1}
		switch {
		case step.Insert != nil:
			r := replicas[step.Replica]
			if _, err := r.InsertAt(step.Insert.Pos, step.Insert.Text); err != nil {
				return nil, fmt.Errorf("step %d: %w", i+1, err)
			}
			event.Action = "insert"
			event.Replica = step.Replica
			event.Value = step.Insert.Text
			event.Text = r.Text()

		case step.Delete != nil:
			r := replicas[step.Replica]
			if _, err := r.DeleteAt(step.Delete.Pos, step.Delete.Length); err != nil {
				return nil, fmt.Errorf("step %d: %w", i+1, err)
			}
			event.Action = "delete"
			event.Replica = step.Replica
			event.Length = step.Delete.Length
			event.Text = r.Text()

		case step.Deliver != nil:
			from := replicas[step.Deliver.From]
			to := replicas[step.Deliver.To]
			ops := from.Diff(to.Version())
			if err := to.ApplyAll(ops); err != nil {
				return nil, fmt.Errorf("step %d: %w", i+1, err)
			}
			event.Action = "deliver"
			event.From = step.Deliver.From
			event.To = step.Deliver.To
			event.Ops = len(ops)
			event.Text = to.Text()

		case step.DeliverAll:
			if err := deliverAll(scenario.Replicas, replicas); err != nil {
				return nil, fmt.Errorf("step %d: %w", i+1, err)
			}
			event.Action = "deliver_all"
			event.Texts = texts(replicas)
		}
		res.Snapshot.Events = append(res.Snapshot.Events, event)
	}

	res.Snapshot.Final = texts(replicas)
	return res, nil
}

// deliverAll exchanges missing operations between every ordered pair, in
// sorted name order for a deterministic transcript.
func deliverAll(names []string, replicas map[string]*doc.Replica) error {
	sorted := append([]string(nil), names...)
	sort.Strings(sorted)
	for _, from := range sorted {
		for _, to := range sorted {
			if from == to {
				continue
			}
			ops := replicas[from].Diff(replicas[to].Version())
			if err := replicas[to].ApplyAll(ops); err != nil {
				return fmt.Errorf("deliver %s -> %s: %w", from, to, err)
			}
		}
	}
	return nil
}

func texts(replicas map[string]*doc.Replica) map[string]string {
	out := make(map[string]string, len(replicas))
	for name, r := range replicas {
		out[name] = r.Text()
	}
	return out
}
