package orchestrator

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var (
	ErrDuplicateTask = errors.New("duplicate task id")
	ErrUnknownTask   = errors.New("unknown task")
	ErrUnknownDAG    = errors.New("unknown dag")
)

// DAG groups tasks under unique ids.
type DAG struct {
	id string

	mu    sync.RWMutex
	tasks map[string]Task
}

func NewDAG(id string) (*DAG, error) {
	if !taskIDPattern.MatchString(id) {
		return nil, fmt.Errorf("invalid dag id %q", id)
	}
	return &DAG{id: id, tasks: make(map[string]Task)}, nil
}

func (d *DAG) ID() string { return d.id }

func (d *DAG) Add(t Task) error {
	if t == nil {
		return errors.New("task is nil")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	id := t.TaskID()
	if _, ok := d.tasks[id]; ok {
		return fmt.Errorf("%w: %s in dag %s", ErrDuplicateTask, id, d.id)
	}
	d.tasks[id] = t
	return nil
}

func (d *DAG) Task(id string) (Task, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	t, ok := d.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s in dag %s", ErrUnknownTask, id, d.id)
	}
	return t, nil
}

// Tasks returns the tasks sorted by id.
func (d *DAG) Tasks() []Task {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Task, 0, len(d.tasks))
	for _, t := range d.tasks {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID() < out[j].TaskID() })
	return out
}
