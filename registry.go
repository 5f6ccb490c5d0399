package genqueue

// registry is the task lifecycle registry, mapping a live request id to its
// task record. An entry exists from admission until the task's terminal
// transition (or a forced clear during shutdown). Mutations occur only under
// the manager lock; the manager owns task lifecycle, so entries hold strong
// references and are released on the terminal transition.
type registry struct {
	tasks map[string]*Task
}

func newRegistry() *registry {
	return &registry{tasks: make(map[string]*Task)}
}

func (x *registry) register(t *Task) {
	x.tasks[t.requestID] = t
}

func (x *registry) get(requestID string) *Task {
	return x.tasks[requestID]
}

func (x *registry) has(requestID string) bool {
	_, ok := x.tasks[requestID]
	return ok
}

// release removes the entry for t, unless the id has since been re-registered
// by a newer task (the allow duplicate policy permits that).
func (x *registry) release(t *Task) {
	if cur := x.tasks[t.requestID]; cur == t {
		delete(x.tasks, t.requestID)
	}
}

func (x *registry) len() int {
	return len(x.tasks)
}

func (x *registry) all() []*Task {
	out := make([]*Task, 0, len(x.tasks))
	for _, t := range x.tasks {
		out = append(out, t)
	}
	return out
}

// clearAll removes every entry, returning them.
func (x *registry) clearAll() []*Task {
	out := x.all()
	clear(x.tasks)
	return out
}
