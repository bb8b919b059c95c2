package opt

// EventKind identifies the loop point at which an event is emitted.
type EventKind int

const (
	EventStart EventKind = iota
	EventIteration
	EventEnd
)

func (k EventKind) String() string {
	switch k {
	case EventStart:
		return "start"
	case EventIteration:
		return "iteration"
	case EventEnd:
		return "end"
	}
	return "unknown"
}

// Event is an immutable snapshot of the optimizer at a loop point.
type Event struct {
	Kind             EventKind
	Iteration        int
	Value            float64
	ConvergenceValue float64
	LearningRate     float64
	State            State
	StopDescription  string
}

// Observer receives events synchronously on the control goroutine. It may
// call the optimizer's query methods but must not change optimizer or
// metric state.
type Observer interface {
	OnEvent(e Event)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(e Event)

func (f ObserverFunc) OnEvent(e Event) { f(e) }
