package messagebus

// Counter names the bus reports through its telemetry sink.
const (
	CounterMessagesPublishedTotal  = "MessageBusMessagesPublishedTotal"
	CounterMessagesPublishedPerSec = "MessageBusMessagesPublishedPerSec"
	CounterSubscribersTotal        = "MessageBusSubscribersTotal"
	CounterSubscribersCurrent      = "MessageBusSubscribersCurrent"
	CounterSubscribersPerSec       = "MessageBusSubscribersPerSec"
	CounterAllocatedWorkers        = "MessageBusAllocatedWorkers"
	CounterBusyWorkers             = "MessageBusBusyWorkers"
)

// Counter is one write-only telemetry counter. Implementations must be safe
// for concurrent use.
type Counter interface {
	SafeIncrement()
	SafeDecrement()
	SafeSetRaw(value int64)
}

// Counters hands out counters by name. The bus asks for each recognized
// name once at construction; unknown sinks simply return a no-op.
type Counters interface {
	GetCounter(name string) Counter
}

// NoopCounters discards all telemetry. It is the default sink.
type NoopCounters struct{}

func (NoopCounters) GetCounter(string) Counter { return noopCounter{} }

type noopCounter struct{}

func (noopCounter) SafeIncrement()   {}
func (noopCounter) SafeDecrement()   {}
func (noopCounter) SafeSetRaw(int64) {}
