package metrics

type Counter interface {
	Inc()
}

type Metrics struct {
	FillsProcessed  Counter
	FillsDropped    Counter
	OrdersPlaced    Counter
	OrdersCancelled Counter
	OrderFailures   Counter
	Imbalances      Counter
	Reconnects      Counter
	PassesAborted   Counter
}

type noopCounter struct{}

func (noopCounter) Inc() {}

func NewNoop() *Metrics {
	n := noopCounter{}
	return &Metrics{
		FillsProcessed:  n,
		FillsDropped:    n,
		OrdersPlaced:    n,
		OrdersCancelled: n,
		OrderFailures:   n,
		Imbalances:      n,
		Reconnects:      n,
		PassesAborted:   n,
	}
}
