package dispatch

import (
	"sort"
	"sync"
)

// Completion is the aggregate result of one logical send. A completion with
// errors is still a completed operation; callers inspect Errors per recipient
// to decide on retries.
type Completion struct {
	Timestamp uint64

	// Successful lists recipients where at least one device took the
	// message. Absent or deregistered devices are expected and non-fatal.
	Successful []string

	// Failover lists recipients for whom sealed sender was abandoned
	// mid-send in favor of the authenticated path.
	Failover []string

	// Unidentified lists recipients delivered via sealed sender.
	Unidentified []string

	// Errors holds one terminal error per recipient that did not succeed.
	Errors map[string]error

	// DeviceErrors holds secondary device-level detail for recipients that
	// still succeeded overall.
	DeviceErrors map[string]error
}

// Sent reports whether the message counts as sent: at least one recipient
// device succeeded.
func (c *Completion) Sent() bool {
	return len(c.Successful) > 0
}

// aggregator folds terminal per-recipient outcomes into exactly one
// Completion. Add may be called from any goroutine; the completion resolves
// once exactly total outcomes have arrived, regardless of order.
type aggregator struct {
	total int

	mu      sync.Mutex
	results []*RecipientResult

	once sync.Once
	done chan struct{}
	comp *Completion
}

func newAggregator(total int, timestamp uint64) *aggregator {
	return &aggregator{
		total: total,
		done:  make(chan struct{}),
		comp:  &Completion{Timestamp: timestamp},
	}
}

// Add records one terminal outcome. The total'th outcome resolves the
// completion; extra calls are ignored rather than double-resolving.
func (a *aggregator) Add(res *RecipientResult) {
	a.mu.Lock()
	if len(a.results) == a.total {
		a.mu.Unlock()
		return
	}
	a.results = append(a.results, res)
	resolved := len(a.results) == a.total
	a.mu.Unlock()

	if resolved {
		a.once.Do(a.resolve)
	}
}

func (a *aggregator) resolve() {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, res := range a.results {
		if res.Failover {
			a.comp.Failover = append(a.comp.Failover, res.ServiceID)
		}
		if res.Err != nil {
			if a.comp.Errors == nil {
				a.comp.Errors = make(map[string]error)
			}
			a.comp.Errors[res.ServiceID] = res.Err
			continue
		}
		a.comp.Successful = append(a.comp.Successful, res.ServiceID)
		if res.Unidentified {
			a.comp.Unidentified = append(a.comp.Unidentified, res.ServiceID)
		}
		if res.DeviceErrors != nil {
			if a.comp.DeviceErrors == nil {
				a.comp.DeviceErrors = make(map[string]error)
			}
			a.comp.DeviceErrors[res.ServiceID] = res.DeviceErrors
		}
	}

	// Keyed by identifier, independent of arrival order.
	sort.Strings(a.comp.Successful)
	sort.Strings(a.comp.Failover)
	sort.Strings(a.comp.Unidentified)

	close(a.done)
}

// Wait blocks until the completion resolves.
func (a *aggregator) Wait() *Completion {
	<-a.done
	return a.comp
}
