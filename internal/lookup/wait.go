package lookup

import "github.com/dssg/vibrant-routing-public/pkg/types"

// DefaultWaitMinutes is used for pairs without a configured wait time.
const DefaultWaitMinutes = 3

// WaitTimeOracle returns how many minutes a caller waits at a center before
// flowing out.
type WaitTimeOracle struct {
	minutes        map[types.CenterPair]int
	defaultMinutes int
}

// NewWaitTimeOracle copies minutes. A non-positive defaultMinutes selects
// DefaultWaitMinutes.
func NewWaitTimeOracle(minutes map[types.CenterPair]int, defaultMinutes int) *WaitTimeOracle {
	if defaultMinutes <= 0 {
		defaultMinutes = DefaultWaitMinutes
	}
	o := &WaitTimeOracle{
		minutes:        make(map[types.CenterPair]int, len(minutes)),
		defaultMinutes: defaultMinutes,
	}
	for pair, m := range minutes {
		o.minutes[pair] = m
	}
	return o
}

// WaitMinutes returns the wait for pair and whether it was configured.
func (o *WaitTimeOracle) WaitMinutes(pair types.CenterPair) (int, bool) {
	if m, ok := o.minutes[pair]; ok {
		return m, true
	}
	return o.defaultMinutes, false
}
