package clock

import "time"

// Clock abstracts the time source used by the coordinator loops and the
// timeout scanner.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// Real implements Clock using the standard library.
type Real struct{}

// Now returns the current UTC time.
func (Real) Now() time.Time {
	return time.Now().UTC()
}

// After mirrors time.After while satisfying the Clock interface.
func (Real) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

// Since returns the time elapsed since t according to clk.
func Since(clk Clock, t time.Time) time.Duration {
	if clk == nil {
		clk = Real{}
	}
	return clk.Now().Sub(t)
}
