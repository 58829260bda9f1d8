package broadcast

import "fmt"

// Counters is the mutable tally of one run. It is never shared between runs.
type Counters struct {
	Success int
	Failure int
}

// Processed is the number of non-skipped recipients handled so far.
func (c Counters) Processed() int { return c.Success + c.Failure }

func (c *Counters) record(o Outcome) {
	if o.Failed() {
		c.Failure++
		return
	}
	c.Success++
}

// Report is the immutable result of a finished run.
type Report struct {
	Success int
	Failure int
	Total   int
	// Skipped counts recipients excluded as self or bot accounts.
	Skipped  int
	Canceled bool
}

func Finalize(c Counters, skipped int, canceled bool) Report {
	return Report{
		Success:  c.Success,
		Failure:  c.Failure,
		Total:    c.Success + c.Failure,
		Skipped:  skipped,
		Canceled: canceled,
	}
}

// Summary renders the user-visible reply.
func (r Report) Summary() string {
	s := fmt.Sprintf("Mass DM completed:\n- Successful: %d\n- Failed: %d", r.Success, r.Failure)
	if r.Canceled {
		s += "\n- Stopped early: canceled"
	}
	return s
}
