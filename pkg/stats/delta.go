package stats

// Counter turns a monotonically increasing engine counter into per-sample deltas.
// A value lower than the previous one means the counter reset (engine or
// container restart); the raw value is then used as the delta.
type Counter struct {
	prev uint64
}

func (c *Counter) Delta(cur uint64) uint64 {
	var d uint64
	if cur >= c.prev {
		d = cur - c.prev
	} else {
		d = cur
	}
	c.prev = cur
	return d
}
