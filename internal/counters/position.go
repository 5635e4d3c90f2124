package counters

// Counter is a handle on one allocated slot's value.
type Counter struct {
	table *Table
	id    int32
}

// NewCounter wraps an allocated slot id.
func NewCounter(table *Table, id int32) *Counter {
	return &Counter{table: table, id: id}
}

// ID returns the slot id.
func (c *Counter) ID() int32 { return c.id }

// Get loads the value with acquire ordering.
func (c *Counter) Get() int64 { return c.table.GetValue(c.id) }

// Increment atomically adds one.
func (c *Counter) Increment() int64 { return c.table.AddValue(c.id, 1) }

// Add atomically adds delta.
func (c *Counter) Add(delta int64) int64 { return c.table.AddValue(c.id, delta) }

// Set release-stores the value.
func (c *Counter) Set(value int64) { c.table.SetValue(c.id, value) }

// Position is a single-writer stream position carried in a counter slot.
// The writer uses ordered stores; any number of readers use volatile loads.
type Position struct {
	table *Table
	id    int32
}

// NewPosition wraps an allocated slot id as a position.
func NewPosition(table *Table, id int32) *Position {
	return &Position{table: table, id: id}
}

// ID returns the slot id; clients resolve positions by id from events.
func (p *Position) ID() int32 { return p.id }

// Get loads the position with acquire ordering.
func (p *Position) Get() int64 { return p.table.GetValue(p.id) }

// SetOrdered release-stores the position.
func (p *Position) SetOrdered(value int64) { p.table.SetValue(p.id, value) }

// ProposeMaxOrdered release-stores value when it exceeds the current
// position.
func (p *Position) ProposeMaxOrdered(value int64) {
	if value > p.table.GetValue(p.id) {
		p.table.SetValue(p.id, value)
	}
}

// Close reclaims the backing slot.
func (p *Position) Close() { p.table.Free(p.id) }
