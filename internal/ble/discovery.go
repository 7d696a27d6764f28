package ble

// Batch is an ordered snapshot of the deduplicated discovery set. Entries are
// in first-observed order and no two share an address.
type Batch []Peripheral

// Discovery holds the results of the current scan. It is not safe for
// concurrent use; the Service serialises access to it.
type Discovery struct {
	filter Filter
	emit   func(Batch)

	order []string // addresses in first-observed order
	seen  map[string]Peripheral
}

// NewDiscovery creates a discovery set that admits observations matching
// filter and passes every new snapshot to emit.
func NewDiscovery(filter Filter, emit func(Batch)) *Discovery {
	if filter == nil {
		filter = NameContains(DefaultNameMarker)
	}
	if emit == nil {
		emit = func(Batch) {}
	}
	return &Discovery{
		filter: filter,
		emit:   emit,
		seen:   make(map[string]Peripheral),
	}
}

// Reset clears the set. Called at the start of every scan.
func (d *Discovery) Reset() {
	d.order = nil
	d.seen = make(map[string]Peripheral)
}

// Ingest admits o if it matches the filter, replacing any earlier record with
// the same address, and emits a fresh snapshot. It reports whether o was
// admitted.
func (d *Discovery) Ingest(o Observation) bool {
	if o.Address == "" || !d.filter.Matches(o) {
		return false
	}
	d.put(peripheralFrom(o))
	d.emit(d.Snapshot())
	return true
}

// SeedFromPaired pre-populates the set with the bonded peripherals that match
// the filter. One snapshot is emitted if anything matched.
func (d *Discovery) SeedFromPaired(paired []Observation) {
	matched := filterPaired(d.filter, paired)
	if len(matched) == 0 {
		return
	}
	for _, o := range matched {
		if o.Address == "" {
			continue
		}
		d.put(peripheralFrom(o))
	}
	d.emit(d.Snapshot())
}

// Snapshot returns a copy of the current set.
func (d *Discovery) Snapshot() Batch {
	out := make(Batch, 0, len(d.order))
	for _, addr := range d.order {
		out = append(out, d.seen[addr])
	}
	return out
}

// Len returns the number of distinct peripherals seen since the last Reset.
func (d *Discovery) Len() int { return len(d.order) }

func (d *Discovery) put(p Peripheral) {
	prev, ok := d.seen[p.Address]
	if !ok {
		d.order = append(d.order, p.Address)
	} else if prev.Paired {
		// a live sighting of a bonded peripheral is still bonded
		p.Paired = true
	}
	d.seen[p.Address] = p
}
