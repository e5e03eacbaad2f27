package record

// Ring is a bounded FIFO of message records. When full, Push evicts the
// oldest entry.
type Ring struct {
	items []MessageRecord
	head  int
	size  int
}

// NewRing returns an empty ring holding at most capacity records (minimum 1).
func NewRing(capacity int) *Ring {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring{items: make([]MessageRecord, capacity)}
}

// Cap returns the configured capacity.
func (r *Ring) Cap() int { return len(r.items) }

// Len returns the number of buffered records.
func (r *Ring) Len() int { return r.size }

// Push appends m, evicting the oldest record at capacity.
func (r *Ring) Push(m MessageRecord) {
	if r.size < len(r.items) {
		r.items[(r.head+r.size)%len(r.items)] = m
		r.size++
		return
	}
	r.items[r.head] = m
	r.head = (r.head + 1) % len(r.items)
}

// At returns the i-th record, oldest first. It panics when i is out of range.
func (r *Ring) At(i int) MessageRecord {
	if i < 0 || i >= r.size {
		panic("record: ring index out of range")
	}
	return r.items[(r.head+i)%len(r.items)]
}

// Last returns the newest record.
func (r *Ring) Last() (MessageRecord, bool) {
	if r.size == 0 {
		return MessageRecord{}, false
	}
	return r.At(r.size - 1), true
}

// Items returns a copy of the buffered records, oldest first.
func (r *Ring) Items() []MessageRecord {
	out := make([]MessageRecord, r.size)
	for i := range out {
		out[i] = r.At(i)
	}
	return out
}

// Reset drops every buffered record.
func (r *Ring) Reset() {
	clear(r.items)
	r.head, r.size = 0, 0
}

// Resize changes the capacity, keeping the newest min(old, new) records.
func (r *Ring) Resize(capacity int) {
	if capacity < 1 {
		capacity = 1
	}
	if capacity == len(r.items) {
		return
	}
	keep := r.Items()
	if len(keep) > capacity {
		keep = keep[len(keep)-capacity:]
	}
	r.items = make([]MessageRecord, capacity)
	r.head = 0
	r.size = copy(r.items, keep)
}
