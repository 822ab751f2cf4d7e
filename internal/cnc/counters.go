package cnc

import (
	"fmt"
	"sync/atomic"
	"unsafe"
)

// Counters is a fixed-slot table pairing the CnC file's counterLabels and
// counterValues regions (spec.md §6 "Persisted state layout", supplemented
// per SPEC_FULL.md §D.5). Each slot holds one int64 value plus a short
// label; slot 0 is reserved unused so a zero registration id can mean
// "not registered".
type Counters struct {
	labels []byte
	values []byte
	next   atomic.Int32
}

const (
	labelSlotLength = 64
	valueSlotLength = 8
)

// NewCounters wraps the labels/values regions of an open CnC file.
func NewCounters(labels, values []byte) *Counters {
	c := &Counters{labels: labels, values: values}
	c.next.Store(1)
	return c
}

// Allocate reserves the next free slot, writes its label, and returns the
// slot id. It returns an error if the table is exhausted.
func (c *Counters) Allocate(label string) (int32, error) {
	id := c.next.Add(1) - 1
	if int(id+1)*labelSlotLength > len(c.labels) || int(id+1)*valueSlotLength > len(c.values) {
		return 0, fmt.Errorf("cnc: counters table exhausted at slot %d", id)
	}
	dst := c.labels[int(id)*labelSlotLength : int(id+1)*labelSlotLength]
	for i := range dst {
		dst[i] = 0
	}
	copy(dst, label)
	return id, nil
}

// Free zeroes a slot's label, making its intent explicit even though the
// backing storage is never reused within a driver lifetime.
func (c *Counters) Free(id int32) {
	dst := c.labels[int(id)*labelSlotLength : int(id+1)*labelSlotLength]
	for i := range dst {
		dst[i] = 0
	}
	c.Set(id, 0)
}

// Label returns the trimmed label text stored for slot id.
func (c *Counters) Label(id int32) string {
	raw := c.labels[int(id)*labelSlotLength : int(id+1)*labelSlotLength]
	n := 0
	for n < len(raw) && raw[n] != 0 {
		n++
	}
	return string(raw[:n])
}

func (c *Counters) valuePtr(id int32) *int64 {
	off := int(id) * valueSlotLength
	return (*int64)(unsafe.Pointer(&c.values[off]))
}

// Get reads slot id's current value.
func (c *Counters) Get(id int32) int64 { return atomic.LoadInt64(c.valuePtr(id)) }

// Set stores slot id's value.
func (c *Counters) Set(id int32, v int64) { atomic.StoreInt64(c.valuePtr(id), v) }

// Add atomically increments slot id's value by delta and returns the new
// total, mirroring the Prometheus counter/gauge semantics that mirror
// these same slots (SPEC_FULL.md §D.1/§D.5).
func (c *Counters) Add(id int32, delta int64) int64 { return atomic.AddInt64(c.valuePtr(id), delta) }
