// Package model defines SyntheticObject, the unit of retained memory.
package model

import (
	"crypto/rand"
	"fmt"
	"maps"
	mrand "math/rand"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Per-entry weights used by ApproximateSize
const (
	TagWeight      = 50
	PropertyWeight = 100
)

// Spec carries the inclusive ranges an object is sampled from
type Spec struct {
	PayloadMin     int
	PayloadMax     int
	TagsMin        int
	TagsMax        int
	PropsMin       int
	PropsMax       int
	MetadataRepeat int
}

// Allocator hands out payload buffers. storage.MemoryPool implements it.
type Allocator interface {
	Allocate(size int64) ([]byte, error)
}

// heapAllocator is used when no pool is configured
type heapAllocator struct{}

func (heapAllocator) Allocate(size int64) ([]byte, error) {
	return make([]byte, size), nil
}

// SyntheticObject is immutable after New returns. Accessors hand out copies
// of the mutable Go types so callers cannot alter a retained object.
type SyntheticObject struct {
	id         string
	payload    []byte
	metadata   string
	tags       []string
	properties map[string]string
	timestamp  int64 // ms, from the process Clock
}

// ObjectID formats the identity of the i-th object created by request n
func ObjectID(request uint64, index int) string {
	return "req_" + strconv.FormatUint(request, 10) + "_obj_" + strconv.Itoa(index)
}

// New builds one SyntheticObject. A nil allocator allocates from the heap,
// a nil clock uses the process clock.
func New(id string, spec Spec, alloc Allocator, clock Clock) (*SyntheticObject, error) {
	if alloc == nil {
		alloc = heapAllocator{}
	}
	if clock == nil {
		clock = ProcessClock()
	}

	size := sampleRange(spec.PayloadMin, spec.PayloadMax)
	var payload []byte
	if size > 0 {
		buf, err := alloc.Allocate(int64(size))
		if err != nil {
			return nil, fmt.Errorf("allocate payload for %s: %w", id, err)
		}
		if _, err := rand.Read(buf); err != nil {
			return nil, fmt.Errorf("fill payload for %s: %w", id, err)
		}
		payload = buf
	}

	return &SyntheticObject{
		id:         id,
		payload:    payload,
		metadata:   buildMetadata(id, spec.MetadataRepeat),
		tags:       buildTags(id, sampleRange(spec.TagsMin, spec.TagsMax)),
		properties: buildProperties(sampleRange(spec.PropsMin, spec.PropsMax)),
		timestamp:  clock.NowMillis(),
	}, nil
}

// every repetition carries a fresh uuid so the blob does not compress
func buildMetadata(id string, repeat int) string {
	if repeat <= 0 {
		return ""
	}
	var sb strings.Builder
	sb.Grow(repeat * (len(id) + 56))
	for i := 0; i < repeat; i++ {
		sb.WriteString("Metadata_")
		sb.WriteString(id)
		sb.WriteByte('_')
		sb.WriteString(strconv.Itoa(i))
		sb.WriteByte('_')
		sb.WriteString(uuid.NewString())
		sb.WriteString("; ")
	}
	return sb.String()
}

func buildTags(id string, count int) []string {
	tags := make([]string, count)
	for i := range tags {
		tags[i] = "Tag_" + id + "_" + strconv.Itoa(i) + "_" + uuid.NewString()
	}
	return tags
}

func buildProperties(count int) map[string]string {
	props := make(map[string]string, count)
	for i := 0; i < count; i++ {
		props["prop_"+strconv.Itoa(i)] = "value_" + uuid.NewString() + "_" + strconv.FormatInt(time.Now().UnixNano(), 10)
	}
	return props
}

// sampleRange returns a uniform integer in [lo, hi]
func sampleRange(lo, hi int) int {
	if hi <= lo {
		return lo
	}
	return lo + mrand.Intn(hi-lo+1)
}

// ID returns the object identity
func (o *SyntheticObject) ID() string { return o.id }

// Timestamp returns the creation time in milliseconds
func (o *SyntheticObject) Timestamp() int64 { return o.timestamp }

// PayloadLen returns the payload size without copying it
func (o *SyntheticObject) PayloadLen() int { return len(o.payload) }

// Payload returns a copy of the payload
func (o *SyntheticObject) Payload() []byte { return slices.Clone(o.payload) }

// Metadata returns the generated metadata blob
func (o *SyntheticObject) Metadata() string { return o.metadata }

// Tags returns a copy of the tag list
func (o *SyntheticObject) Tags() []string { return slices.Clone(o.tags) }

// TagCount returns the number of tags
func (o *SyntheticObject) TagCount() int { return len(o.tags) }

// Properties returns a copy of the property map
func (o *SyntheticObject) Properties() map[string]string { return maps.Clone(o.properties) }

// PropertyCount returns the number of properties
func (o *SyntheticObject) PropertyCount() int { return len(o.properties) }

// ApproximateSize is bookkeeping only, not a measurement of heap usage
func (o *SyntheticObject) ApproximateSize() int64 {
	return ApproximateSize(len(o.payload), len(o.metadata), len(o.tags), len(o.properties))
}

// ApproximateSize computes the bookkeeping size from the four components
func ApproximateSize(payloadLen, metadataLen, tagCount, propCount int) int64 {
	return int64(payloadLen) + int64(metadataLen) + int64(tagCount)*TagWeight + int64(propCount)*PropertyWeight
}
