package model

import (
	"strings"
	"time"

	"github.com/apache/pulsar-client-go/pulsar"
	"golang.org/x/exp/slices"
)

// EventType is the change type of a resource event as published upstream.
type EventType string

const (
	Create    EventType = "CREATE"
	Update    EventType = "UPDATE"
	Delete    EventType = "DELETE"
	DeleteAll EventType = "DELETE_ALL"
	Reindex   EventType = "REINDEX"
)

// ResourceKind is a closed enumeration of the resource types this pipeline understands.
// Events for anything else map to KindUnknown and are rejected at dispatch time.
type ResourceKind int

const (
	KindUnknown ResourceKind = iota
	KindInstance
	KindHoldings
	KindItem
	KindBoundWith
	KindAuthority
	KindLocation
	KindCampus
	KindLibrary
	KindInstitution
	KindBrowseConfig
	KindLinkedDataInstance
	KindLinkedDataWork
)

var kindNames = map[ResourceKind]string{
	KindUnknown:            "unknown",
	KindInstance:           "instance",
	KindHoldings:           "holdings",
	KindItem:               "item",
	KindBoundWith:          "bound-with",
	KindAuthority:          "authority",
	KindLocation:           "location",
	KindCampus:             "campus",
	KindLibrary:            "library",
	KindInstitution:        "institution",
	KindBrowseConfig:       "browse-config-data",
	KindLinkedDataInstance: "linked-data-instance",
	KindLinkedDataWork:     "linked-data-work",
}

var kindsByName = func() map[string]ResourceKind {
	m := make(map[string]ResourceKind, len(kindNames))
	for k, name := range kindNames {
		m[name] = k
	}
	return m
}()

func (k ResourceKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// KindOf maps a resource name to its ResourceKind, returning KindUnknown for names this
// pipeline does not recognise.
func KindOf(resourceName string) ResourceKind {
	if k, ok := kindsByName[resourceName]; ok {
		return k
	}
	return KindUnknown
}

// AllKinds returns every known kind except KindUnknown, in declaration order.
func AllKinds() []ResourceKind {
	kinds := make([]ResourceKind, 0, len(kindNames)-1)
	for k := range kindNames {
		if k != KindUnknown {
			kinds = append(kinds, k)
		}
	}
	slices.Sort(kinds)
	return kinds
}

// IsInstanceFamily reports whether events of this kind are staged into merge range tables
// rather than indexed directly.
func (k ResourceKind) IsInstanceFamily() bool {
	switch k {
	case KindInstance, KindHoldings, KindItem, KindBoundWith:
		return true
	}
	return false
}

// EntityType identifies one merge range staging table.
type EntityType string

const (
	EntityInstance       EntityType = "instance"
	EntityHoldings       EntityType = "holdings"
	EntityItem           EntityType = "item"
	EntitySubject        EntityType = "subject"
	EntityClassification EntityType = "classification"
	EntityContributor    EntityType = "contributor"
	EntityCallNumber     EntityType = "call_number"
)

// AllEntityTypes lists every staging table known to the drain scheduler, in drain order.
func AllEntityTypes() []EntityType {
	return []EntityType{
		EntityInstance,
		EntityHoldings,
		EntityItem,
		EntitySubject,
		EntityClassification,
		EntityContributor,
		EntityCallNumber,
	}
}

// Provenance records whether a resource payload originated locally or is a consortium-shared
// copy. It is derived once at the ingestion boundary from the payload source marker.
type Provenance int

const (
	ProvenanceLocal Provenance = iota
	ProvenanceShared
)

// sharedSourcePrefix marks payloads whose authoritative copy lives with the consortium
// central tenant.
const sharedSourcePrefix = "CONSORTIUM-"

// ProvenanceOf derives the provenance from a payload source field.
func ProvenanceOf(source string) Provenance {
	if strings.HasPrefix(source, sharedSourcePrefix) {
		return ProvenanceShared
	}
	return ProvenanceLocal
}

// IndexMode distinguishes real-time ingestion from bulk reindexing so that downstream
// extraction and persistence can adjust batching and validation behaviour.
type IndexMode int

const (
	ModeRealTime IndexMode = iota
	ModeBulkReindex
)

// ResourceEvent is one change notification for a resource. Identity is
// (Tenant, ResourceName, ID). Events are immutable once read off the wire; the interception
// layer may annotate ID and ResourceName before handing them to business logic.
type ResourceEvent struct {
	ID            string
	Type          EventType
	Tenant        string
	ResourceName  string
	Kind          ResourceKind
	New           map[string]any
	Old           map[string]any
	DeleteSubType string
	Provenance    Provenance
}

// Payload returns the most recent payload available: New if present, else Old.
func (e *ResourceEvent) Payload() map[string]any {
	if e.New != nil {
		return e.New
	}
	return e.Old
}

// StringField extracts a string field from a payload map, returning "" if absent.
func StringField(payload map[string]any, field string) string {
	if payload == nil {
		return ""
	}
	if v, ok := payload[field].(string); ok {
		return v
	}
	return ""
}

// BoolField extracts a bool field from a payload map, returning false if absent.
func BoolField(payload map[string]any, field string) bool {
	if payload == nil {
		return false
	}
	if v, ok := payload[field].(bool); ok {
		return v
	}
	return false
}

// InstanceID returns the owning instance id carried by the event payload, preferring New
// over Old, or "" if neither side carries one.
func (e *ResourceEvent) InstanceID() string {
	if id := StringField(e.New, "instanceId"); id != "" {
		return id
	}
	return StringField(e.Old, "instanceId")
}

// RawRecord is one consumer record after interception: the transport key, publish timestamp
// and headers alongside the decoded event.
type RawRecord struct {
	Key       string
	Tenant    string
	Timestamp time.Time
	Event     *ResourceEvent
	Headers   map[string]string
	MessageID pulsar.MessageID
}

// RawRecordsWithIds is a batch of intercepted records along with the ids of all pulsar
// messages consumed to produce it, so they can be acked once the batch is stored.
type RawRecordsWithIds struct {
	Records    []RawRecord
	MessageIds []pulsar.MessageID
}

func (r *RawRecordsWithIds) GetMessageIDs() []pulsar.MessageID {
	return r.MessageIds
}

// StagedEntity is one row to upsert into a merge range table.
type StagedEntity struct {
	ID      string
	Payload map[string]any
	Shared  bool
}

// StagedRow is one row read back out of a merge range table by the drain scheduler.
type StagedRow struct {
	ID          string
	Tenant      string
	Payload     map[string]any
	Shared      bool
	IsDeleted   bool
	LastUpdated time.Time
}

// ChangedPage is the result of one fetch-changed-since call: the rows plus the greatest
// last-updated timestamp observed, used to advance the drain watermark.
type ChangedPage struct {
	Rows        []StagedRow
	LastUpdated time.Time
}

// InstanceSignal is a lightweight trigger meaning "recompute and index this instance's
// document". It is never persisted; it flows only router -> indexer.
type InstanceSignal struct {
	Tenant     string `json:"tenant"`
	InstanceID string `json:"id"`
}
