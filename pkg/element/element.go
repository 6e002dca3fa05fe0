// Package element defines the keys and values stored by the disk cache.
package element

import (
	"strings"
	"time"
)

// NameComponentDelimiter separates namespace components inside a key name.
// A key name ending with the delimiter addresses every key sharing that prefix.
const NameComponentDelimiter = ":"

// Key identifies an element within a region.
type Key struct {
	// Group is empty for ungrouped keys
	Group string
	// Name is the plain key name, or the attribute name inside Group
	Name string
}

// NewKey returns an ungrouped key.
func NewKey(name string) Key {
	return Key{Name: name}
}

// NewGroupKey returns a key for attribute name inside group.
// An empty name yields the group sentinel key.
func NewGroupKey(group, name string) Key {
	return Key{Group: group, Name: name}
}

// Valid reports whether the key addresses anything at all.
func (k Key) Valid() bool {
	return k.Group != "" || k.Name != ""
}

// IsGroupSentinel reports whether k names a whole group rather than one attribute.
func (k Key) IsGroupSentinel() bool {
	return k.Group != "" && k.Name == ""
}

// IsPrefix reports whether k is an ungrouped key ending in the delimiter.
func (k Key) IsPrefix() bool {
	return k.Group == "" && strings.HasSuffix(k.Name, NameComponentDelimiter)
}

// MatchesPrefix reports whether k is an ungrouped key starting with prefix.
func (k Key) MatchesPrefix(prefix string) bool {
	return k.Group == "" && strings.HasPrefix(k.Name, prefix)
}

// String renders the key as "name" or "group:name".
func (k Key) String() string {
	if k.Group == "" {
		return k.Name
	}
	return k.Group + NameComponentDelimiter + k.Name
}

// Attributes carries the element metadata persisted alongside the value.
type Attributes struct {
	CreateTime time.Time
	LastAccess time.Time
	// MaxLife of zero means no limit
	MaxLife   time.Duration
	IsEternal bool
	// IsSpool marks elements allowed to be written to the disk tier
	IsSpool bool
}

// DefaultAttributes returns eternal, spoolable attributes stamped with now.
func DefaultAttributes() Attributes {
	now := time.Now()
	return Attributes{
		CreateTime: now,
		LastAccess: now,
		IsEternal:  true,
		IsSpool:    true,
	}
}

// Element is a cached value together with its key and metadata.
type Element struct {
	Region     string
	Key        Key
	Value      []byte
	Attributes Attributes
}

// New creates an element with default attributes.
func New(region string, key Key, value []byte) *Element {
	return &Element{
		Region:     region,
		Key:        key,
		Value:      value,
		Attributes: DefaultAttributes(),
	}
}

// IsExpired reports whether a non-eternal element has outlived its MaxLife.
func (e *Element) IsExpired(now time.Time) bool {
	if e.Attributes.IsEternal || e.Attributes.MaxLife <= 0 {
		return false
	}
	return now.Sub(e.Attributes.CreateTime) > e.Attributes.MaxLife
}
