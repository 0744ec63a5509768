// Package introspect implements the per-connection, per-direction type
// descriptor cache from spec.md §4.2: a bidirectional table that lets
// repeated transmissions of the same structure shape reference a short
// numeric id instead of the full descriptor.
package introspect

import (
	"encoding/binary"
	"fmt"

	"github.com/epics-go/pvaccess/internal/pvdata"
	"github.com/epics-go/pvaccess/internal/pverrors"
)

// Selector is the first byte of an introspection encoding, per spec.md
// §4.2's table.
type Selector byte

const (
	selNull        Selector = 0xFF
	selOnlyID      Selector = 0xFE
	selFullWithID  Selector = 0xFD
	// any other byte value: FULL, the byte is the first byte of the
	// descriptor's own full encoding (see pvdata.EncodeDescriptor).
)

// Cache holds the outgoing (descriptor -> id) and incoming (id ->
// descriptor) tables for one direction of one connection. IDs are
// assigned sequentially starting at 1; 0 is reserved for the null
// descriptor. Both tables are reset on connection open and on validated
// reconnect (spec.md §4.2).
type Cache struct {
	nextID   uint16
	outgoing map[string]uint16       // descriptor encoding -> assigned id
	incoming map[uint16]pvdata.Descriptor
}

// NewCache returns an empty Cache.
func NewCache() *Cache {
	return &Cache{nextID: 1, outgoing: make(map[string]uint16), incoming: make(map[uint16]pvdata.Descriptor)}
}

// Reset clears both tables, per the connection-open/validated-reconnect
// requirement in spec.md §4.2.
func (c *Cache) Reset() {
	c.nextID = 1
	c.outgoing = make(map[string]uint16)
	c.incoming = make(map[uint16]pvdata.Descriptor)
}

// descKey canonicalizes a descriptor to a string suitable for outgoing
// table lookup: its full encoding, since two descriptors are the "same"
// for caching purposes exactly when they serialize identically. The key
// is encoded in order (the writer's current byte order), so a descriptor
// whose encoding differs between orders gets a separate entry after the
// connection's negotiated order flips.
func descKey(order binary.ByteOrder, desc pvdata.Descriptor) (string, []byte, error) {
	w := pvdata.NewWriter(order)
	if err := pvdata.EncodeDescriptor(w, desc); err != nil {
		return "", nil, err
	}
	b := w.Bytes()
	return string(b), b, nil
}

// WriteDescriptor encodes desc for transmission, choosing ONLY_ID if an
// id was already assigned to an identical descriptor in a prior call,
// otherwise FULL_WITH_ID to transmit the full form while registering a
// new id for future reuse. Passing registerNew=false instead emits plain
// FULL without ever registering, for one-shot transmissions that the
// sender knows will not repeat.
func (c *Cache) WriteDescriptor(w *pvdata.Writer, desc pvdata.Descriptor, registerNew bool) error {
	key, full, err := descKey(w.Order(), desc)
	if err != nil {
		return err
	}
	if id, ok := c.outgoing[key]; ok {
		w.WriteByte(byte(selOnlyID))
		w.WriteUint16(id)
		return nil
	}
	if !registerNew {
		return writeFullBytes(w, full)
	}
	id := c.nextID
	c.nextID++
	c.outgoing[key] = id
	w.WriteByte(byte(selFullWithID))
	w.WriteUint16(id)
	return writeFullBytes(w, full)
}

// WriteNull encodes the null descriptor selector.
func (c *Cache) WriteNull(w *pvdata.Writer) {
	w.WriteByte(byte(selNull))
}

// ReadDescriptor decodes a descriptor encoded by WriteDescriptor or
// WriteNull, returning (nil, true, nil) for the null case. ONLY_ID fails
// with pverrors.ErrUnknownTypeID if the id was never registered.
func (c *Cache) ReadDescriptor(r *pvdata.Reader) (desc *pvdata.Descriptor, isNull bool, err error) {
	b, err := r.ReadByte()
	if err != nil {
		return nil, false, err
	}
	switch Selector(b) {
	case selNull:
		return nil, true, nil
	case selOnlyID:
		id, err := r.ReadUint16()
		if err != nil {
			return nil, false, err
		}
		d, ok := c.incoming[id]
		if !ok {
			return nil, false, fmt.Errorf("introspect: id %d: %w", id, pverrors.ErrUnknownTypeID)
		}
		return &d, false, nil
	case selFullWithID:
		id, err := r.ReadUint16()
		if err != nil {
			return nil, false, err
		}
		d, err := pvdata.DecodeDescriptor(r)
		if err != nil {
			return nil, false, err
		}
		c.incoming[id] = d
		return &d, false, nil
	default:
		// FULL: the byte already consumed is the descriptor's own first
		// byte, so rewind and let DecodeDescriptor read it again.
		r.Unread()
		d, err := pvdata.DecodeDescriptor(r)
		if err != nil {
			return nil, false, err
		}
		return &d, false, nil
	}
}

func writeFullBytes(w *pvdata.Writer, full []byte) error {
	// full already begins with the descriptor's own tag byte, which is
	// guaranteed never to collide with the reserved selector range
	// (0xFD-0xFF) because pvdata's descTag values are all below 0x30.
	w.WriteRaw(full)
	return nil
}
