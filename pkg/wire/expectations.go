package wire

// Expectations records, per field number and recursively into
// submessages, whether the consumer explicitly supplied a value for a
// field. It backs the encoder's default-value-omission rule: a field
// holding the Protobuf zero value that the consumer never mentioned is
// left off the wire, while one the consumer set is emitted even when it
// equals the default.
//
// A nil *Expectations means "treat every present field as explicitly set"
// -- used when re-encoding a message that did not originate from the
// configuration compiler (e.g. a mock server echoing a decoded request).
type Expectations struct {
	present map[int32]bool
	nested  map[int32]*Expectations
}

// NewExpectations creates an empty Expectations tree.
func NewExpectations() *Expectations {
	return &Expectations{present: make(map[int32]bool), nested: make(map[int32]*Expectations)}
}

// MarkPresent records that the consumer explicitly supplied fieldNumber.
func (e *Expectations) MarkPresent(fieldNumber int32) {
	if e == nil {
		return
	}
	e.present[fieldNumber] = true
}

// IsExpressed reports whether the consumer explicitly supplied fieldNumber.
// A nil receiver treats every field as expressed.
func (e *Expectations) IsExpressed(fieldNumber int32) bool {
	if e == nil {
		return true
	}
	return e.present[fieldNumber]
}

// Nested returns (creating if necessary) the Expectations scoped to a
// submessage field, so omission decisions recurse correctly.
func (e *Expectations) Nested(fieldNumber int32) *Expectations {
	if e == nil {
		return nil
	}
	n, ok := e.nested[fieldNumber]
	if !ok {
		n = NewExpectations()
		e.nested[fieldNumber] = n
	}
	return n
}

// NestedReadOnly returns the Expectations scoped to a submessage field
// without creating it, for use on the read (encode) path. A missing nested
// scope comes back as nil, so every present field under it is treated as
// expressed.
func (e *Expectations) NestedReadOnly(fieldNumber int32) *Expectations {
	if e == nil {
		return nil
	}
	return e.nested[fieldNumber]
}
