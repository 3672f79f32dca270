package ael

// DataView is a contiguous byte range, either borrowed or owned.
//
// Borrowed views alias storage that belongs to the producing call (a filter
// staging buffer, a caller's slice) and must not outlive it. Save returns an
// owned, immutable copy that may be retained indefinitely; saving an already
// owned view returns the same instance.
type DataView struct {
	data  []byte
	saved bool
}

// NewDataView returns a borrowed view over b.
func NewDataView(b []byte) DataView {
	return DataView{data: b}
}

// StringDataView returns an owned view over the bytes of s.
func StringDataView(s string) DataView {
	return DataView{data: []byte(s), saved: true}
}

// Bytes returns the underlying bytes. The result must be treated as
// read-only.
func (v *DataView) Bytes() []byte {
	return v.data
}

// Len returns the view length in bytes.
func (v *DataView) Len() int {
	return len(v.data)
}

// Empty reports whether the view has no bytes.
func (v *DataView) Empty() bool {
	return len(v.data) == 0
}

// Slice returns the suffix view [i, Len()). It panics if i is out of range.
// The result borrows the same storage as v.
func (v *DataView) Slice(i int) DataView {
	if i < 0 || i > len(v.data) {
		panic("ael: data view slice index out of range")
	}
	if i == len(v.data) {
		return DataView{}
	}
	return DataView{data: v.data[i:]}
}

// Save returns an owned copy of the view, or v itself if it is already
// owned.
func (v *DataView) Save() *DataView {
	if v.saved {
		return v
	}
	data := make([]byte, len(v.data))
	copy(data, v.data)
	return &DataView{data: data, saved: true}
}

// ownedDataView wraps b as an owned view without copying. The caller must
// not retain b.
func ownedDataView(b []byte) *DataView {
	return &DataView{data: b, saved: true}
}

// String returns the view bytes as a string.
func (v *DataView) String() string {
	return string(v.data)
}
