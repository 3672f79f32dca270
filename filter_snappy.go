package ael

import (
	"encoding/binary"

	"github.com/golang/snappy"
)

// SnappyStreamBufferFilter compresses the stream with snappy, one framed
// block per outbound view. It has no handshake: both Connect and Accept
// complete immediately, so it can sit anywhere in a chain.
//
// Frame format: uvarint compressed-block length, then the snappy block.
//
// snappyMaxFrame bounds a single compressed block; anything larger is
// treated as stream corruption.
const snappyMaxFrame = 1 << 24

type SnappyStreamBufferFilter struct {
	FilterBase

	// inbox accumulates compressed bytes until a full frame is available.
	inbox []byte
}

// NewSnappyStreamBufferFilter creates a snappy compression filter.
func NewSnappyStreamBufferFilter() *SnappyStreamBufferFilter {
	return &SnappyStreamBufferFilter{}
}

func (f *SnappyStreamBufferFilter) Connect() ConnectResult {
	return ConnectSuccess
}

func (f *SnappyStreamBufferFilter) Accept() ConnectResult {
	return ConnectSuccess
}

func (f *SnappyStreamBufferFilter) In() InResult {
	for {
		block, ok, corrupt := f.nextBlock()
		if corrupt {
			logger().Warning().Uint64("filter", f.id).Log("oversized snappy frame, closing")
			return InResultShouldClose()
		}
		if ok {
			decoded, err := snappy.Decode(nil, block)
			if err != nil {
				logger().Warning().Uint64("filter", f.id).Err(err).Log("snappy decode failed, closing")
				return InResultShouldClose()
			}
			return InResultData(ownedDataView(decoded))
		}

		res := f.PrevIn()

		if res.ShouldCloseRead() {
			return InResultShouldClose()
		}

		if !res.HasData() {
			return InResultWouldBlock()
		}

		f.inbox = append(f.inbox, res.Data().Bytes()...)
	}
}

// nextBlock parses one complete frame out of the inbox.
func (f *SnappyStreamBufferFilter) nextBlock() (block []byte, ok, corrupt bool) {
	length, n := binary.Uvarint(f.inbox)
	if n <= 0 {
		return nil, false, false
	}
	if length > snappyMaxFrame {
		return nil, false, true
	}
	if uint64(len(f.inbox)-n) < length {
		return nil, false, false
	}

	block = f.inbox[n : n+int(length)]
	f.inbox = f.inbox[n+int(length):]
	return block, true, false
}

func (f *SnappyStreamBufferFilter) Out(dv *DataView) (*DataView, OutResult) {
	encoded := snappy.Encode(nil, dv.Bytes())

	frame := binary.AppendUvarint(make([]byte, 0, len(encoded)+binary.MaxVarintLen64), uint64(len(encoded)))
	frame = append(frame, encoded...)

	if f.PrevOut(ownedDataView(frame)).ShouldCloseWrite() {
		return nil, OutResultShouldClose()
	}

	return nil, OutResult{}
}

func (f *SnappyStreamBufferFilter) Shutdown() ShutdownResult {
	return ShutdownComplete()
}
