package lib

import (
	"encoding/binary"
	"fmt"

	rp "github.com/Clouded-Sabre/ringpool/lib"
)

// RudpPacket represents one datagram of the transport protocol.
//
// Header layout (little-endian, HeaderLength bytes):
//
//	kind(1) flags(1) sequence(4) ack(4) ackfield(2) payload(var)
//
// The ack field is only meaningful when AckPresentFlag is set. AckField is a
// reserved width and always zero on the wire.
type RudpPacket struct {
	SrcAddr, DestAddr Endpoint
	Kind              uint8
	SequenceNumber    uint32
	AckNumber         uint32
	AckPresent        bool
	AckField          uint16
	Payload           []byte      // points into chunk when one is attached
	chunk             *rp.Element // pooled chunk backing Payload
}

// Marshal writes the packet into buffer and returns the frame length.
func (p *RudpPacket) Marshal(buffer []byte) (int, error) {
	frameLength := HeaderLength + len(p.Payload)
	if frameLength > len(buffer) {
		return 0, fmt.Errorf("buffer size (%d) is too small to hold the frame (%d)", len(buffer), frameLength)
	}

	var flags uint8
	if p.AckPresent {
		flags |= AckPresentFlag
	}

	buffer[0] = p.Kind
	buffer[1] = flags
	binary.LittleEndian.PutUint32(buffer[2:6], p.SequenceNumber)
	binary.LittleEndian.PutUint32(buffer[6:10], p.AckNumber)
	binary.LittleEndian.PutUint16(buffer[10:12], 0) // reserved, zero

	if len(p.Payload) > 0 {
		copy(buffer[HeaderLength:], p.Payload)
	}

	return frameLength, nil
}

// Unmarshal parses a received frame. The payload, if any, is copied into a
// pooled chunk so the caller may reuse data immediately.
func (p *RudpPacket) Unmarshal(data []byte, srcAddr, destAddr Endpoint) error {
	if len(data) < HeaderLength {
		return fmt.Errorf("the length(%d) of data is too short to be unmarshalled", len(data))
	}
	p.SrcAddr = srcAddr
	p.DestAddr = destAddr
	p.Kind = data[0]
	flags := data[1]
	p.AckPresent = flags&AckPresentFlag != 0
	p.SequenceNumber = binary.LittleEndian.Uint32(data[2:6])
	p.AckNumber = binary.LittleEndian.Uint32(data[6:10])
	p.AckField = binary.LittleEndian.Uint16(data[10:12])

	if p.Kind != HandshakePacket && p.Kind != KeepalivePacket && p.Kind != DataPacket {
		return fmt.Errorf("unknown packet kind %d", p.Kind)
	}

	if len(data) > HeaderLength {
		if p.Kind != DataPacket {
			return fmt.Errorf("packet kind %d must not carry a payload", p.Kind)
		}
		if err := p.CopyToPayload(data[HeaderLength:]); err != nil {
			return fmt.Errorf("packet unmarshal: error copying packet payload - %s", err)
		}
	} else {
		p.Payload = nil
	}

	return nil
}

// CopyToPayload copies src into a fresh pooled chunk attached to the packet.
func (p *RudpPacket) CopyToPayload(src []byte) error {
	p.chunk = Pool.GetElement()
	if p.chunk == nil {
		return fmt.Errorf("p.CopyToPayload: Got an nil chunk")
	}
	err := p.chunk.Data.(*Payload).Copy(src)
	if err != nil {
		p.ReturnChunk()
		return err
	}
	p.Payload = p.chunk.Data.(*Payload).GetSlice()
	return nil
}

// ReturnChunk gives the backing chunk back to the pool. Safe to call twice.
func (p *RudpPacket) ReturnChunk() {
	if p.chunk != nil {
		Pool.ReturnElement(p.chunk)
		p.chunk = nil
		p.Payload = nil
	}
}

// DetachChunk transfers ownership of the backing chunk to the caller.
func (p *RudpPacket) DetachChunk() *rp.Element {
	chunk := p.chunk
	p.chunk = nil
	return chunk
}
