package lib

import (
	"fmt"
	"log"

	rp "github.com/Clouded-Sabre/ringpool/lib"
)

// Pool holds the shared payload chunks. It is sized and created once by
// NewRudpCore.
var Pool *rp.RingPool

// Payload is the pooled backing store for one datagram payload. The method
// set is dictated by the ringpool DataInterface contract; capacity is fixed
// at pool creation and used tracks how much of it currently holds data.
type Payload struct {
	buf  []byte
	used int
}

// NewPayload is the element constructor handed to the ring pool. params
// carries a single int: the chunk capacity.
func NewPayload(params ...interface{}) rp.DataInterface {
	if len(params) != 1 {
		log.Println("NewPayload: expected exactly one parameter: the chunk capacity")
		return nil
	}
	capacity, ok := params[0].(int)
	if !ok {
		log.Println("NewPayload: chunk capacity must be an int")
		return nil
	}

	return &Payload{buf: make([]byte, capacity)}
}

// Reset clears the chunk for reuse.
func (p *Payload) Reset() {
	clear(p.buf[:p.used])
	p.used = 0
}

// PrintContent dumps the current content; the pool calls this when chunk
// debugging is on.
func (p *Payload) PrintContent() {
	fmt.Println("Content:", string(p.buf[:p.used]))
}

// Copy fills the chunk with src. Fails when src exceeds the chunk capacity.
func (p *Payload) Copy(src []byte) error {
	if len(src) > len(p.buf) {
		return fmt.Errorf("payload of %d bytes does not fit a %d byte chunk", len(src), len(p.buf))
	}
	p.used = copy(p.buf, src)
	return nil
}

// GetSlice returns the filled portion of the chunk.
func (p *Payload) GetSlice() []byte {
	return p.buf[:p.used]
}
