package protocol

import (
	"sync/atomic"

	"github.com/danmuck/fixgate/internal/bus"
)

// GatewayPublication encodes records onto one bus publication.
type GatewayPublication struct {
	pub    bus.Publication
	nextID atomic.Uint64
}

func NewGatewayPublication(pub bus.Publication) *GatewayPublication {
	return &GatewayPublication{pub: pub}
}

// Save publishes msg and returns the bus position, or a negative bus sentinel.
func (p *GatewayPublication) Save(msg Message) int64 {
	rec, err := Encode(msg, p.nextID.Add(1))
	if err != nil {
		return bus.PayloadTooLarge
	}
	return p.pub.Offer(rec)
}

func (p *GatewayPublication) Publication() bus.Publication {
	return p.pub
}

func (p *GatewayPublication) PublisherID() int32 {
	return p.pub.PublisherID()
}

func (p *GatewayPublication) MaxPayloadLength() int {
	return p.pub.MaxPayloadLength()
}
