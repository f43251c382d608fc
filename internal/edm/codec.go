package edm

import (
	"context"
	"fmt"
	"log"
	"time"

	"polyfield-edm/internal/transport"
)

// Codec performs one reading exchange for a device profile.
type Codec struct {
	profile Profile
	timeout time.Duration
	now     func() time.Time
}

// NewCodec returns a Codec for profileID. A zero timeout means
// transport.DefaultTimeout.
func NewCodec(profileID string, timeout time.Duration) (*Codec, error) {
	p, err := LookupProfile(profileID)
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = transport.DefaultTimeout
	}
	return &Codec{profile: p, timeout: timeout, now: time.Now}, nil
}

func (c *Codec) Profile() Profile { return c.profile }

// RequestReading sends the profile's command on ch and decodes the answer.
// Transport errors are returned wrapped, decode failures as *DecodeError.
func (c *Codec) RequestReading(ctx context.Context, ch transport.Channel) (RawReading, error) {
	if ch == nil {
		return RawReading{}, transport.ErrNotConnected
	}
	for _, req := range c.profile.Prelude {
		resp, err := ch.WriteThenRead(ctx, req, c.timeout)
		if err != nil {
			return RawReading{}, fmt.Errorf("edm: %s prelude: %w", c.profile.ID, err)
		}
		if c.profile.CheckPrelude != nil {
			if err := c.profile.CheckPrelude(resp); err != nil {
				return RawReading{}, &DecodeError{Profile: c.profile.ID, Frame: string(resp), Err: err}
			}
		}
	}

	resp, err := ch.WriteThenRead(ctx, c.profile.Request, c.timeout)
	if err != nil {
		return RawReading{}, fmt.Errorf("edm: %s read: %w", c.profile.ID, err)
	}
	reading, err := c.profile.Decode(resp)
	if err != nil {
		log.Printf("edm: rejected %s frame %q: %v", c.profile.ID, resp, err)
		return RawReading{}, &DecodeError{Profile: c.profile.ID, Frame: string(resp), Err: err}
	}
	reading.CapturedAt = c.now().UTC()
	return reading, nil
}

// Instrument binds a Codec to an open channel.
type Instrument struct {
	codec *Codec
	ch    transport.Channel
}

func NewInstrument(codec *Codec, ch transport.Channel) *Instrument {
	return &Instrument{codec: codec, ch: ch}
}

// Sample takes one raw reading.
func (i *Instrument) Sample(ctx context.Context) (RawReading, error) {
	return i.codec.RequestReading(ctx, i.ch)
}

func (i *Instrument) Close() error {
	return i.ch.Close()
}
