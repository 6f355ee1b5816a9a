// Copyright 2023 The emqx-go Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package mqtt

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/mochi-mqtt/server/v2/packets"
)

// DefaultMaxPacketSize is the largest remaining length a Decoder accepts
// unless SetMaxPacketSize says otherwise.
const DefaultMaxPacketSize = 1 << 20

// Decoder reads successive MQTT control packets from a byte stream.
type Decoder struct {
	r       *bufio.Reader
	version byte
	maxSize int
}

// NewDecoder returns a decoder reading from r. Until SetProtocolVersion is
// called packets are decoded as MQTT 3.1.1.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReader(r), version: Version311, maxSize: DefaultMaxPacketSize}
}

// SetMaxPacketSize limits the remaining length of accepted frames. A
// non-positive size restores DefaultMaxPacketSize.
func (d *Decoder) SetMaxPacketSize(n int) {
	if n <= 0 {
		n = DefaultMaxPacketSize
	}
	d.maxSize = n
}

// SetProtocolVersion selects the version used to decode subsequent packets,
// normally the one negotiated by CONNECT.
func (d *Decoder) SetProtocolVersion(v byte) {
	d.version = v
}

// DecodeNext reads the next packet from the stream.
//
// It returns io.EOF when the stream ends cleanly between frames, a
// *DecodeError when a frame was consumed but is malformed, ErrPacketTooLarge
// when the declared length exceeds the limit, and any other error when the
// underlying read failed (including a frame truncated by the end of the
// stream). Only a *DecodeError leaves the stream at a frame boundary.
func (d *Decoder) DecodeNext() (*packets.Packet, error) {
	b, err := d.r.ReadByte()
	if err != nil {
		return nil, err
	}

	fh := new(packets.FixedHeader)
	headerErr := fh.Decode(b)

	rem, _, err := packets.DecodeLength(d.r)
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, &DecodeError{Type: fh.Type, Err: err}
	}
	fh.Remaining = rem
	if rem > d.maxSize {
		return nil, fmt.Errorf("%w: %s of %d bytes, limit %d", ErrPacketTooLarge, TypeName(fh.Type), rem, d.maxSize)
	}

	// The body buffer grows with the bytes that actually arrive.
	var body bytes.Buffer
	if rem > 0 {
		if _, err := io.CopyN(&body, d.r, int64(rem)); err != nil {
			if errors.Is(err, io.EOF) {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
	}
	buf := body.Bytes()
	if headerErr != nil {
		return nil, &DecodeError{Type: fh.Type, Err: headerErr}
	}

	pk := &packets.Packet{FixedHeader: *fh, ProtocolVersion: d.version}
	switch pk.FixedHeader.Type {
	case packets.Connect:
		// ConnectDecode replaces ProtocolVersion with the one on the wire.
		err = pk.ConnectDecode(buf)
	case packets.Connack:
		err = pk.ConnackDecode(buf)
	case packets.Publish:
		err = pk.PublishDecode(buf)
	case packets.Puback:
		err = pk.PubackDecode(buf)
	case packets.Subscribe:
		err = pk.SubscribeDecode(buf)
	case packets.Suback:
		err = pk.SubackDecode(buf)
	case packets.Unsubscribe:
		err = pk.UnsubscribeDecode(buf)
	case packets.Unsuback:
		err = pk.UnsubackDecode(buf)
	case packets.Pingreq:
		err = pk.PingreqDecode(buf)
	case packets.Pingresp:
		err = pk.PingrespDecode(buf)
	case packets.Disconnect:
		err = pk.DisconnectDecode(buf)
	}
	if err != nil {
		return nil, &DecodeError{Type: fh.Type, Err: err}
	}
	return pk, nil
}

// Encode serialises pk for a peer speaking the given protocol version.
// pk is taken by value so the caller's copy keeps its own version.
func Encode(pk packets.Packet, version byte) ([]byte, error) {
	pk.ProtocolVersion = version

	var buf bytes.Buffer
	var err error
	switch pk.FixedHeader.Type {
	case packets.Connect:
		err = pk.ConnectEncode(&buf)
	case packets.Connack:
		err = pk.ConnackEncode(&buf)
	case packets.Publish:
		err = pk.PublishEncode(&buf)
	case packets.Puback:
		err = pk.PubackEncode(&buf)
	case packets.Subscribe:
		err = pk.SubscribeEncode(&buf)
	case packets.Suback:
		err = pk.SubackEncode(&buf)
	case packets.Unsubscribe:
		err = pk.UnsubscribeEncode(&buf)
	case packets.Unsuback:
		err = pk.UnsubackEncode(&buf)
	case packets.Pingreq:
		err = pk.PingreqEncode(&buf)
	case packets.Pingresp:
		err = pk.PingrespEncode(&buf)
	case packets.Disconnect:
		err = pk.DisconnectEncode(&buf)
	default:
		err = ErrUnsupportedPacket
	}
	if err != nil {
		return nil, &EncodeError{Type: pk.FixedHeader.Type, Err: err}
	}
	return buf.Bytes(), nil
}

// Write encodes pk and writes it to w in a single call.
func Write(w io.Writer, pk packets.Packet, version byte) error {
	b, err := Encode(pk, version)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}
