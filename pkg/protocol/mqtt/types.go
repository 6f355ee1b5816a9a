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

// Package mqtt is the packet codec boundary of the broker. It turns a byte
// stream into mochi-mqtt packets and packets back into bytes for a given
// protocol version. Framing lives here and nowhere else.
package mqtt

import (
	"errors"
	"fmt"

	"github.com/mochi-mqtt/server/v2/packets"
)

// Protocol versions carried in the CONNECT packet.
const (
	Version31  byte = 3
	Version311 byte = 4
	Version5   byte = 5
)

// ErrUnsupportedPacket is returned by Encode for packet kinds the codec
// cannot serialise.
var ErrUnsupportedPacket = errors.New("unsupported packet type")

// ErrPacketTooLarge is returned by Decoder.DecodeNext for a frame whose
// declared length exceeds the decoder's limit. The stream cannot be
// resynchronised after it.
var ErrPacketTooLarge = errors.New("packet exceeds maximum size")

var typeNames = map[byte]string{
	packets.Connect:     "CONNECT",
	packets.Connack:     "CONNACK",
	packets.Publish:     "PUBLISH",
	packets.Puback:      "PUBACK",
	packets.Pubrec:      "PUBREC",
	packets.Pubrel:      "PUBREL",
	packets.Pubcomp:     "PUBCOMP",
	packets.Subscribe:   "SUBSCRIBE",
	packets.Suback:      "SUBACK",
	packets.Unsubscribe: "UNSUBSCRIBE",
	packets.Unsuback:    "UNSUBACK",
	packets.Pingreq:     "PINGREQ",
	packets.Pingresp:    "PINGRESP",
	packets.Disconnect:  "DISCONNECT",
	packets.Auth:        "AUTH",
}

// TypeName returns the control packet name for a fixed header type.
func TypeName(t byte) string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(%d)", t)
}

// DecodeError reports a frame that was read off the stream but could not
// be decoded. The stream itself is still usable.
type DecodeError struct {
	// Type is the fixed header packet type, or 0 if the header itself was bad.
	Type byte
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s: %v", TypeName(e.Type), e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// EncodeError reports a packet that could not be serialised.
type EncodeError struct {
	Type byte
	Err  error
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("encode %s: %v", TypeName(e.Type), e.Err)
}

func (e *EncodeError) Unwrap() error { return e.Err }
