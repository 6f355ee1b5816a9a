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

import "github.com/mochi-mqtt/server/v2/packets"

// NewConnect builds a CONNECT packet with a clean session. Version 3
// clients announce the "MQIsdp" protocol name, later versions "MQTT".
func NewConnect(clientID string, version byte) packets.Packet {
	name := "MQTT"
	if version == Version31 {
		name = "MQIsdp"
	}
	return packets.Packet{
		FixedHeader:     packets.FixedHeader{Type: packets.Connect},
		ProtocolVersion: version,
		Connect: packets.ConnectParams{
			ProtocolName:     []byte(name),
			ClientIdentifier: clientID,
			Clean:            true,
			Keepalive:        60,
		},
	}
}

// NewConnack builds the connection-accepted acknowledgement.
func NewConnack() packets.Packet {
	return packets.Packet{
		FixedHeader: packets.FixedHeader{Type: packets.Connack},
		ReasonCode:  packets.CodeSuccess.Code,
	}
}

// NewSubscribe builds a SUBSCRIBE for topics, each requested at QoS 0.
func NewSubscribe(packetID uint16, topics ...string) packets.Packet {
	filters := make(packets.Subscriptions, 0, len(topics))
	for _, t := range topics {
		filters = append(filters, packets.Subscription{Filter: t})
	}
	return packets.Packet{
		FixedHeader: packets.FixedHeader{Type: packets.Subscribe, Qos: 1},
		PacketID:    packetID,
		Filters:     filters,
	}
}

// NewSuback builds a SUBACK answering packetID with one reason code per
// requested filter.
func NewSuback(packetID uint16, codes []byte) packets.Packet {
	return packets.Packet{
		FixedHeader: packets.FixedHeader{Type: packets.Suback},
		PacketID:    packetID,
		ReasonCodes: codes,
	}
}

// NewPublish builds a QoS 0, non-retained PUBLISH.
func NewPublish(topic string, payload []byte) packets.Packet {
	return packets.Packet{
		FixedHeader: packets.FixedHeader{Type: packets.Publish},
		TopicName:   topic,
		Payload:     payload,
	}
}

// NewPingreq builds a keep-alive ping.
func NewPingreq() packets.Packet {
	return packets.Packet{FixedHeader: packets.FixedHeader{Type: packets.Pingreq}}
}

// NewPingresp builds a keep-alive pong.
func NewPingresp() packets.Packet {
	return packets.Packet{FixedHeader: packets.FixedHeader{Type: packets.Pingresp}}
}

// NewDisconnect builds a DISCONNECT.
func NewDisconnect() packets.Packet {
	return packets.Packet{FixedHeader: packets.FixedHeader{Type: packets.Disconnect}}
}
