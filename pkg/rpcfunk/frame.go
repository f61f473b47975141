package rpcfunk

//
//Copyright 2019 Telenor Digital AS
//
//Licensed under the Apache License, Version 2.0 (the "License");
//you may not use this file except in compliance with the License.
//You may obtain a copy of the License at
//
//http://www.apache.org/licenses/LICENSE-2.0
//
//Unless required by applicable law or agreed to in writing, software
//distributed under the License is distributed on an "AS IS" BASIS,
//WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
//See the License for the specific language governing permissions and
//limitations under the License.
//
import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/lab5e/meshfunk/pkg/funk/topology"
)

// FrameType is the type of frame sent on a session stream
type FrameType byte

const (
	// HandshakeFrame is the first frame sent by the dialing side. It carries
	// the address the sender listens on and the session ID.
	HandshakeFrame FrameType = 1
	// DataFrame carries an application payload
	DataFrame FrameType = 2
)

func (f FrameType) String() string {
	switch f {
	case HandshakeFrame:
		return "Handshake"
	case DataFrame:
		return "Data"
	default:
		return fmt.Sprintf("FrameType(%d)", f)
	}
}

// Field numbers for the wire format. The frames are encoded as protobuf
// messages so other implementations can use a regular .proto definition.
const (
	fieldType      protowire.Number = 1
	fieldHost      protowire.Number = 2
	fieldPort      protowire.Number = 3
	fieldRole      protowire.Number = 4
	fieldSessionID protowire.Number = 5
	fieldPayload   protowire.Number = 6
)

// Frame is a single message on a session stream
type Frame struct {
	Type      FrameType
	Address   topology.NodeAddress // Handshake only
	SessionID SessionID            // Handshake only
	Payload   []byte               // Data only
}

// NewHandshake creates a handshake frame
func NewHandshake(local topology.NodeAddress, id SessionID) Frame {
	return Frame{Type: HandshakeFrame, Address: local, SessionID: id}
}

// NewData creates a data frame
func NewData(payload []byte) Frame {
	return Frame{Type: DataFrame, Payload: payload}
}

// MarshalBinary encodes the frame
func (f *Frame) MarshalBinary() ([]byte, error) {
	ret := make([]byte, 0, 16+len(f.Payload))
	ret = protowire.AppendTag(ret, fieldType, protowire.VarintType)
	ret = protowire.AppendVarint(ret, uint64(f.Type))
	if f.Type == HandshakeFrame {
		ret = protowire.AppendTag(ret, fieldHost, protowire.BytesType)
		ret = protowire.AppendString(ret, f.Address.Host)
		ret = protowire.AppendTag(ret, fieldPort, protowire.VarintType)
		ret = protowire.AppendVarint(ret, uint64(f.Address.Port))
		if f.Address.Role != "" {
			ret = protowire.AppendTag(ret, fieldRole, protowire.BytesType)
			ret = protowire.AppendString(ret, f.Address.Role)
		}
		ret = protowire.AppendTag(ret, fieldSessionID, protowire.BytesType)
		ret = protowire.AppendString(ret, string(f.SessionID))
	}
	if len(f.Payload) > 0 {
		ret = protowire.AppendTag(ret, fieldPayload, protowire.BytesType)
		ret = protowire.AppendBytes(ret, f.Payload)
	}
	return ret, nil
}

// UnmarshalBinary decodes a frame. Unknown fields are skipped.
func (f *Frame) UnmarshalBinary(buf []byte) error {
	*f = Frame{}
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrInvalidFrame, protowire.ParseError(n))
		}
		buf = buf[n:]
		switch {
		case (num == fieldType || num == fieldPort) && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(buf)
			if n < 0 {
				return fmt.Errorf("%w: %v", ErrInvalidFrame, protowire.ParseError(n))
			}
			if num == fieldType {
				f.Type = FrameType(v)
			} else {
				if v > topology.MaxPort {
					return fmt.Errorf("%w: port %d out of range", ErrInvalidFrame, v)
				}
				f.Address.Port = int(v)
			}
			buf = buf[n:]
		case (num == fieldHost || num == fieldRole || num == fieldSessionID || num == fieldPayload) && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return fmt.Errorf("%w: %v", ErrInvalidFrame, protowire.ParseError(n))
			}
			switch num {
			case fieldHost:
				f.Address.Host = string(v)
			case fieldRole:
				f.Address.Role = string(v)
			case fieldSessionID:
				f.SessionID = SessionID(v)
			case fieldPayload:
				f.Payload = append([]byte(nil), v...)
			}
			buf = buf[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, buf)
			if n < 0 {
				return fmt.Errorf("%w: %v", ErrInvalidFrame, protowire.ParseError(n))
			}
			buf = buf[n:]
		}
	}
	switch f.Type {
	case HandshakeFrame:
		if f.Address.Host == "" || f.Address.Port <= 0 || f.SessionID == "" {
			return fmt.Errorf("%w: incomplete handshake", ErrInvalidFrame)
		}
	case DataFrame:
	default:
		return fmt.Errorf("%w: unknown frame type %d", ErrInvalidFrame, f.Type)
	}
	return nil
}
