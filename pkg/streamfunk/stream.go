// Package streamfunk provides the duplex message streams the mesh sessions
// run on. Streams carry opaque binary frames; framing, handshakes and
// ordering across streams are handled by the session layer.
package streamfunk

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
	"context"
	"errors"
	"fmt"

	"github.com/lab5e/meshfunk/pkg/funk/metrics"
	"github.com/lab5e/meshfunk/pkg/toolbox"
)

// ErrClosed is returned when a stream or transport is used after it has been
// closed.
var ErrClosed = errors.New("stream is closed")

// Stream is a duplex stream of binary messages. Send is not safe for
// concurrent use; Recv can run concurrently with Send.
type Stream interface {
	// Send writes a single message
	Send(data []byte) error

	// Recv reads a single message. io.EOF is returned when the remote end
	// has completed its half of the stream.
	Recv() ([]byte, error)

	// CloseSend completes the local half of the stream. The remote end
	// will get io.EOF once it has read all pending messages.
	CloseSend() error

	// Close releases the stream. Pending reads and writes fail.
	Close() error

	// RemoteAddr is the transport level address of the remote end. It's
	// informational only and might not be the address the peer listens on.
	RemoteAddr() string
}

// AcceptFunc is called for every inbound stream. The stream is released
// when the function returns.
type AcceptFunc func(stream Stream)

// Dialer opens outbound streams
type Dialer interface {
	Dial(ctx context.Context, address string) (Stream, error)
}

// Transport opens and accepts streams
type Transport interface {
	Dialer

	// Listen starts accepting streams on the endpoint. It returns when the
	// listener is up.
	Listen(endpoint string, accept AcceptFunc) error

	// Close stops the listener and releases resources
	Close() error
}

// Transport kinds
const (
	GRPCTransport      = "grpc"
	WebsocketTransport = "websocket"
)

// New creates a transport of the given kind
func New(kind string, params toolbox.GRPCParam, sink metrics.Sink) (Transport, error) {
	switch kind {
	case GRPCTransport, "":
		return NewGRPCTransport(params, sink), nil
	case WebsocketTransport:
		return NewWebsocketTransport(), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", kind)
	}
}
