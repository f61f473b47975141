package toolbox

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
	"errors"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
)

// GRPCParam holds the TLS parameters for gRPC clients and servers in the
// mesh. The same set is used on both sides since every node is both.
type GRPCParam struct {
	TLS                bool   `kong:"help='Enable TLS',default='false'"`
	CertFile           string `kong:"help='Certificate file',type='existingfile'"`
	KeyFile            string `kong:"help='Certificate key file',type='existingfile'"`
	CAFile             string `kong:"help='CA certificate file',type='existingfile'"`
	ServerHostOverride string `kong:"help='Host name override for certificate'"`
}

// GetGRPCDialOpts returns dial options for a client
func GetGRPCDialOpts(config GRPCParam) ([]grpc.DialOption, error) {
	if !config.TLS {
		return []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, nil
	}

	if config.CAFile == "" {
		return nil, errors.New("missing CA file for TLS")
	}

	creds, err := credentials.NewClientTLSFromFile(config.CAFile, config.ServerHostOverride)
	if err != nil {
		return nil, err
	}
	return []grpc.DialOption{grpc.WithTransportCredentials(creds)}, nil
}

// GetGRPCServerOpts returns server options
func GetGRPCServerOpts(config GRPCParam) ([]grpc.ServerOption, error) {
	if !config.TLS {
		return nil, nil
	}
	if config.CertFile == "" || config.KeyFile == "" {
		return nil, errors.New("missing certificate or key file for TLS")
	}
	creds, err := credentials.NewServerTLSFromFile(config.CertFile, config.KeyFile)
	if err != nil {
		return nil, err
	}
	return []grpc.ServerOption{grpc.Creds(creds)}, nil
}
