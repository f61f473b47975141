package sharding

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
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/spaolacci/murmur3"
)

// Hasher maps a key to a 64-bit position on the ring. All implementations
// hash the same key type so they can be swapped by configuration alone.
type Hasher interface {
	Name() string
	Sum64(key []byte) uint64
}

// Names of the supported hash functions
const (
	Murmur3 = "murmur3"
	SHA256  = "sha256"
	XXHash  = "xxhash"
)

// HasherNames lists the supported hash functions
var HasherNames = []string{Murmur3, SHA256, XXHash}

// NewHasher returns the hash function with the given name.
func NewHasher(name string) (Hasher, error) {
	switch name {
	case Murmur3, "":
		return murmur3Hasher{}, nil
	case SHA256:
		return sha256Hasher{}, nil
	case XXHash:
		return xxHasher{}, nil
	default:
		return nil, fmt.Errorf("unknown hash function %q", name)
	}
}

// murmur3Hasher uses the low 64 bits of the 128-bit murmur3 hash.
type murmur3Hasher struct{}

func (murmur3Hasher) Name() string { return Murmur3 }

func (murmur3Hasher) Sum64(key []byte) uint64 {
	h1, _ := murmur3.Sum128(key)
	return h1
}

// sha256Hasher uses the first eight bytes of the SHA-256 digest. It's slower
// than the others but available everywhere.
type sha256Hasher struct{}

func (sha256Hasher) Name() string { return SHA256 }

func (sha256Hasher) Sum64(key []byte) uint64 {
	sum := sha256.Sum256(key)
	return binary.BigEndian.Uint64(sum[:8])
}

type xxHasher struct{}

func (xxHasher) Name() string { return XXHash }

func (xxHasher) Sum64(key []byte) uint64 {
	return xxhash.Sum64(key)
}
