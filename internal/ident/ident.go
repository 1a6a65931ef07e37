// Package ident generates time-sortable identifiers for orders and trades.
package ident

import (
	cryptoRand "crypto/rand"
	"encoding/binary"
	"io"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

const (
	orderPrefix = "ORD-"
	tradePrefix = "TRD-"
)

var (
	mu   sync.Mutex
	mono io.Reader
)

func init() {
	// Monotonic entropy keeps IDs minted within the same millisecond in
	// generation order, so lexical order of IDs matches creation order.
	var seed int64
	_ = binary.Read(cryptoRand.Reader, binary.LittleEndian, &seed)
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	mono = ulid.Monotonic(rand.New(rand.NewSource(seed)), 0)
}

// New returns a bare ULID string.
func New() string {
	mu.Lock()
	defer mu.Unlock()

	id, err := ulid.New(ulid.Timestamp(time.Now().UTC()), mono)
	if err != nil {
		panic(err)
	}
	return id.String()
}

// OrderID returns a new order identifier, e.g. ORD-01J9Z….
func OrderID() string { return orderPrefix + New() }

// TradeID returns a new trade lot identifier, e.g. TRD-01J9Z….
func TradeID() string { return tradePrefix + New() }
