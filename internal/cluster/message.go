package cluster

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/spaolacci/murmur3"
)

type messageKind string

const (
	kindReduce  messageKind = "reduce"
	kindBarrier messageKind = "barrier"
)

// message is the user payload exchanged between gossip members.
//
// Joined is the highest round the sender has contributed to. Receivers use
// it to learn that a round is open even when the contribution itself has
// not arrived yet.
type message struct {
	Kind   messageKind `json:"kind"`
	From   string      `json:"from"`
	Digest uint32      `json:"digest"`
	Round  uint64      `json:"round,omitempty"`
	Values []uint64    `json:"values,omitempty"`
	Gen    uint64      `json:"gen,omitempty"`
	Joined uint64      `json:"joined"`
}

func encodeMessage(m message) ([]byte, error) {
	return json.Marshal(m)
}

func decodeMessage(b []byte) (message, error) {
	var m message
	err := json.Unmarshal(b, &m)
	return m, err
}

// fleetDigest hashes the sorted member names. Two ranks with a different
// view of the fleet compute different digests.
func fleetDigest(names []string) uint32 {
	sorted := append([]string(nil), names...)
	sort.Strings(sorted)
	return murmur3.Sum32([]byte(strings.Join(sorted, "\x00")))
}
