package protocol

import (
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// IDGenerator produces the typed-prefix identifiers used across the broker.
// Message ids carry a timestamp and a process-local sequence so they sort
// roughly by creation; the uuid tail keeps them unique across restarts.
type IDGenerator struct {
	seq   atomic.Uint64
	start int64
}

// NewIDGenerator creates a generator anchored at the current instant.
func NewIDGenerator() *IDGenerator {
	return &IDGenerator{start: time.Now().UnixNano()}
}

// MessageID returns an id of the form arq_<timestamp>_<seq>_<rand6hex>.
func (g *IDGenerator) MessageID() string {
	seq := g.seq.Add(1)
	return fmt.Sprintf("arq_%d_%d_%s", g.start, seq, shortHex())
}

// ClientID returns an id of the form arq_client_<32hex>.
func (g *IDGenerator) ClientID() string {
	return "arq_client_" + longHex()
}

// RoomID returns an id of the form arq_room_<32hex>.
func (g *IDGenerator) RoomID() string {
	return "arq_room_" + longHex()
}

// ChannelID returns an id of the form arq_channel_<32hex>.
func (g *IDGenerator) ChannelID() string {
	return "arq_channel_" + longHex()
}

// defaultGenerator backs the package-level convenience constructors. The
// broker's long-lived components inject their own generator instead.
var defaultGenerator = NewIDGenerator()

// NewMessageID generates a message id from the package's convenience generator.
func NewMessageID() string { return defaultGenerator.MessageID() }

// NewClientID generates a client id from the package's convenience generator.
func NewClientID() string { return defaultGenerator.ClientID() }

// NewRoomID generates a room id from the package's convenience generator.
func NewRoomID() string { return defaultGenerator.RoomID() }

// NewChannelID generates a channel id from the package's convenience generator.
func NewChannelID() string { return defaultGenerator.ChannelID() }

// ValidMessageID reports whether id matches arq_<timestamp>_<seq>_<6hex>.
func ValidMessageID(id string) bool {
	if !strings.HasPrefix(id, "arq_") {
		return false
	}
	parts := strings.Split(id, "_")
	if len(parts) != 4 {
		return false
	}
	if _, err := strconv.ParseInt(parts[1], 10, 64); err != nil {
		return false
	}
	if _, err := strconv.ParseUint(parts[2], 10, 64); err != nil {
		return false
	}
	if len(parts[3]) != 6 {
		return false
	}
	_, err := strconv.ParseUint(parts[3], 16, 64)
	return err == nil
}

func shortHex() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:6]
}

func longHex() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
