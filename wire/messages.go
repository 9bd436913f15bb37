// Package wire defines the tagged message set exchanged between clients
// and the broker. Every message is one bitpack-encoded union value,
// carried one per websocket binary frame. Variant names double as the
// wire tags; their alphabetical order is part of the contract.
package wire

import (
	"tickwire/bitpack"

	"github.com/cockroachdb/errors"
)

// Message type tags.
const (
	TypeGetTime             = "get_time"
	TypePost                = "post"
	TypeLoad                = "load"
	TypeWatch               = "watch"
	TypeUnwatch             = "unwatch"
	TypeGetLatestPostIndex  = "get_latest_post_index"
	TypeInfoTime            = "info_time"
	TypeInfoPost            = "info_post"
	TypeInfoLatestPostIndex = "info_latest_post_index"
)

// GetTime asks the broker for its clock reading.
type GetTime struct{}

// Post submits an input event for a room. Time is the client's estimate
// of server time in milliseconds; the broker assigns the authoritative
// server_time and index on append.
type Post struct {
	Room    string
	Time    uint64
	Name    string
	Payload []byte
}

// Load asks the broker to deliver records starting at From. The broker
// never rewinds an already-advanced cursor.
type Load struct {
	Room string
	From uint64
}

// Watch subscribes the connection to live fan-out for a room.
type Watch struct {
	Room string
}

// Unwatch removes the live subscription for a room.
type Unwatch struct {
	Room string
}

// GetLatestPostIndex asks for the index of the newest record in a room.
type GetLatestPostIndex struct {
	Room string
}

// InfoTime is the broker clock at reply time, in milliseconds.
type InfoTime struct {
	Time uint64
}

// InfoPost is one appended record fanned out to a connection.
type InfoPost struct {
	Room       string
	Index      uint64
	ServerTime uint64
	ClientTime uint64
	Name       string
	Payload    []byte
}

// InfoLatestPostIndex reports the newest index of a room, -1 when empty,
// together with the broker clock at reply time.
type InfoLatestPostIndex struct {
	Room        string
	LatestIndex int64
	ServerTime  uint64
}

// ErrUnknownMessage reports a payload whose tag names no known message.
var ErrUnknownMessage = errors.New("wire: unknown message type")

var bytesSchema = bitpack.List(bitpack.UInt(8))

var clientSchema = bitpack.Union(
	bitpack.Field{Name: TypeGetTime, Schema: bitpack.Struct()},
	bitpack.Field{Name: TypePost, Schema: bitpack.Struct(
		bitpack.Field{Name: "room", Schema: bitpack.String()},
		bitpack.Field{Name: "time", Schema: bitpack.UInt(64)},
		bitpack.Field{Name: "name", Schema: bitpack.String()},
		bitpack.Field{Name: "payload", Schema: bytesSchema},
	)},
	bitpack.Field{Name: TypeLoad, Schema: bitpack.Struct(
		bitpack.Field{Name: "room", Schema: bitpack.String()},
		bitpack.Field{Name: "from", Schema: bitpack.UInt(64)},
	)},
	bitpack.Field{Name: TypeWatch, Schema: bitpack.Struct(
		bitpack.Field{Name: "room", Schema: bitpack.String()},
	)},
	bitpack.Field{Name: TypeUnwatch, Schema: bitpack.Struct(
		bitpack.Field{Name: "room", Schema: bitpack.String()},
	)},
	bitpack.Field{Name: TypeGetLatestPostIndex, Schema: bitpack.Struct(
		bitpack.Field{Name: "room", Schema: bitpack.String()},
	)},
)

var serverSchema = bitpack.Union(
	bitpack.Field{Name: TypeInfoTime, Schema: bitpack.Struct(
		bitpack.Field{Name: "time", Schema: bitpack.UInt(64)},
	)},
	bitpack.Field{Name: TypeInfoPost, Schema: bitpack.Struct(
		bitpack.Field{Name: "room", Schema: bitpack.String()},
		bitpack.Field{Name: "index", Schema: bitpack.UInt(64)},
		bitpack.Field{Name: "server_time", Schema: bitpack.UInt(64)},
		bitpack.Field{Name: "client_time", Schema: bitpack.UInt(64)},
		bitpack.Field{Name: "name", Schema: bitpack.String()},
		bitpack.Field{Name: "payload", Schema: bytesSchema},
	)},
	bitpack.Field{Name: TypeInfoLatestPostIndex, Schema: bitpack.Struct(
		bitpack.Field{Name: "room", Schema: bitpack.String()},
		bitpack.Field{Name: "latest_index", Schema: bitpack.Int(64)},
		bitpack.Field{Name: "server_time", Schema: bitpack.UInt(64)},
	)},
)

// EncodeClient serializes a client→broker message.
func EncodeClient(msg any) ([]byte, error) {
	var value map[string]any
	switch m := msg.(type) {
	case GetTime:
		value = map[string]any{bitpack.TagKey: TypeGetTime}
	case Post:
		value = map[string]any{
			bitpack.TagKey: TypePost,
			"room":         m.Room,
			"time":         m.Time,
			"name":         m.Name,
			"payload":      bytesValue(m.Payload),
		}
	case Load:
		value = map[string]any{bitpack.TagKey: TypeLoad, "room": m.Room, "from": m.From}
	case Watch:
		value = map[string]any{bitpack.TagKey: TypeWatch, "room": m.Room}
	case Unwatch:
		value = map[string]any{bitpack.TagKey: TypeUnwatch, "room": m.Room}
	case GetLatestPostIndex:
		value = map[string]any{bitpack.TagKey: TypeGetLatestPostIndex, "room": m.Room}
	default:
		return nil, errors.Wrapf(ErrUnknownMessage, "%T", msg)
	}
	return bitpack.Encode(clientSchema, value)
}

// DecodeClient parses a client→broker frame into one of the client
// message structs.
func DecodeClient(data []byte) (any, error) {
	raw, err := bitpack.Decode(clientSchema, data)
	if err != nil {
		return nil, err
	}
	record := raw.(map[string]any)
	switch record[bitpack.TagKey] {
	case TypeGetTime:
		return GetTime{}, nil
	case TypePost:
		return Post{
			Room:    record["room"].(string),
			Time:    record["time"].(uint64),
			Name:    record["name"].(string),
			Payload: valueBytes(record["payload"]),
		}, nil
	case TypeLoad:
		return Load{Room: record["room"].(string), From: record["from"].(uint64)}, nil
	case TypeWatch:
		return Watch{Room: record["room"].(string)}, nil
	case TypeUnwatch:
		return Unwatch{Room: record["room"].(string)}, nil
	case TypeGetLatestPostIndex:
		return GetLatestPostIndex{Room: record["room"].(string)}, nil
	default:
		return nil, errors.Wrapf(ErrUnknownMessage, "tag %v", record[bitpack.TagKey])
	}
}

// EncodeServer serializes a broker→client message.
func EncodeServer(msg any) ([]byte, error) {
	var value map[string]any
	switch m := msg.(type) {
	case InfoTime:
		value = map[string]any{bitpack.TagKey: TypeInfoTime, "time": m.Time}
	case InfoPost:
		value = map[string]any{
			bitpack.TagKey: TypeInfoPost,
			"room":         m.Room,
			"index":        m.Index,
			"server_time":  m.ServerTime,
			"client_time":  m.ClientTime,
			"name":         m.Name,
			"payload":      bytesValue(m.Payload),
		}
	case InfoLatestPostIndex:
		value = map[string]any{
			bitpack.TagKey: TypeInfoLatestPostIndex,
			"room":         m.Room,
			"latest_index": m.LatestIndex,
			"server_time":  m.ServerTime,
		}
	default:
		return nil, errors.Wrapf(ErrUnknownMessage, "%T", msg)
	}
	return bitpack.Encode(serverSchema, value)
}

// DecodeServer parses a broker→client frame into one of the server
// message structs.
func DecodeServer(data []byte) (any, error) {
	raw, err := bitpack.Decode(serverSchema, data)
	if err != nil {
		return nil, err
	}
	record := raw.(map[string]any)
	switch record[bitpack.TagKey] {
	case TypeInfoTime:
		return InfoTime{Time: record["time"].(uint64)}, nil
	case TypeInfoPost:
		return InfoPost{
			Room:       record["room"].(string),
			Index:      record["index"].(uint64),
			ServerTime: record["server_time"].(uint64),
			ClientTime: record["client_time"].(uint64),
			Name:       record["name"].(string),
			Payload:    valueBytes(record["payload"]),
		}, nil
	case TypeInfoLatestPostIndex:
		return InfoLatestPostIndex{
			Room:        record["room"].(string),
			LatestIndex: record["latest_index"].(int64),
			ServerTime:  record["server_time"].(uint64),
		}, nil
	default:
		return nil, errors.Wrapf(ErrUnknownMessage, "tag %v", record[bitpack.TagKey])
	}
}

func bytesValue(b []byte) []any {
	units := make([]any, len(b))
	for i, u := range b {
		units[i] = uint64(u)
	}
	return units
}

func valueBytes(v any) []byte {
	units := v.([]any)
	b := make([]byte, len(units))
	for i, u := range units {
		b[i] = byte(u.(uint64))
	}
	return b
}
