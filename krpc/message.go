// Package krpc implements the KRPC message codec: bencoded queries,
// responses and errors exchanged between DHT nodes (BEP 5).
package krpc

import (
	"github.com/pkg/errors"
	"github.com/zeebo/bencode"

	"github.com/matei-oltean/go-dht/routing"
)

// KRPC message types
const (
	QueryType    = "q"
	ResponseType = "r"
	ErrorType    = "e"
)

// KRPC query methods
const (
	MethodPing     = "ping"
	MethodFindNode = "find_node"
	MethodGetPeers = "get_peers"
	MethodAnnounce = "announce_peer"
)

// KRPC error codes
const (
	ErrorGeneric       = 201
	ErrorServer        = 202
	ErrorProtocol      = 203
	ErrorMethodUnknown = 204
)

// envelope is the outer KRPC dictionary. The a/r/e payloads stay raw
// until the message type is known.
type envelope struct {
	T string             `bencode:"t"`
	Y string             `bencode:"y"`
	Q string             `bencode:"q"`
	A bencode.RawMessage `bencode:"a"`
	R bencode.RawMessage `bencode:"r"`
	E bencode.RawMessage `bencode:"e"`
}

// QueryArgs holds the arguments of an incoming query. Fields not used
// by the query's method stay zero.
type QueryArgs struct {
	ID          string `bencode:"id"`
	Target      string `bencode:"target"`
	InfoHash    string `bencode:"info_hash"`
	Port        int64  `bencode:"port"`
	Token       string `bencode:"token"`
	ImpliedPort int64  `bencode:"implied_port"`
}

// ResponseValues holds the values of an incoming response. The decode
// is method-agnostic; which fields are meaningful depends on the
// method of the originating query, which the transaction manager
// remembers.
type ResponseValues struct {
	ID     string   `bencode:"id"`
	Nodes  string   `bencode:"nodes"`
	Token  string   `bencode:"token"`
	Values []string `bencode:"values"`
}

// RPCError is the payload of an error message
type RPCError struct {
	Code    int64
	Message string
}

// Message is a decoded KRPC message of any kind
type Message struct {
	TransactionID string
	Type          string
	Query         string // method name, for queries
	Args          QueryArgs
	Response      ResponseValues
	Error         *RPCError
}

// NodeID extracts the sender-declared node ID. Error frames carry none.
func (m *Message) NodeID() (routing.NodeID, error) {
	switch m.Type {
	case QueryType:
		return routing.ParseNodeID([]byte(m.Args.ID))
	case ResponseType:
		return routing.ParseNodeID([]byte(m.Response.ID))
	}
	return routing.NodeID{}, errors.Errorf("%s message carries no node ID", m.Type)
}

// DecodeMessage parses a bencoded KRPC frame. Malformed frames are
// rejected whole; a partially valid dictionary never yields a message.
func DecodeMessage(data []byte) (*Message, error) {
	var env envelope
	if err := bencode.DecodeBytes(data, &env); err != nil {
		return nil, errors.Wrap(err, "decoding KRPC frame")
	}
	if env.T == "" {
		return nil, errors.New("missing transaction ID")
	}

	msg := &Message{TransactionID: env.T, Type: env.Y}
	switch env.Y {
	case QueryType:
		if env.Q == "" {
			return nil, errors.New("query without method name")
		}
		if env.A == nil {
			return nil, errors.New("query without arguments")
		}
		msg.Query = env.Q
		if err := bencode.DecodeBytes(env.A, &msg.Args); err != nil {
			return nil, errors.Wrap(err, "decoding query arguments")
		}
		if len(msg.Args.ID) != 20 {
			return nil, errors.Errorf("query sender ID must be 20 bytes, got %d", len(msg.Args.ID))
		}
	case ResponseType:
		if env.R == nil {
			return nil, errors.New("response without values")
		}
		if err := bencode.DecodeBytes(env.R, &msg.Response); err != nil {
			return nil, errors.Wrap(err, "decoding response values")
		}
		if len(msg.Response.ID) != 20 {
			return nil, errors.Errorf("response sender ID must be 20 bytes, got %d", len(msg.Response.ID))
		}
	case ErrorType:
		if env.E == nil {
			return nil, errors.New("error frame without payload")
		}
		var raw []interface{}
		if err := bencode.DecodeBytes(env.E, &raw); err != nil {
			return nil, errors.Wrap(err, "decoding error payload")
		}
		if len(raw) < 2 {
			return nil, errors.New("error payload must be [code, message]")
		}
		code, ok := raw[0].(int64)
		if !ok {
			return nil, errors.New("error code must be an integer")
		}
		text, ok := raw[1].(string)
		if !ok {
			return nil, errors.New("error message must be a string")
		}
		msg.Error = &RPCError{Code: code, Message: text}
	default:
		return nil, errors.Errorf("unknown message type %q", env.Y)
	}
	return msg, nil
}

// EncodePing creates a ping query
func EncodePing(txID string, id routing.NodeID) ([]byte, error) {
	return bencode.EncodeBytes(map[string]interface{}{
		"t": txID,
		"y": QueryType,
		"q": MethodPing,
		"a": map[string]interface{}{"id": string(id[:])},
	})
}

// EncodePingResponse creates a ping (or announce_peer) response
func EncodePingResponse(txID string, id routing.NodeID) ([]byte, error) {
	return bencode.EncodeBytes(map[string]interface{}{
		"t": txID,
		"y": ResponseType,
		"r": map[string]interface{}{"id": string(id[:])},
	})
}

// EncodeFindNode creates a find_node query
func EncodeFindNode(txID string, id, target routing.NodeID) ([]byte, error) {
	return bencode.EncodeBytes(map[string]interface{}{
		"t": txID,
		"y": QueryType,
		"q": MethodFindNode,
		"a": map[string]interface{}{
			"id":     string(id[:]),
			"target": string(target[:]),
		},
	})
}

// EncodeFindNodeResponse creates a find_node response. The nodes key
// is always present, empty when the table had nothing to offer.
func EncodeFindNodeResponse(txID string, id routing.NodeID, nodes []byte) ([]byte, error) {
	return bencode.EncodeBytes(map[string]interface{}{
		"t": txID,
		"y": ResponseType,
		"r": map[string]interface{}{
			"id":    string(id[:]),
			"nodes": string(nodes),
		},
	})
}

// EncodeGetPeers creates a get_peers query
func EncodeGetPeers(txID string, id routing.NodeID, infoHash [20]byte) ([]byte, error) {
	return bencode.EncodeBytes(map[string]interface{}{
		"t": txID,
		"y": QueryType,
		"q": MethodGetPeers,
		"a": map[string]interface{}{
			"id":        string(id[:]),
			"info_hash": string(infoHash[:]),
		},
	})
}

// EncodeGetPeersResponseNodes creates a get_peers response carrying
// the closest nodes (no peers known)
func EncodeGetPeersResponseNodes(txID string, id routing.NodeID, token string, nodes []byte) ([]byte, error) {
	return bencode.EncodeBytes(map[string]interface{}{
		"t": txID,
		"y": ResponseType,
		"r": map[string]interface{}{
			"id":    string(id[:]),
			"token": token,
			"nodes": string(nodes),
		},
	})
}

// EncodeGetPeersResponsePeers creates a get_peers response carrying
// compact peer records
func EncodeGetPeersResponsePeers(txID string, id routing.NodeID, token string, peers [][]byte) ([]byte, error) {
	values := make([]interface{}, len(peers))
	for i, p := range peers {
		values[i] = string(p)
	}
	return bencode.EncodeBytes(map[string]interface{}{
		"t": txID,
		"y": ResponseType,
		"r": map[string]interface{}{
			"id":     string(id[:]),
			"token":  token,
			"values": values,
		},
	})
}

// EncodeAnnouncePeer creates an announce_peer query
func EncodeAnnouncePeer(txID string, id routing.NodeID, infoHash [20]byte, port int, token string, impliedPort bool) ([]byte, error) {
	implied := 0
	if impliedPort {
		implied = 1
	}
	return bencode.EncodeBytes(map[string]interface{}{
		"t": txID,
		"y": QueryType,
		"q": MethodAnnounce,
		"a": map[string]interface{}{
			"id":           string(id[:]),
			"info_hash":    string(infoHash[:]),
			"port":         port,
			"token":        token,
			"implied_port": implied,
		},
	})
}

// EncodeError creates an error message
func EncodeError(txID string, code int, message string) ([]byte, error) {
	return bencode.EncodeBytes(map[string]interface{}{
		"t": txID,
		"y": ErrorType,
		"e": []interface{}{code, message},
	})
}
