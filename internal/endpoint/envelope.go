package endpoint

import "encoding/json"

type rpcKind string

const (
	kindRequest  rpcKind = "request"
	kindResponse rpcKind = "response"
)

// rpcEnvelope is the wire shape exchanged between endpoints over a peer
// connection's data channels to carry Get/Set/Exists/Evict calls.
type rpcEnvelope struct {
	Op    string  `json:"op"`
	Key   string  `json:"key"`
	Data  []byte  `json:"data,omitempty"`
	UUID  string  `json:"uuid"`
	Kind  rpcKind `json:"kind"`
	Found bool    `json:"found,omitempty"`
	Error string  `json:"error,omitempty"`
}

func encodeEnvelope(e rpcEnvelope) ([]byte, error) { return json.Marshal(e) }

func decodeEnvelope(b []byte) (rpcEnvelope, error) {
	var e rpcEnvelope
	err := json.Unmarshal(b, &e)
	return e, err
}
