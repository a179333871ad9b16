package stream

import (
	"encoding/json"

	"github.com/google/uuid"
)

// Method is the request verb understood by the feed.
type Method string

const (
	MethodSub        Method = "sub"
	MethodUnsub      Method = "unsub"
	MethodChangeMode Method = "change_mode"
)

// Request is one subscription request before encoding.
type Request struct {
	Method Method
	Mode   Mode
	Keys   []InstrumentKey
}

// RequestEncoder turns a request into the bytes of one binary frame.
type RequestEncoder interface {
	Encode(req Request) ([]byte, error)
}

type envelope struct {
	GUID   string       `json:"guid"`
	Method Method       `json:"method"`
	Data   envelopeData `json:"data"`
}

type envelopeData struct {
	Mode           Mode            `json:"mode"`
	InstrumentKeys []InstrumentKey `json:"instrumentKeys"`
}

// JSONRequestEncoder writes {guid, method, data{mode, instrumentKeys}} as
// UTF-8 JSON. The feed only accepts it inside a binary frame.
type JSONRequestEncoder struct {
	// NewGUID defaults to a random UUID.
	NewGUID func() string
}

func (e JSONRequestEncoder) Encode(req Request) ([]byte, error) {
	guid := e.NewGUID
	if guid == nil {
		guid = uuid.NewString
	}
	keys := req.Keys
	if keys == nil {
		keys = []InstrumentKey{}
	}
	return json.Marshal(envelope{
		GUID:   guid(),
		Method: req.Method,
		Data: envelopeData{
			Mode:           req.Mode,
			InstrumentKeys: keys,
		},
	})
}

// batches splits keys into chunks of at most size. size <= 0 keeps one
// chunk.
func batches(keys []InstrumentKey, size int) [][]InstrumentKey {
	if len(keys) == 0 {
		return nil
	}
	if size <= 0 || len(keys) <= size {
		return [][]InstrumentKey{keys}
	}
	out := make([][]InstrumentKey, 0, (len(keys)+size-1)/size)
	for start := 0; start < len(keys); start += size {
		end := start + size
		if end > len(keys) {
			end = len(keys)
		}
		out = append(out, keys[start:end])
	}
	return out
}
