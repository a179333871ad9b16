package stream

import (
	"encoding/json"
	"testing"
	"unicode/utf8"
)

func TestJSONRequestEncoderEnvelope(t *testing.T) {
	enc := JSONRequestEncoder{NewGUID: func() string { return "guid-1" }}
	data, err := enc.Encode(Request{Method: MethodSub, Mode: ModeFull, Keys: Keys("NSE_INDEX|Nifty 50")})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !utf8.Valid(data) {
		t.Fatal("request is not utf-8")
	}
	want := `{"guid":"guid-1","method":"sub","data":{"mode":"full","instrumentKeys":["NSE_INDEX|Nifty 50"]}}`
	if string(data) != want {
		t.Fatalf("got  %s\nwant %s", data, want)
	}
}

func TestJSONRequestEncoderNilKeys(t *testing.T) {
	data, err := JSONRequestEncoder{}.Encode(Request{Method: MethodUnsub, Mode: ModeLTPC})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	var body map[string]json.RawMessage
	if err := json.Unmarshal(raw["data"], &body); err != nil {
		t.Fatalf("unmarshal data: %v", err)
	}
	if string(body["instrumentKeys"]) != "[]" {
		t.Fatalf("instrumentKeys = %s", body["instrumentKeys"])
	}
}

func TestJSONRequestEncoderUniqueGUIDs(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		data, err := JSONRequestEncoder{}.Encode(Request{Method: MethodSub, Mode: ModeLTPC, Keys: Keys("A")})
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if seen[env.GUID] {
			t.Fatalf("guid %s repeated", env.GUID)
		}
		seen[env.GUID] = true
	}
}

func TestBatches(t *testing.T) {
	cases := []struct {
		name string
		n    int
		size int
		want []int
	}{
		{"empty", 0, 2, nil},
		{"unbounded", 5, 0, []int{5}},
		{"fits", 3, 3, []int{3}},
		{"split", 5, 2, []int{2, 2, 1}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			keys := make([]InstrumentKey, tc.n)
			for i := range keys {
				keys[i] = InstrumentKey(rune('a' + i))
			}
			got := batches(keys, tc.size)
			if len(got) != len(tc.want) {
				t.Fatalf("got %d batches, want %d", len(got), len(tc.want))
			}
			for i, b := range got {
				if len(b) != tc.want[i] {
					t.Fatalf("batch %d has %d keys, want %d", i, len(b), tc.want[i])
				}
			}
		})
	}
}
