package protocol

import (
	"encoding/json"
	"testing"
)

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	payload, err := json.Marshal(DocUpdatePayload{
		UpdateData:  "abcd",
		FrontierTag: "f1",
		SizeBytes:   4,
	})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}

	env := Envelope{
		Version:   ProtocolVersion,
		Type:      TypeDocUpdate,
		DocID:     "doc1",
		ClientID:  "client1",
		Seq:       42,
		Timestamp: "2026-07-31T00:00:00Z",
		Payload:   payload,
	}

	data, err := Marshal(env)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	got, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got.DocID != env.DocID || got.Seq != env.Seq || got.Type != env.Type {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, env)
	}

	var p DocUpdatePayload
	if err := json.Unmarshal(got.Payload, &p); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if p.FrontierTag != "f1" || p.SizeBytes != 4 {
		t.Errorf("payload round trip mismatch: %+v", p)
	}
}

func TestUnmarshalInvalidJSONReturnsErrorNotPanic(t *testing.T) {
	_, err := Unmarshal([]byte(`not json`))
	if err == nil {
		t.Error("Unmarshal accepted invalid JSON")
	}
}

func TestUnmarshalRejectsUnknownEnvelopeField(t *testing.T) {
	raw := []byte(`{"version":"1.0","type":"ping","docId":"d","clientId":"c","seq":1,"timestamp":"2026-07-31T00:00:00Z","payload":{},"bogus":true}`)
	if _, err := Unmarshal(raw); err == nil {
		t.Error("Unmarshal accepted an envelope with an unknown field")
	}
}
