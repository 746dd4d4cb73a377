package encoding

import (
	"bytes"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := [][]byte{
		nil,
		[]byte(""),
		[]byte("hello world"),
		bytes.Repeat([]byte("x"), chunkSize-1),
		bytes.Repeat([]byte("y"), chunkSize),
		bytes.Repeat([]byte("z"), chunkSize+1),
		bytes.Repeat([]byte("w"), chunkSize*3+17),
	}
	for i, data := range cases {
		encoded := Encode(data)
		decoded, err := Decode(encoded)
		if err != nil {
			t.Fatalf("case %d: Decode: %v", i, err)
		}
		if !bytes.Equal(decoded, data) && !(len(decoded) == 0 && len(data) == 0) {
			t.Errorf("case %d: round trip mismatch: got %d bytes, want %d bytes", i, len(decoded), len(data))
		}
	}
}

func TestEncodeEmptyReturnsEmptyString(t *testing.T) {
	if Encode(nil) != "" {
		t.Error("Encode(nil) did not return empty string")
	}
}

func TestDecodeInvalidBase64ReturnsError(t *testing.T) {
	if _, err := Decode("not-valid-base64!!!"); err == nil {
		t.Error("Decode accepted invalid base64")
	}
}

func TestDecodeEmptyReturnsNil(t *testing.T) {
	data, err := Decode("")
	if err != nil {
		t.Fatalf("Decode(\"\"): %v", err)
	}
	if data != nil {
		t.Errorf("Decode(\"\") = %v, want nil", data)
	}
}
