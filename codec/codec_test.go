package codec

import (
	"bytes"
	"testing"
	"tuya-bridge/message"
)

func sampleMessages() []*message.RPCMessage {
	return []*message.RPCMessage{
		{
			Plugin: "Tuyacordovaplugin",
			Method: "home_listDevices",
			Args:   []byte(`["123"]`),
		},
		{
			Plugin:  "Tuyacordovaplugin",
			Method:  "home_listHomes",
			Payload: []byte(`[{"homeId":1}]`),
		},
		{
			Plugin:  "Tuyacordovaplugin",
			Method:  "user_register",
			Failure: []byte(`{"code":"USER_EXISTS"}`),
		},
		{
			Plugin:  "Tuyacordovaplugin",
			Method:  "user_register",
			Failure: []byte{},
		},
	}
}

func assertSame(t *testing.T, want, got *message.RPCMessage) {
	t.Helper()
	if want.Plugin != got.Plugin {
		t.Errorf("Plugin mismatch: got %s, want %s", got.Plugin, want.Plugin)
	}
	if want.Method != got.Method {
		t.Errorf("Method mismatch: got %s, want %s", got.Method, want.Method)
	}
	if !bytes.Equal(want.Args, got.Args) {
		t.Errorf("Args mismatch: got %s, want %s", got.Args, want.Args)
	}
	if !bytes.Equal(want.Payload, got.Payload) {
		t.Errorf("Payload mismatch: got %s, want %s", got.Payload, want.Payload)
	}
	if want.Failed() != got.Failed() {
		t.Errorf("Failed mismatch: got %v, want %v", got.Failed(), want.Failed())
	}
	if !bytes.Equal(want.Failure, got.Failure) {
		t.Errorf("Failure mismatch: got %s, want %s", got.Failure, want.Failure)
	}
}

func TestJSONCodec(t *testing.T) {
	jsonCodec := &JSONCodec{}

	for _, originalMsg := range sampleMessages() {
		data, err := jsonCodec.Encode(originalMsg)
		if err != nil {
			t.Fatalf("JSONCodec Encode failed: %v", err)
		}

		var decodedMsg message.RPCMessage
		if err := jsonCodec.Decode(data, &decodedMsg); err != nil {
			t.Fatalf("JSONCodec Decode failed: %v", err)
		}
		assertSame(t, originalMsg, &decodedMsg)
	}
}

func TestBinaryCodec(t *testing.T) {
	binaryCodec := &BinaryCodec{}

	for _, originalMsg := range sampleMessages() {
		data, err := binaryCodec.Encode(originalMsg)
		if err != nil {
			t.Fatalf("BinaryCodec Encode failed: %v", err)
		}

		var decodedMsg message.RPCMessage
		if err := binaryCodec.Decode(data, &decodedMsg); err != nil {
			t.Fatalf("BinaryCodec Decode failed: %v", err)
		}
		assertSame(t, originalMsg, &decodedMsg)
	}
}

func TestBinaryCodecLayout(t *testing.T) {
	binaryCodec := &BinaryCodec{}
	data, err := binaryCodec.Encode(&message.RPCMessage{Plugin: "P", Method: "m", Failure: []byte{}})
	if err != nil {
		t.Fatal(err)
	}
	want := []byte{
		1,          // flags: failure arm
		0, 1, 'P',  // plugin
		0, 1, 'm',  // method
		0, 0, 0, 0, // args
		0, 0, 0, 0, // payload
		0, 0, 0, 0, // failure
	}
	if !bytes.Equal(data, want) {
		t.Fatalf("expect % x, got % x", want, data)
	}

	data, err = binaryCodec.Encode(&message.RPCMessage{Plugin: "P", Method: "m"})
	if err != nil {
		t.Fatal(err)
	}
	if data[0] != 0 {
		t.Fatalf("expect no flags on a success, got %d", data[0])
	}
}

func TestBinaryCodecTruncated(t *testing.T) {
	binaryCodec := &BinaryCodec{}
	data, err := binaryCodec.Encode(sampleMessages()[0])
	if err != nil {
		t.Fatal(err)
	}

	for _, n := range []int{0, 1, 5, len(data) - 1} {
		var msg message.RPCMessage
		if err := binaryCodec.Decode(data[:n], &msg); err == nil {
			t.Errorf("expected error decoding %d of %d bytes", n, len(data))
		}
	}
}

func TestBinaryCodecWrongType(t *testing.T) {
	if _, err := (&BinaryCodec{}).Encode("not a message"); err == nil {
		t.Fatal("expected error for non-envelope value")
	}
}

func TestParseCodecType(t *testing.T) {
	cases := map[string]CodecType{"": CodecTypeJSON, "json": CodecTypeJSON, "binary": CodecTypeBinary}
	for name, want := range cases {
		got, ok := ParseCodecType(name)
		if !ok || got != want {
			t.Errorf("ParseCodecType(%q) = %v, %v; want %v", name, got, ok, want)
		}
	}
	if _, ok := ParseCodecType("protobuf"); ok {
		t.Error("protobuf should not be accepted")
	}
	if GetCodec(CodecTypeBinary).Type() != CodecTypeBinary {
		t.Error("GetCodec returned the wrong codec")
	}
}
