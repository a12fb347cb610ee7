package protocol

import "testing"

func TestDecodeHello(t *testing.T) {
	hello, err := DecodeHello([]byte(`{"type":"hello","version":1,"audio_params":{"format":"opus","sample_rate":16000,"channels":1,"frame_duration":60}}`))
	if err != nil {
		t.Fatalf("DecodeHello: %v", err)
	}
	if hello.Transport != TransportDirect {
		t.Fatalf("transport=%q, want %q", hello.Transport, TransportDirect)
	}
	if hello.AudioIn.FrameDuration != 60 {
		t.Fatalf("frame_duration=%d, want 60", hello.AudioIn.FrameDuration)
	}
}

func TestDecodeHelloGatewayTransport(t *testing.T) {
	hello, err := DecodeHello([]byte(`{"type":"hello","version":1,"transport":"gateway","audio_params":{"format":"opus","sample_rate":16000,"channels":1,"frame_duration":60}}`))
	if err != nil {
		t.Fatalf("DecodeHello: %v", err)
	}
	if hello.Transport != TransportGateway {
		t.Fatalf("transport=%q, want %q", hello.Transport, TransportGateway)
	}
}

func TestDecodeHelloRejects(t *testing.T) {
	cases := []struct {
		name string
		data string
		code string
	}{
		{"not json", `{{`, "bad_request"},
		{"wrong type", `{"type":"listen","version":1}`, "bad_request"},
		{"bad version", `{"type":"hello","version":2}`, "unsupported_version"},
		{"bad transport", `{"type":"hello","version":1,"transport":"carrier_pigeon"}`, "unsupported"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := DecodeHello([]byte(tc.data))
			if err == nil {
				t.Fatalf("DecodeHello accepted %q", tc.data)
			}
			de, ok := err.(*DecodeError)
			if !ok {
				t.Fatalf("error type %T, want *DecodeError", err)
			}
			if de.Code != tc.code {
				t.Fatalf("code=%q, want %q", de.Code, tc.code)
			}
		})
	}
}
