package walproto

import "testing"

func TestEncodeWALData(t *testing.T) {
	payload := []byte("hello")
	buf := EncodeWALData(100, 200, 300, payload)

	if buf[0] != WALDataByte {
		t.Fatalf("first byte = %q, want 'w'", buf[0])
	}
	if len(buf) != 1+8+8+8+len(payload) {
		t.Fatalf("len = %d, want %d", len(buf), 1+8+8+8+len(payload))
	}
	if string(buf[25:]) != "hello" {
		t.Errorf("payload = %q, want hello", buf[25:])
	}
}

func TestEncodeKeepalive(t *testing.T) {
	buf := EncodeKeepalive(500, 600, true)
	if buf[0] != KeepaliveByte {
		t.Fatalf("first byte = %q, want 'k'", buf[0])
	}
	if len(buf) != 1+8+8+1 {
		t.Fatalf("len = %d, want 18", len(buf))
	}
	if buf[17] != 1 {
		t.Errorf("replyRequested byte = %d, want 1", buf[17])
	}

	buf2 := EncodeKeepalive(500, 600, false)
	if buf2[17] != 0 {
		t.Errorf("replyRequested byte = %d, want 0", buf2[17])
	}
}

func TestDecodeStandbyStatusUpdate(t *testing.T) {
	body := make([]byte, 33)
	body[32] = 1
	got, err := DecodeStandbyStatusUpdate(body)
	if err != nil {
		t.Fatalf("DecodeStandbyStatusUpdate: %v", err)
	}
	if !got.ReplyRequested {
		t.Errorf("ReplyRequested = false, want true")
	}

	if _, err := DecodeStandbyStatusUpdate(make([]byte, 10)); err == nil {
		t.Errorf("expected error for short payload")
	}
}

func TestDecodeHotStandbyFeedback(t *testing.T) {
	body := make([]byte, 16)
	body[15] = 7
	got, err := DecodeHotStandbyFeedback(body)
	if err != nil {
		t.Fatalf("DecodeHotStandbyFeedback: %v", err)
	}
	if got.Epoch != 7 {
		t.Errorf("Epoch = %d, want 7", got.Epoch)
	}

	if _, err := DecodeHotStandbyFeedback(make([]byte, 3)); err == nil {
		t.Errorf("expected error for short payload")
	}
}
