package codec

import "testing"

func TestEncodeDecode(t *testing.T) {
	in := []float32{0, 1.5, -2.25, 3e-7}
	out, err := Decode(Encode(in))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	for i := range in {
		if in[i] != out[i] {
			t.Fatalf("component %d = %v, want %v", i, out[i], in[i])
		}
	}
	if _, err := Decode([]byte{1, 2, 3}); err == nil {
		t.Fatalf("expected error for truncated payload")
	}
}
