package postgres

import "testing"

func TestSerializeEmbedding(t *testing.T) {
	tests := []struct {
		in   []float32
		want string
	}{
		{nil, "[]"},
		{[]float32{0.1, 0.2, 0.3}, "[0.1,0.2,0.3]"},
		{[]float32{1, -1, 0}, "[1,-1,0]"},
	}
	for _, tt := range tests {
		if got := serializeEmbedding(tt.in); got != tt.want {
			t.Errorf("serializeEmbedding(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestMarshalMetadataRoundTrip(t *testing.T) {
	in := map[string]string{"channel_id": "c1", "role": "user"}
	data, err := marshalMetadata(in)
	if err != nil {
		t.Fatalf("marshalMetadata: %v", err)
	}
	out, err := unmarshalMetadata(data)
	if err != nil {
		t.Fatalf("unmarshalMetadata: %v", err)
	}
	if len(out) != len(in) {
		t.Fatalf("unmarshalMetadata: got %d keys, want %d", len(out), len(in))
	}
	for k, v := range in {
		if out[k] != v {
			t.Errorf("unmarshalMetadata: key %q = %q, want %q", k, out[k], v)
		}
	}
}

func TestMarshalMetadataEmpty(t *testing.T) {
	data, err := marshalMetadata(nil)
	if err != nil || data != nil {
		t.Fatalf("marshalMetadata(nil) = (%v, %v), want (nil, nil)", data, err)
	}
	out, err := unmarshalMetadata(nil)
	if err != nil || out != nil {
		t.Fatalf("unmarshalMetadata(nil) = (%v, %v), want (nil, nil)", out, err)
	}
}

func TestDimension(t *testing.T) {
	s := &MemoryStore{cfg: pgConfig{embeddingDimension: 768}}
	if got := s.dimension(); got != 768 {
		t.Errorf("dimension() = %d, want 768", got)
	}
	if got := s.vectorType(); got != "vector(768)" {
		t.Errorf("vectorType() = %q, want vector(768)", got)
	}
}

func TestHNSWWithClause(t *testing.T) {
	s := &MemoryStore{}
	if got := s.hnswWithClause(); got != "" {
		t.Errorf("hnswWithClause() = %q, want empty", got)
	}
	s.cfg.hnswM = 32
	s.cfg.hnswEFConstruction = 128
	want := " WITH (m = 32, ef_construction = 128)"
	if got := s.hnswWithClause(); got != want {
		t.Errorf("hnswWithClause() = %q, want %q", got, want)
	}
}
