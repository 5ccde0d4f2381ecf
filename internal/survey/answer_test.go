package survey

import (
	"encoding/json"
	"testing"
)

func TestAnswer_JSONKeepsKind(t *testing.T) {
	cases := []Answer{
		{},
		Text("hello"),
		Number(3.5),
		SingleChoice("party_a"),
		MultiChoice("a", "b"),
		MultiChoice(),
	}
	for _, in := range cases {
		b, err := json.Marshal(in)
		if err != nil {
			t.Fatalf("marshal %v: %v", in.Kind(), err)
		}
		var out Answer
		if err := json.Unmarshal(b, &out); err != nil {
			t.Fatalf("unmarshal %s: %v", b, err)
		}
		if !out.Equal(in) {
			t.Fatalf("round trip mismatch: %s -> %+v", b, out)
		}
	}
}

func TestAnswer_UnknownKindRejected(t *testing.T) {
	var a Answer
	if err := json.Unmarshal([]byte(`{"kind":"object","value":{}}`), &a); err == nil {
		t.Fatal("expected error for unknown kind")
	}
}

func TestAnswer_IsEmpty(t *testing.T) {
	if !Text("   ").IsEmpty() {
		t.Fatal("whitespace text should be empty")
	}
	if SingleChoice("x").IsEmpty() {
		t.Fatal("selected choice should not be empty")
	}
	if !(Answer{}).IsEmpty() {
		t.Fatal("zero answer should be empty")
	}
}

func TestAnswer_Raw(t *testing.T) {
	if v, ok := Number(2).Raw().(float64); !ok || v != 2 {
		t.Fatalf("unexpected number raw: %#v", Number(2).Raw())
	}
	if (Answer{}).Raw() != nil {
		t.Fatal("empty answer raw should be nil")
	}
	if s := Number(12.50).String(); s != "12.5" {
		t.Fatalf("unexpected number string: %s", s)
	}
}
