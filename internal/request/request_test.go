package request

import (
	"encoding/json"
	"errors"
	"math"
	"testing"
)

func TestValueJSONRoundTrip(t *testing.T) {
	in := Map(map[string]Value{
		"name":    String("Ada"),
		"age":     Int(36),
		"vip":     Bool(true),
		"missing": Null(),
		"tags":    List(String("a"), Number(1.5), List()),
		"nested":  Map(map[string]Value{"k": String("v")}),
	})

	data, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	out, err := ParseValue(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !in.Equal(out) {
		t.Fatalf("round trip mismatch:\n in=%s\nout=%+v", data, out)
	}
	tags, _ := out.Get("tags")
	items, ok := tags.AsList()
	if !ok || len(items) != 3 || items[2].Type() != TypeList {
		t.Fatalf("tags=%+v", tags)
	}
}

func TestNumberNonFiniteIsNull(t *testing.T) {
	for _, f := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		if v := Number(f); !v.IsNull() {
			t.Fatalf("Number(%v) type=%s, want null", f, v.Type())
		}
	}
}

func TestValueWithCopies(t *testing.T) {
	base := Map(map[string]Value{"a": Int(1)})
	next := base.With("b", Int(2))
	if _, ok := base.Get("b"); ok {
		t.Fatalf("With mutated receiver")
	}
	if got := next.Keys(); len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("keys=%v", got)
	}
}

func TestRequestValidate(t *testing.T) {
	ok := New("acct", KindCreateEvent, Map(nil))
	if err := ok.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if ok.ID == "" {
		t.Fatalf("expected generated id")
	}

	cases := []struct {
		name string
		req  Request
		want error
	}{
		{name: "empty id", req: Request{AccountKey: "a", Endpoint: Endpoint{Kind: KindCreateEvent}}, want: ErrEmptyID},
		{name: "empty account", req: Request{ID: "x", Endpoint: Endpoint{Kind: KindCreateEvent}}, want: ErrEmptyAccountKey},
		{name: "bad kind", req: Request{ID: "x", AccountKey: "a", Endpoint: Endpoint{Kind: "nope"}}, want: ErrUnknownKind},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.req.Validate(); !errors.Is(err, tc.want) {
				t.Fatalf("Validate()=%v, want %v", err, tc.want)
			}
		})
	}
}

func TestParsePriority(t *testing.T) {
	if p, err := ParsePriority(" Immediate "); err != nil || p != PriorityImmediate {
		t.Fatalf("ParsePriority=%q,%v", p, err)
	}
	if p, err := ParsePriority(""); err != nil || p != PriorityNormal {
		t.Fatalf("empty priority=%q,%v", p, err)
	}
	if _, err := ParsePriority("urgent"); !errors.Is(err, ErrUnknownPriority) {
		t.Fatalf("err=%v", err)
	}
}
