package id

import (
	"strings"
	"testing"
)

func TestParseSigils(t *testing.T) {
	cases := []struct {
		kind Kind
		in   string
		ok   bool
	}{
		{USER, "@alice:example.org", true},
		{USER, "alice:example.org", false},
		{USER, "@alice", false},
		{ROOM, "!abc123:example.org", true},
		{ROOM, "#abc123:example.org", false},
		{EVENT, "$ev:example.org", true},
		{ALIAS, "#general:example.org", true},
		{EVENT, "", false},
		{USER, "@a lice:example.org", false},
	}
	for _, c := range cases {
		_, err := Parse(c.kind, c.in)
		if (err == nil) != c.ok {
			t.Fatalf("Parse(%v, %q): got err=%v, want ok=%v", c.kind, c.in, err, c.ok)
		}
	}
}

func TestLocalpartHost(t *testing.T) {
	u, err := Parse(USER, "@alice:example.org")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if Localpart(u) != "alice" {
		t.Fatalf("localpart: got %q", Localpart(u))
	}
	if Host(u) != "example.org" {
		t.Fatalf("host: got %q", Host(u))
	}
	// explicit port stays part of the host
	r, err := Parse(ROOM, "!x:example.org:8448")
	if err != nil {
		t.Fatalf("Parse with port: %v", err)
	}
	if Host(r) != "example.org:8448" {
		t.Fatalf("host with port: got %q", Host(r))
	}
}

func TestGenerate(t *testing.T) {
	seen := map[ID]struct{}{}
	for i := 0; i < 100; i++ {
		rid, err := Generate(ROOM, "example.org")
		if err != nil {
			t.Fatalf("Generate room: %v", err)
		}
		if !Valid(ROOM, string(rid)) {
			t.Fatalf("generated room id does not parse: %q", rid)
		}
		if _, dup := seen[rid]; dup {
			t.Fatalf("duplicate generated id %q", rid)
		}
		seen[rid] = struct{}{}
	}
	g, err := Generate(USER, "example.org")
	if err != nil {
		t.Fatalf("Generate guest: %v", err)
	}
	if !strings.HasPrefix(Localpart(g), "guest_") {
		t.Fatalf("guest localpart: got %q", Localpart(g))
	}
	if _, err := Generate(ROOM, ""); err == nil {
		t.Fatal("Generate with empty host should fail")
	}
}

func TestMakeAlias(t *testing.T) {
	a, err := MakeAlias("general", "example.org")
	if err != nil {
		t.Fatalf("MakeAlias: %v", err)
	}
	if string(a) != "#general:example.org" {
		t.Fatalf("alias: got %q", a)
	}
	if _, err := MakeAlias("", "example.org"); err == nil {
		t.Fatal("empty localpart should fail")
	}
}
