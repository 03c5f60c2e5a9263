package event

import (
	"bytes"
	"crypto/ed25519"
	"encoding/json"
	"strings"
	"testing"
)

var testSeed = bytes.Repeat([]byte{7}, ed25519.SeedSize)

func testKey() ed25519.PrivateKey { return ed25519.NewKeyFromSeed(testSeed) }

func buildSigned(t *testing.T, tuple bool) *Event {
	t.Helper()
	sk := ""
	e := &Event{
		Type:           "m.room.create",
		StateKey:       &sk,
		RoomID:         "!r:x",
		Sender:         "@alice:x",
		Origin:         "x",
		OriginServerTS: 1700000000000,
		Content:        json.RawMessage(`{"creator":"@alice:x","room_version":"1"}`),
		PrevEvents:     []Ref{},
		AuthEvents:     []Ref{},
	}
	e.SetTupleRefs(tuple)
	if tuple {
		e.EventID = "$e1:x"
	}
	if err := e.SetContentHash(); err != nil {
		t.Fatalf("SetContentHash: %v", err)
	}
	if err := e.Sign("x", "ed25519:0", testKey()); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	return e
}

func TestParseSerializeRoundTrip(t *testing.T) {
	e := buildSigned(t, true)
	raw := e.JSON()
	back, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !bytes.Equal(back.JSON(), raw) {
		t.Fatalf("round trip differs:\n%s\n%s", raw, back.JSON())
	}
	if back.EventID != "$e1:x" || back.Type != "m.room.create" || back.StateKeyStr() != "" {
		t.Fatalf("fields lost in round trip: %+v", back)
	}
	if !back.IsState() {
		t.Fatal("create event must be a state event")
	}
}

func TestHashClosure(t *testing.T) {
	e := buildSigned(t, true)
	if err := e.VerifyContentHash(); err != nil {
		t.Fatalf("VerifyContentHash: %v", err)
	}
	// parsed copy verifies too
	back, err := Parse(e.JSON())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if err := back.VerifyContentHash(); err != nil {
		t.Fatalf("parsed VerifyContentHash: %v", err)
	}
	// tampered content fails
	back.Content = json.RawMessage(`{"creator":"@mallory:x"}`)
	back.Invalidate()
	if err := back.VerifyContentHash(); err == nil {
		t.Fatal("tampered content should fail hash check")
	}
}

func TestSignatureClosure(t *testing.T) {
	e := buildSigned(t, true)
	pub := testKey().Public().(ed25519.PublicKey)
	if err := e.Verify("x", "ed25519:0", pub); err != nil {
		t.Fatalf("Verify: %v", err)
	}

	// flip one byte of the signature
	sig := e.Signatures["x"]["ed25519:0"]
	b := []byte(sig)
	b[3] ^= 0x41
	e.Signatures["x"]["ed25519:0"] = string(b)
	e.Invalidate()
	if err := e.Verify("x", "ed25519:0", pub); err == nil {
		t.Fatal("forged signature must not verify")
	}
}

func TestRefDialects(t *testing.T) {
	tupleJSON := `{"auth_events":[["$a:x",{"sha256":"h"}]],"content":{},"depth":2,` +
		`"event_id":"$e:x","origin_server_ts":1,"prev_events":[["$p:x",{"sha256":"g"}]],` +
		`"room_id":"!r:x","sender":"@u:x","type":"m.test"}`
	e, err := Parse([]byte(tupleJSON))
	if err != nil {
		t.Fatalf("Parse tuple dialect: %v", err)
	}
	if len(e.PrevEvents) != 1 || e.PrevEvents[0].EventID != "$p:x" || e.PrevEvents[0].Hash != "g" {
		t.Fatalf("tuple prev ref: %+v", e.PrevEvents)
	}

	bareJSON := `{"auth_events":["$a"],"content":{},"depth":2,"origin_server_ts":1,` +
		`"prev_events":["$p"],"room_id":"!r:x","sender":"@u:x","type":"m.test"}`
	e2, err := Parse([]byte(bareJSON))
	if err != nil {
		t.Fatalf("Parse bare dialect: %v", err)
	}
	if len(e2.AuthEvents) != 1 || e2.AuthEvents[0].EventID != "$a" || e2.AuthEvents[0].Hash != "" {
		t.Fatalf("bare auth ref: %+v", e2.AuthEvents)
	}
	// bare dialect round-trips without event_id
	if bytes.Contains(e2.JSON(), []byte("event_id")) {
		t.Fatalf("bare dialect must not carry event_id: %s", e2.JSON())
	}
}

func TestConformCaps(t *testing.T) {
	e := buildSigned(t, true)
	if err := e.Conform(); err != nil {
		t.Fatalf("Conform on valid event: %v", err)
	}

	big := strings.Repeat("a", MaxTypeSize+1)
	e2 := buildSigned(t, true)
	e2.Type = big
	e2.Invalidate()
	if err := e2.Conform(); err == nil {
		t.Fatal("oversized type must fail conform")
	}

	e3 := buildSigned(t, true)
	e3.Sender = "alice"
	e3.Invalidate()
	if err := e3.Conform(); err == nil {
		t.Fatal("malformed sender must fail conform")
	}

	e4 := buildSigned(t, true)
	e4.Content = json.RawMessage(`{"pad":"` + strings.Repeat("x", MaxEventSize) + `"}`)
	e4.Invalidate()
	if err := e4.Conform(); err == nil {
		t.Fatal("oversized event must fail conform")
	}
}

func TestEventIDDerivation(t *testing.T) {
	v4, err := LookupVersion("4")
	if err != nil {
		t.Fatalf("LookupVersion: %v", err)
	}
	e := buildSigned(t, false)
	eid, err := MakeEventID(e, v4, "x")
	if err != nil {
		t.Fatalf("MakeEventID: %v", err)
	}
	if len(eid) == 0 || eid[0] != '$' {
		t.Fatalf("derived id: %q", eid)
	}
	// deterministic
	again, err := MakeEventID(e, v4, "x")
	if err != nil || again != eid {
		t.Fatalf("derivation not stable: %q vs %q (%v)", eid, again, err)
	}
	// v1 ids are generated, not derived
	v1, _ := LookupVersion("1")
	gen, err := MakeEventID(e, v1, "x")
	if err != nil {
		t.Fatalf("MakeEventID v1: %v", err)
	}
	if gen == eid || len(gen) == 0 || gen[0] != '$' {
		t.Fatalf("v1 id: %q", gen)
	}
}

func TestRedactionMask(t *testing.T) {
	sk := "@bob:x"
	e := &Event{
		Type:           "m.room.member",
		StateKey:       &sk,
		RoomID:         "!r:x",
		Sender:         "@bob:x",
		Origin:         "x",
		OriginServerTS: 1,
		EventID:        "$m:x",
		Content:        json.RawMessage(`{"membership":"join","displayname":"Bob","avatar_url":"mxc://x/y"}`),
	}
	e.SetTupleRefs(true)
	raw, err := Redact(e, "1")
	if err != nil {
		t.Fatalf("Redact: %v", err)
	}
	red, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse redacted: %v", err)
	}
	var c map[string]any
	if err := json.Unmarshal(red.Content, &c); err != nil {
		t.Fatalf("redacted content: %v", err)
	}
	if c["membership"] != "join" {
		t.Fatalf("membership must survive redaction: %v", c)
	}
	if _, ok := c["displayname"]; ok {
		t.Fatalf("displayname must not survive redaction: %v", c)
	}

	// message events lose all content
	msg := &Event{
		Type: "m.room.message", RoomID: "!r:x", Sender: "@bob:x",
		OriginServerTS: 1, EventID: "$n:x",
		Content: json.RawMessage(`{"body":"secret"}`),
	}
	msg.SetTupleRefs(true)
	rawMsg, err := Redact(msg, "6")
	if err != nil {
		t.Fatalf("Redact message: %v", err)
	}
	if bytes.Contains(rawMsg, []byte("secret")) {
		t.Fatalf("message body must not survive redaction: %s", rawMsg)
	}
}

func TestSignJSONRoundTrip(t *testing.T) {
	obj := map[string]any{"server_name": "x", "valid_until_ts": 123}
	sig, err := SignJSON(obj, testKey())
	if err != nil {
		t.Fatalf("SignJSON: %v", err)
	}
	pub := testKey().Public().(ed25519.PublicKey)
	if err := VerifyJSON(obj, sig, pub); err != nil {
		t.Fatalf("VerifyJSON: %v", err)
	}
	obj["server_name"] = "y"
	if err := VerifyJSON(obj, sig, pub); err == nil {
		t.Fatal("signature must not verify after mutation")
	}
}
