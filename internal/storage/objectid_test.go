package storage

import "testing"

// TestObjectIDRoundTripMTProto checks that parse+serialize is identity
// for well-formed tgmtproto:v1: object_ids.
func TestObjectIDRoundTripMTProto(t *testing.T) {
	orig := ObjectID{Kind: KindMTProto, Peer: "-100123", MsgID: "55", DocID: "909090", AccessHash: "abc123"}
	s := orig.String()
	parsed, err := ParseObjectID(s)
	if err != nil {
		t.Fatal(err)
	}
	if parsed != orig {
		t.Fatalf("round trip mismatch: %+v != %+v", parsed, orig)
	}
	if parsed.String() != s {
		t.Fatal("re-serializing a parsed object_id should reproduce the same string")
	}
}

// TestObjectIDRoundTripPack checks the tgpack: variant round-trips,
// including its inner reference.
func TestObjectIDRoundTripPack(t *testing.T) {
	inner := ObjectID{Kind: KindMTProto, Peer: "-100123", MsgID: "1", DocID: "2", AccessHash: "h"}
	orig := NewPackReference(inner, 128, 4096)
	s := orig.String()
	parsed, err := ParseObjectID(s)
	if err != nil {
		t.Fatal(err)
	}
	if parsed.Kind != KindPack || parsed.Offset != 128 || parsed.Len != 4096 {
		t.Fatalf("unexpected parse result: %+v", parsed)
	}
	if *parsed.Inner != inner {
		t.Fatalf("inner reference mismatch: %+v != %+v", *parsed.Inner, inner)
	}
}

// TestObjectIDLegacyForms checks that tgfile: and bare legacy ids parse
// for reads.
func TestObjectIDLegacyForms(t *testing.T) {
	parsed, err := ParseObjectID("tgfile:AABBCC")
	if err != nil {
		t.Fatal(err)
	}
	if parsed.Kind != KindFile || parsed.FileID != "AABBCC" {
		t.Fatalf("unexpected tgfile parse: %+v", parsed)
	}

	bare, err := ParseObjectID("AABBCC112233")
	if err != nil {
		t.Fatal(err)
	}
	if bare.Kind != KindBare || bare.FileID != "AABBCC112233" {
		t.Fatalf("unexpected bare parse: %+v", bare)
	}
}

// TestObjectIDMalformedPackRejected checks that malformed tgpack bodies
// (no @ or +) are rejected rather than silently misparsed.
func TestObjectIDMalformedPackRejected(t *testing.T) {
	if _, err := ParseObjectID("tgpack:missing-delimiters"); err == nil {
		t.Fatal("expected error for malformed tgpack reference")
	}
}

// TestObjectIDEmptyRejected checks that an empty string is rejected
// rather than silently treated as a bare legacy id.
func TestObjectIDEmptyRejected(t *testing.T) {
	if _, err := ParseObjectID(""); err == nil {
		t.Fatal("expected error for empty object_id")
	}
}
