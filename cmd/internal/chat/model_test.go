package chat

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestMessageID_RoundTrip(t *testing.T) {
	t.Parallel()

	id := FormatMessageID("01J0CONV", 42)
	if id != "01J0CONV.0000000042" {
		t.Fatalf("FormatMessageID=%q", id)
	}
	conv, seq, ok := ParseMessageID(id)
	if !ok || conv != "01J0CONV" || seq != 42 {
		t.Fatalf("ParseMessageID(%q)=(%q,%d,%v)", id, conv, seq, ok)
	}

	// Conversation ids may themselves contain dots; the last one separates the seq.
	conv, seq, ok = ParseMessageID("a.b.0000000007")
	if !ok || conv != "a.b" || seq != 7 {
		t.Fatalf("ParseMessageID(dotted)=(%q,%d,%v)", conv, seq, ok)
	}
}

func TestParseMessageID_Rejects(t *testing.T) {
	t.Parallel()

	for _, in := range []string{"", "noseq", ".0000000001", "c1.", "c1.abc", "c1.0000000000", "c1.-5"} {
		if _, _, ok := ParseMessageID(in); ok {
			t.Fatalf("ParseMessageID(%q) accepted", in)
		}
	}
}

func TestDirectKey_OrderIndependent(t *testing.T) {
	t.Parallel()

	if DirectKey("u2", "u1") != DirectKey("u1", "u2") {
		t.Fatalf("DirectKey depends on order")
	}
	if DirectKey("ab", "c") == DirectKey("a", "bc") {
		t.Fatalf("DirectKey collides on concatenation")
	}
}

func TestStatus_Advance(t *testing.T) {
	t.Parallel()

	cases := []struct {
		cur, next, want Status
	}{
		{StatusSent, StatusDelivered, StatusDelivered},
		{StatusDelivered, StatusRead, StatusRead},
		{StatusRead, StatusDelivered, StatusRead},
		{StatusDelivered, StatusSent, StatusDelivered},
		{StatusSent, Status("bogus"), StatusSent},
	}
	for _, tc := range cases {
		if got := tc.cur.Advance(tc.next); got != tc.want {
			t.Fatalf("%q.Advance(%q)=%q want=%q", tc.cur, tc.next, got, tc.want)
		}
	}
}

func TestMessage_StatusFor(t *testing.T) {
	t.Parallel()

	m := Message{
		SenderID: "u1",
		Receipts: map[string]Status{"u2": StatusRead, "u3": StatusDelivered},
	}
	if got := m.StatusFor("u2"); got != StatusRead {
		t.Fatalf("StatusFor(u2)=%q want=read", got)
	}
	if got := m.StatusFor("u1"); got != StatusDelivered {
		t.Fatalf("StatusFor(sender)=%q want=delivered", got)
	}
	if got := m.StatusFor("stranger"); got != StatusSent {
		t.Fatalf("StatusFor(stranger)=%q want=sent", got)
	}

	solo := Message{SenderID: "u1"}
	if got := solo.StatusFor("u1"); got != StatusSent {
		t.Fatalf("StatusFor(no receipts)=%q want=sent", got)
	}
}

func TestMessage_CloneIsDeep(t *testing.T) {
	t.Parallel()

	m := Message{
		Body:     MediaBody(MediaRef{URL: "https://cdn.example/a.png", Type: MediaImage}, "cap"),
		Receipts: map[string]Status{"u2": StatusSent},
	}
	c := m.Clone()
	c.Receipts["u2"] = StatusRead
	c.Body.Media.URL = "https://other"
	if m.Receipts["u2"] != StatusSent || m.Body.Media.URL != "https://cdn.example/a.png" {
		t.Fatalf("Clone shares state with the original")
	}
}

func TestBody_Validate(t *testing.T) {
	t.Parallel()

	img := MediaRef{URL: "https://cdn.example/a.png", Type: MediaImage, Size: 10}
	cases := []struct {
		name string
		body Body
		ok   bool
	}{
		{"text", TextBody("hi"), true},
		{"blank text", TextBody("   "), false},
		{"too long", TextBody(strings.Repeat("é", 11)), false},
		{"at limit", TextBody(strings.Repeat("é", 10)), true},
		{"invalid utf8", TextBody("a\xffb"), false},
		{"media", MediaBody(img, ""), true},
		{"media with caption", MediaBody(img, "look"), true},
		{"media bad type", MediaBody(MediaRef{URL: img.URL, Type: "gif"}, ""), false},
		{"media relative url", MediaBody(MediaRef{URL: "/a.png", Type: MediaImage}, ""), false},
		{"media ftp url", MediaBody(MediaRef{URL: "ftp://x/a.png", Type: MediaImage}, ""), false},
		{"media bad thumbnail", MediaBody(MediaRef{URL: img.URL, Type: MediaImage, Thumbnail: "nope"}, ""), false},
		{"media negative size", MediaBody(MediaRef{URL: img.URL, Type: MediaImage, Size: -1}, ""), false},
		{"media kind without media", Body{Kind: BodyMedia}, false},
		{"text kind with media", Body{Kind: BodyText, Text: "x", Media: &img}, false},
		{"tombstone", Body{Kind: BodyTombstone}, false},
	}
	for _, tc := range cases {
		err := tc.body.Validate(10)
		if tc.ok && err != nil {
			t.Fatalf("%s: Validate err=%v", tc.name, err)
		}
		if !tc.ok && !IsValidation(err) {
			t.Fatalf("%s: Validate err=%v want validation", tc.name, err)
		}
	}
}

func TestNewBody(t *testing.T) {
	t.Parallel()

	b := NewBody("  hello  ", nil)
	if b.Kind != BodyText || b.Text != "hello" {
		t.Fatalf("NewBody(text)=%+v", b)
	}
	b = NewBody("caption", &MediaRef{URL: "https://x/y", Type: MediaFile})
	if b.Kind != BodyMedia || b.Text != "caption" || b.Media == nil {
		t.Fatalf("NewBody(media)=%+v", b)
	}
}

func TestErrors_Taxonomy(t *testing.T) {
	t.Parallel()

	nf := NotFoundError{Op: "op", Resource: "message"}
	if !IsNotFound(nf) || IsAuthorization(nf) {
		t.Fatalf("NotFoundError classification wrong")
	}
	me := MembershipError{Op: "op", ConversationID: "c1"}
	if !IsAuthorization(me) || !IsMembership(me) || IsNotFound(me) {
		t.Fatalf("MembershipError classification wrong")
	}
	if IsMembership(forbidden("op", "x")) {
		t.Fatalf("plain authorization error reported as membership")
	}
	oe := OpError{Op: "op", Kind: ErrStorage, Err: nf}
	if !IsStorage(oe) || !IsNotFound(oe) {
		t.Fatalf("OpError must unwrap to both kind and cause")
	}
	if !strings.Contains(oe.Error(), "storage") {
		t.Fatalf("OpError.Error()=%q", oe.Error())
	}
}

func TestCode(t *testing.T) {
	t.Parallel()

	cases := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{invalid("op", "x"), CodeInvalidRequest},
		{OpError{Op: "op", Kind: ErrAuthentication}, CodeUnauthenticated},
		{MembershipError{Op: "op", ConversationID: "c1"}, CodeNotFound},
		{NotFoundError{Op: "op"}, CodeNotFound},
		{forbidden("op", "x"), CodeForbidden},
		{OpError{Op: "op", Kind: ErrStorage}, CodeStorageUnavailable},
		{context.Canceled, CodeInternal},
	}
	for _, tc := range cases {
		if got := Code(tc.err); got != tc.want {
			t.Fatalf("Code(%v)=%q want=%q", tc.err, got, tc.want)
		}
	}
}

func TestPublicMessage(t *testing.T) {
	t.Parallel()

	if got := PublicMessage(invalid("op", "content too long")); got != "content too long" {
		t.Fatalf("PublicMessage(validation)=%q", got)
	}
	if got := PublicMessage(MembershipError{Op: "op", ConversationID: "c1"}); got != "not found" {
		t.Fatalf("PublicMessage(membership)=%q", got)
	}
	storage := OpError{Op: "op", Kind: ErrStorage, Msg: "storage unavailable", Err: errors.New("dial tcp 10.0.0.1:5432")}
	if got := PublicMessage(storage); strings.Contains(got, "10.0.0.1") {
		t.Fatalf("PublicMessage leaked cause: %q", got)
	}
	if got := PublicMessage(errors.New("boom")); got != "internal error" {
		t.Fatalf("PublicMessage(unknown)=%q", got)
	}
}
