package pgdb

import (
	"strings"
	"testing"
)

func TestCheckSchema(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{in: "chat", want: "chat", ok: true},
		{in: "  chat_test_1 ", want: "chat_test_1", ok: true},
		{in: "", ok: false},
		{in: "1chat", ok: false},
		{in: `chat"; drop`, ok: false},
	}
	for _, tc := range cases {
		got, err := CheckSchema(tc.in)
		if (err == nil) != tc.ok {
			t.Fatalf("CheckSchema(%q) err=%v want ok=%v", tc.in, err, tc.ok)
		}
		if tc.ok && got != tc.want {
			t.Fatalf("CheckSchema(%q)=%q want=%q", tc.in, got, tc.want)
		}
	}
}

func TestSchemaSQL_ReplacesPlaceholder(t *testing.T) {
	t.Parallel()

	ddl, err := SchemaSQL("chat_x")
	if err != nil {
		t.Fatalf("SchemaSQL: %v", err)
	}
	if strings.Contains(ddl, "{{schema}}") {
		t.Fatalf("placeholder left in DDL")
	}
	if !strings.Contains(ddl, `"chat_x".messages`) {
		t.Fatalf("expected quoted schema in DDL")
	}
	if !strings.Contains(ddl, "UNLOGGED TABLE IF NOT EXISTS \"chat_x\".typing_indicators") {
		t.Fatalf("expected unlogged typing table")
	}
}

func TestIdent(t *testing.T) {
	t.Parallel()

	if got, want := Ident("chat", "messages"), `"chat"."messages"`; got != want {
		t.Fatalf("Ident=%q want=%q", got, want)
	}
}
