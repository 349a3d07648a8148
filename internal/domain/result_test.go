package domain

import "testing"

func TestCode_String(t *testing.T) {
	cases := map[Code]string{
		Success:               "success",
		GenericFailure:        "generic failure",
		NameResolutionFailure: "name resolution failure",
		ConnectionFailure:     "connection failure",
		SendFailure:           "send failure",
		ReceiveFailure:        "receive failure",
		ParseFailure:          "parse failure",
		Code(42):              "unknown",
	}
	for code, want := range cases {
		if got := code.String(); got != want {
			t.Errorf("Code(%d): expected %q, got %q", int(code), want, got)
		}
	}
}
