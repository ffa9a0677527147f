package streambus

import "testing"

func TestContainsBusyGroup(t *testing.T) {
	cases := map[string]bool{
		"BUSYGROUP Consumer Group name already exists": true,
		"ERR no such key":                               false,
		"":                                               false,
	}
	for in, want := range cases {
		if got := containsBusyGroup(in); got != want {
			t.Errorf("containsBusyGroup(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestIsBusyGroupErr(t *testing.T) {
	if isBusyGroupErr(nil) {
		t.Error("nil error must not be a BUSYGROUP error")
	}
}
