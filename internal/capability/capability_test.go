package capability

import (
	"testing"

	"github.com/skillgate/skillgate/internal/fault"
)

func TestValidateRejectsUnknown(t *testing.T) {
	err := Validate([]Capability{Network, "telepathy"})
	if err == nil {
		t.Fatal("expected error for unknown capability")
	}
	if fault.KindOf(err) != fault.UnknownCapability {
		t.Fatalf("got kind %s, want %s", fault.KindOf(err), fault.UnknownCapability)
	}
}

func TestValidateAcceptsClosedSet(t *testing.T) {
	if err := Validate(All); err != nil {
		t.Fatalf("closed set rejected: %v", err)
	}
	if err := Validate(nil); err != nil {
		t.Fatalf("empty set rejected: %v", err)
	}
}

func TestRequiresApproval(t *testing.T) {
	cases := []struct {
		name string
		caps []Capability
		want bool
	}{
		{"empty", nil, false},
		{"network only", []Capability{Network}, false},
		{"fs read only", []Capability{FilesystemRead}, false},
		{"fs write", []Capability{FilesystemWrite}, true},
		{"exec", []Capability{Network, ProcessExec}, true},
		{"system", []Capability{SystemLevel}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := RequiresApproval(tc.caps); got != tc.want {
				t.Errorf("RequiresApproval(%v) = %v, want %v", tc.caps, got, tc.want)
			}
		})
	}
}

func TestSubset(t *testing.T) {
	declared := []Capability{Network, FilesystemRead}
	if !Subset(declared, []Capability{Network, FilesystemRead, FilesystemWrite}) {
		t.Error("declared within granted should pass")
	}
	if Subset(declared, []Capability{FilesystemRead}) {
		t.Error("missing network grant should fail")
	}
	if !Subset(nil, nil) {
		t.Error("empty declared set needs no grants")
	}
}

func TestParse(t *testing.T) {
	if _, err := Parse("network"); err != nil {
		t.Fatalf("parse network: %v", err)
	}
	if _, err := Parse("root"); fault.KindOf(err) != fault.UnknownCapability {
		t.Fatalf("expected UnknownCapability, got %v", err)
	}
}
