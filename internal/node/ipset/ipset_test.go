package ipset

import (
	"testing"

	"github.com/nodewatch/fleetctl/internal/platform/errs"
)

func TestNormalizeTableDriven(t *testing.T) {
	cases := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{"bare ipv4", "192.168.1.1", "192.168.1.1", false},
		{"cidr /24 kept", "10.0.0.0/24", "10.0.0.0/24", false},
		{"bare /32 dropped", "10.0.0.5/32", "10.0.0.5", false},
		{"cidr /0", "0.0.0.0/0", "0.0.0.0/0", false},
		{"octet out of range", "256.1.1.1", "", true},
		{"prefix over 32 rejected", "1.1.1.1/33", "", true},
		{"not an ip at all", "not-an-ip", "", true},
		{"ipv6 rejected", "2001:db8::1", "", true},
		{"empty string rejected", "", "", true},
		{"trailing garbage rejected", "10.0.0.1/24/8", "", true},
		{"hostname rejected", "example.com", "", true},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got, err := Normalize(c.input)
			if c.wantErr {
				if err == nil {
					t.Fatalf("Normalize(%q) = %q, nil; want error", c.input, got)
				}
				if _, ok := errs.As(err); !ok {
					t.Errorf("Normalize(%q) error is not an *errs.Error: %v", c.input, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Normalize(%q) unexpected error: %v", c.input, err)
			}
			if got != c.want {
				t.Errorf("Normalize(%q) = %q, want %q", c.input, got, c.want)
			}
		})
	}
}

func TestDirectionSetSelection(t *testing.T) {
	if DirectionIn.permSet() != SetInPermanent {
		t.Errorf("DirectionIn.permSet() = %q, want %q", DirectionIn.permSet(), SetInPermanent)
	}
	if DirectionIn.tempSet() != SetInTemp {
		t.Errorf("DirectionIn.tempSet() = %q, want %q", DirectionIn.tempSet(), SetInTemp)
	}
	if DirectionOut.permSet() != SetOutPermanent {
		t.Errorf("DirectionOut.permSet() = %q, want %q", DirectionOut.permSet(), SetOutPermanent)
	}
	if DirectionOut.tempSet() != SetOutTemp {
		t.Errorf("DirectionOut.tempSet() = %q, want %q", DirectionOut.tempSet(), SetOutTemp)
	}
}

func TestDriverSetForChoosesPermOrTemp(t *testing.T) {
	d := New(nil)
	if got := d.setFor(DirectionIn, true); got != SetInPermanent {
		t.Errorf("setFor(in, true) = %q, want %q", got, SetInPermanent)
	}
	if got := d.setFor(DirectionIn, false); got != SetInTemp {
		t.Errorf("setFor(in, false) = %q, want %q", got, SetInTemp)
	}
	if got := d.setFor(DirectionOut, true); got != SetOutPermanent {
		t.Errorf("setFor(out, true) = %q, want %q", got, SetOutPermanent)
	}
	if got := d.setFor(DirectionOut, false); got != SetOutTemp {
		t.Errorf("setFor(out, false) = %q, want %q", got, SetOutTemp)
	}
}
