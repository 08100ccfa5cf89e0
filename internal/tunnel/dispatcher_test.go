package tunnel

import "testing"

func TestDispatcherRegistrationPattern(t *testing.T) {
	reg := NewRegistry()
	d := NewDispatcher(reg, IPv6Encoder{}, "example.com")

	rrs := d.Dispatch("7812.reg0.0.myserver")
	if rrs == nil {
		t.Fatal("expected a registration reply")
	}
}

func TestDispatcherStagePatterns(t *testing.T) {
	reg := NewRegistry()
	reg.AddStagerForServer("myserver", []byte{1, 2, 3, 4, 5, 6, 7, 8})
	d := NewDispatcher(reg, IPv6Encoder{}, "example.com")

	if rrs := d.Dispatch("7812.000g.0.0.myserver"); rrs == nil {
		t.Fatal("expected a stage header reply")
	}
	if rrs := d.Dispatch("7812.0.0.0.myserver"); rrs == nil {
		t.Fatal("expected a stage chunk reply")
	}
}

func TestDispatcherUplinkPatterns(t *testing.T) {
	reg := NewRegistry()
	d := NewDispatcher(reg, IPv6Encoder{}, "example.com")

	s := NewSession("example.com")
	id, _ := reg.RequestClientID(s)
	s.clientID = id
	reg.clientMap[id] = s

	client := string(id)
	if rrs := d.Dispatch("16.0.tx.0." + client); rrs == nil {
		t.Fatal("expected an uplink header reply")
	}
	if rrs := d.Dispatch("t.aaaaaaaaaaaaaaaa.0.0." + client); rrs == nil {
		t.Fatal("expected an uplink chunk reply")
	}
}

func TestDispatcherDownlinkPatterns(t *testing.T) {
	reg := NewRegistry()
	d := NewDispatcher(reg, IPv6Encoder{}, "example.com")

	s := NewSession("example.com")
	id, _ := reg.RequestClientID(s)
	s.clientID = id
	reg.clientMap[id] = s

	client := string(id)
	if rrs := d.Dispatch("aaaa.g.0." + client); rrs == nil {
		t.Fatal("expected a data header reply advertising zero bytes for a fresh cursor poll")
	}
	if rrs := d.Dispatch("aaaa.0.0." + client); rrs != nil {
		t.Fatal("expected nil when nothing has been staged for the cursor yet")
	}
}

func TestDispatcherCrossDomainGuard(t *testing.T) {
	reg := NewRegistry()
	d := NewDispatcher(reg, IPv6Encoder{}, "example.com")

	s := NewSession("other.com")
	id, _ := reg.RequestClientID(s)
	s.clientID = id
	reg.clientMap[id] = s

	client := string(id)
	if rrs := d.Dispatch("16.0.tx.0." + client); rrs != nil {
		t.Fatal("expected a cross-domain session lookup to be dropped")
	}
}

func TestDispatcherNoMatch(t *testing.T) {
	reg := NewRegistry()
	d := NewDispatcher(reg, IPv6Encoder{}, "example.com")
	if rrs := d.Dispatch("totally-unrecognized"); rrs != nil {
		t.Fatal("expected no reply for an unmatched subdomain")
	}
}
