package castore

import "testing"

func sampleDerivation() Derivation {
	return Derivation{
		Outputs: map[string]Output{
			"out": {Name: "out", Path: "/store/aaa-out", HashAlgo: "", Hash: ""},
			"dev": {Name: "dev", Path: "/store/bbb-dev", HashAlgo: "sha256", Hash: "deadbeef"},
		},
		InputDrvs: map[StorePath]map[string]bool{
			"/store/ccc.drv": {"out": true},
		},
		InputSrcs: map[StorePath]bool{
			"/store/ddd-src": true,
		},
		Platform: "x86_64-linux",
		Builder:  "/bin/sh",
		Args:     []string{"-e", "build.sh"},
		Env:      map[string]string{"FOO": "bar", "BAZ": "qux \"quoted\""},
	}
}

func TestEncodeDerivationIsDeterministic(t *testing.T) {
	d := sampleDerivation()
	a := EncodeDerivation(d)
	b := EncodeDerivation(d)
	if a != b {
		t.Fatal("encoding the same derivation twice should be byte-identical")
	}
}

func TestDecodeDerivationRoundTrips(t *testing.T) {
	d := sampleDerivation()
	encoded := EncodeDerivation(d)

	got, err := DecodeDerivation(encoded)
	if err != nil {
		t.Fatalf("DecodeDerivation: %v", err)
	}

	if got.Platform != d.Platform || got.Builder != d.Builder {
		t.Fatalf("platform/builder mismatch: got %+v", got)
	}
	if len(got.Outputs) != len(d.Outputs) {
		t.Fatalf("expected %d outputs, got %d", len(d.Outputs), len(got.Outputs))
	}
	for name, out := range d.Outputs {
		got2, ok := got.Outputs[name]
		if !ok || got2 != out {
			t.Fatalf("output %s mismatch: want %+v got %+v", name, out, got2)
		}
	}
	if got.Env["BAZ"] != d.Env["BAZ"] {
		t.Fatalf("expected quoted env value to round-trip, got %q", got.Env["BAZ"])
	}
}

func TestHashDerivationStableForIdenticalFields(t *testing.T) {
	d1 := sampleDerivation()
	d2 := sampleDerivation()
	if HashDerivation(d1) != HashDerivation(d2) {
		t.Fatal("two derivations with identical fields must hash identically")
	}
}
