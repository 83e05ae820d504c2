package opcuaadapter

import (
	"testing"

	"github.com/gopcua/opcua/ua"
)

func secureConfig() Config {
	return Config{
		Endpoint:        "opc.tcp://10.0.0.7:4840",
		CertificateFile: "client.crt",
		PrivateKeyFile:  "client.key",
		Tags:            []TagConfig{{NodeID: "ns=2;s=Temp", Name: "temp"}},
	}
}

func TestValidateRequiresEndpointAndTags(t *testing.T) {
	cfg := secureConfig()
	cfg.Endpoint = ""
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err == nil {
		t.Fatalf("missing endpoint should fail validation")
	}

	cfg = secureConfig()
	cfg.Tags = nil
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err == nil {
		t.Fatalf("empty tag list should fail validation")
	}
}

func TestValidateSecureChannelNeedsKeyPair(t *testing.T) {
	cfg := secureConfig()
	cfg.PrivateKeyFile = ""
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err == nil {
		t.Fatalf("secure channel without a key pair should fail validation")
	}

	cfg = secureConfig()
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("complete secure config rejected: %v", err)
	}
}

func TestValidateRejectsPlaintextChannel(t *testing.T) {
	cfg := secureConfig()
	cfg.SecurityMode = "none"
	cfg.CertificateFile = ""
	cfg.PrivateKeyFile = ""
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err == nil {
		t.Fatalf("security_mode none without allow_insecure should fail validation")
	}

	cfg.AllowInsecure = true
	if err := cfg.Validate(); err != nil {
		t.Fatalf("allow_insecure should permit a plaintext channel: %v", err)
	}
}

func TestNewRejectsPlaintextChannel(t *testing.T) {
	cfg := secureConfig()
	cfg.SecurityMode = "None"
	cfg.CertificateFile = ""
	cfg.PrivateKeyFile = ""
	if _, err := New("m1", cfg, nil); err == nil {
		t.Fatalf("adapter must not come up on an unencrypted channel by default")
	}
}

func TestNormalizeSecurityMode(t *testing.T) {
	cases := map[string]string{
		"sign":             "Sign",
		"SignAndEncrypt":   "SignAndEncrypt",
		"sign_and_encrypt": "SignAndEncrypt",
		"none":             "None",
		"":                 "None",
		"bogus":            "SignAndEncrypt",
	}
	for in, want := range cases {
		if got := normalizeSecurityMode(in); got != want {
			t.Fatalf("%q: expected %q, got %q", in, want, got)
		}
	}
}

func TestVariantToValue(t *testing.T) {
	num, err := ua.NewVariant(float32(21.5))
	if err != nil {
		t.Fatalf("variant: %v", err)
	}
	v, ok := variantToValue(num)
	if !ok || v.Number != 21.5 {
		t.Fatalf("expected numeric 21.5, got %+v ok=%v", v, ok)
	}

	flag, err := ua.NewVariant(true)
	if err != nil {
		t.Fatalf("variant: %v", err)
	}
	v, ok = variantToValue(flag)
	if !ok || v.Number != 1 {
		t.Fatalf("booleans map to 0/1, got %+v ok=%v", v, ok)
	}

	text, err := ua.NewVariant("RUNNING")
	if err != nil {
		t.Fatalf("variant: %v", err)
	}
	v, ok = variantToValue(text)
	if !ok || v.Text != "RUNNING" {
		t.Fatalf("expected enumerated text, got %+v ok=%v", v, ok)
	}

	if _, ok := variantToValue(nil); ok {
		t.Fatalf("nil variant must not produce a value")
	}
}
