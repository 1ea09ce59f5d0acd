package version_test

import (
	"strings"
	"testing"

	v "github.com/keithlinneman/openbmclapi-cluster/internal/version"
)

func TestVCSDirtyTriState(t *testing.T) {
	t.Cleanup(func() { v.VCSDirty = nil })

	v.VCSDirty = nil
	if info := v.Get(); info.VCSDirty != nil {
		t.Fatalf("VCSDirty = %v, want nil", *info.VCSDirty)
	}

	trueVal := true
	v.VCSDirty = &trueVal
	if info := v.Get(); info.VCSDirty == nil || !*info.VCSDirty {
		t.Fatalf("VCSDirty = %v, want true", info.VCSDirty)
	}
}

func TestUserAgent(t *testing.T) {
	if got := v.UserAgent(); got != "openbmclapi-cluster/1.7.3" {
		t.Fatalf("UserAgent() = %q", got)
	}
	info := v.Get()
	if info.AppName != v.AppName || info.ProtocolVersion != v.ProtocolVersion {
		t.Fatalf("Get() identity = %q/%q", info.AppName, info.ProtocolVersion)
	}
	if !strings.HasSuffix(v.UserAgent(), info.ProtocolVersion) {
		t.Fatal("user agent should carry the protocol version")
	}
}
