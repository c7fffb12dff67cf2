package identity_manager

import (
	"errors"
	"testing"

	"github.com/nhirsama/Goster-DevAuth/src/inter"
)

func TestCanonicalizeIdentity(t *testing.T) {
	im := NewIdentityManager()

	t.Run("KeyOrderIndependent", func(t *testing.T) {
		a, err := im.CanonicalizeIdentity(`{"mac":"00:11:22","sn":"SN-001"}`)
		if err != nil {
			t.Fatalf("canonicalize failed: %v", err)
		}
		b, err := im.CanonicalizeIdentity(`{ "sn": "SN-001", "mac": "00:11:22" }`)
		if err != nil {
			t.Fatalf("canonicalize failed: %v", err)
		}
		if a != b {
			t.Errorf("expected identical canonical form, got %q vs %q", a, b)
		}
	})

	t.Run("DistinctAttributesDistinctForm", func(t *testing.T) {
		a, _ := im.CanonicalizeIdentity(`{"mac":"00:11:22"}`)
		b, _ := im.CanonicalizeIdentity(`{"mac":"00:11:33"}`)
		if a == b {
			t.Error("different identities must not collapse")
		}
	})

	t.Run("RejectsNonObject", func(t *testing.T) {
		for _, raw := range []string{`"just a string"`, `[1,2]`, `not json`, `{}`} {
			_, err := im.CanonicalizeIdentity(raw)
			if !errors.Is(err, inter.ErrValidation) {
				t.Errorf("payload %q: expected ErrValidation, got %v", raw, err)
			}
		}
	})

	t.Run("NestedValues", func(t *testing.T) {
		a, err := im.CanonicalizeIdentity(`{"attrs":{"slot":1},"mac":"aa"}`)
		if err != nil {
			t.Fatalf("nested identity should be accepted: %v", err)
		}
		b, _ := im.CanonicalizeIdentity(`{"mac":"aa","attrs":{"slot":1}}`)
		if a != b {
			t.Error("nested identities should canonicalize equally")
		}
	})
}

func TestDeviceID(t *testing.T) {
	im := NewIdentityManager()

	id1 := im.DeviceID("default", `{"mac":"00:11:22"}`)
	id2 := im.DeviceID("default", `{"mac":"00:11:22"}`)
	if id1 != id2 {
		t.Error("device ID must be stable for the same identity")
	}
	if len(id1) != 64 {
		t.Errorf("expected hex sha256 ID, got %q", id1)
	}

	// 不同租户下同一身份是不同设备
	other := im.DeviceID("foobar", `{"mac":"00:11:22"}`)
	if other == id1 {
		t.Error("same identity under different tenants must map to different devices")
	}

	if im.DeviceID("default", `{"mac":"00:11:33"}`) == id1 {
		t.Error("different identities must map to different devices")
	}
}
