package log

import "testing"

func TestLogComponentsGating(t *testing.T) {
	atomicReset()
	if Enabled() {
		t.Errorf("expected logging disabled before LogComponents")
	}
	LogComponents("nosuchcomponent")
	if Enabled() {
		t.Errorf("expected logging still disabled for unknown component")
	}
	LogComponents("zone")
	if !Enabled() {
		t.Errorf("expected logging enabled after LogComponents(\"zone\")")
	}
}

func atomicReset() {
	logok = 0
}
