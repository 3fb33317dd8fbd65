package jit

import (
	"bytes"
	"strings"
	"testing"
)

// TestTraceDumpRoundTrip 测试片段快照的 CBOR 编解码
func TestTraceDumpRoundTrip(t *testing.T) {
	m := NewMonitor(nil)
	traced(t, m, "sum-array")
	f := onlyFragment(t, m)

	d := NewTraceDump(f)
	if d.Script != "sum-array" || d.PC != f.PC {
		t.Fatalf("unexpected dump header %+v", d)
	}
	if len(d.Exits) != len(f.Code.Guards()) || len(d.LIR) != f.LIR.Len() {
		t.Fatalf("dump lost guards or instructions")
	}
	if d.Exits[len(d.Exits)-1].Kind != "loop" {
		t.Errorf("last guard should be the loop edge, got %s", d.Exits[len(d.Exits)-1].Kind)
	}

	data, err := MarshalTraceDump(d)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	again, err := MarshalTraceDump(d)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(data, again) {
		t.Error("canonical encoding must be deterministic")
	}

	back, err := UnmarshalTraceDump(data)
	if err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if back.TypeMap != d.TypeMap || back.Recompiles != d.Recompiles || back.Info != d.Info {
		t.Errorf("round trip mismatch: %+v vs %+v", back, d)
	}
	if len(back.Globals) != 1 || back.Globals[0] != "arr" {
		t.Errorf("globals = %v", back.Globals)
	}
	if strings.Join(back.LIR, "\n") != strings.Join(d.LIR, "\n") {
		t.Error("LIR lines changed")
	}
}

// TestUnmarshalTraceDumpError 测试损坏的输入
func TestUnmarshalTraceDumpError(t *testing.T) {
	if _, err := UnmarshalTraceDump([]byte{0xff, 0x00}); err == nil {
		t.Error("expected error")
	}
}
