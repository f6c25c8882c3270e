package rpclog

import (
	"bytes"
	"strings"
	"testing"
)

func TestMultilog(t *testing.T) {
	sink1 := new(bytes.Buffer)
	sink2 := new(bytes.Buffer)

	AddLogger("sink1", sink1, DEBUG)
	defer DelLogger("sink1")
	AddLogger("sink2", sink2, DEBUG)
	defer DelLogger("sink2")

	Debugf("test %d", 123)

	if !strings.Contains(sink1.String(), "test 123") {
		t.Fatalf("sink1 got: %s", sink1.String())
	}
	if !strings.Contains(sink2.String(), "test 123") {
		t.Fatalf("sink2 got: %s", sink2.String())
	}
}

func TestLogLevels(t *testing.T) {
	sink1 := new(bytes.Buffer)
	sink2 := new(bytes.Buffer)

	AddLogger("sink1Level", sink1, DEBUG)
	defer DelLogger("sink1Level")
	AddLogger("sink2Level", sink2, INFO)
	defer DelLogger("sink2Level")

	Debugf("test 123")

	if !strings.Contains(sink1.String(), "test 123") {
		t.Fatalf("sink1 got: %s", sink1.String())
	}
	if sink2.Len() != 0 {
		t.Fatalf("sink2 got: %s", sink2.String())
	}
}

func TestDelLogger(t *testing.T) {
	sink := new(bytes.Buffer)
	AddLogger("sinkDel", sink, DEBUG)

	Debugf("test 123")
	if !strings.Contains(sink.String(), "test 123") {
		t.Fatalf("sink got: %s", sink.String())
	}

	DelLogger("sinkDel")
	sink.Reset()
	Debugf("test 456")
	if sink.Len() != 0 {
		t.Fatalf("sink got: %s", sink.String())
	}
}

func TestParseLevel(t *testing.T) {
	l, err := ParseLevel("warn")
	if err != nil || l != WARN {
		t.Fatalf("ParseLevel(warn) = %v, %v, want WARN, nil", l, err)
	}
	if _, err := ParseLevel("bogus"); err == nil {
		t.Fatalf("ParseLevel(bogus) should have failed")
	}
}

func TestWillLog(t *testing.T) {
	sink := new(bytes.Buffer)
	AddLogger("sinkWill", sink, ERROR)
	defer DelLogger("sinkWill")

	if WillLog(DEBUG) {
		t.Fatalf("WillLog(DEBUG) should be false when the only logger is at ERROR")
	}
	if !WillLog(ERROR) {
		t.Fatalf("WillLog(ERROR) should be true")
	}
}
