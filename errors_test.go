package ffbcore

import (
	"errors"
	"testing"
)

func TestStructuredError(t *testing.T) {
	err := NewError("attach_device", CodeDeviceWriteFailed, "port write returned stall")

	if err.Op != "attach_device" {
		t.Errorf("Expected Op=attach_device, got %s", err.Op)
	}

	if err.Code != CodeDeviceWriteFailed {
		t.Errorf("Expected Code=CodeDeviceWriteFailed, got %s", err.Code)
	}

	expected := "ffbcore: device write failed: port write returned stall (op=attach_device)"
	if err.Error() != expected {
		t.Errorf("Expected error message %q, got %q", expected, err.Error())
	}
}

func TestErrorWithoutOp(t *testing.T) {
	err := NewError("", CodeSensorStale, "telemetry older than threshold")
	expected := "ffbcore: sensor stale: telemetry older than threshold"
	if err.Error() != expected {
		t.Errorf("Expected error message %q, got %q", expected, err.Error())
	}
}

func TestWrapErrorPreservesInnerCode(t *testing.T) {
	inner := NewError("load_config", CodeInitFailed, "missing file")
	wrapped := WrapError("startup", CodeInitFailed, inner)

	if wrapped.Code != CodeInitFailed {
		t.Errorf("Expected Code=CodeInitFailed, got %s", wrapped.Code)
	}
	if wrapped.Op != "startup" {
		t.Errorf("Expected Op=startup, got %s", wrapped.Op)
	}
}

func TestWrapErrorNil(t *testing.T) {
	if WrapError("op", CodeInitFailed, nil) != nil {
		t.Error("WrapError(nil) should return nil")
	}
}

func TestErrorIsMatchesOnCode(t *testing.T) {
	a := &Error{Code: CodeDeadlineMissed}
	b := &Error{Code: CodeDeadlineMissed, Msg: "different message"}

	if !errors.Is(a, b) {
		t.Error("errors with the same Code should satisfy errors.Is")
	}
}

func TestIsCode(t *testing.T) {
	err := NewError("test", CodeEstopRequested, "external stop")

	if !IsCode(err, CodeEstopRequested) {
		t.Error("IsCode should return true for matching code")
	}
	if IsCode(err, CodeThermalPowerLimit) {
		t.Error("IsCode should return false for non-matching code")
	}
	if IsCode(nil, CodeEstopRequested) {
		t.Error("IsCode should return false for nil error")
	}
}

func TestUnwrap(t *testing.T) {
	inner := errors.New("disk full")
	err := WrapError("flush", CodeInitFailed, inner)

	if errors.Unwrap(err) != inner {
		t.Error("Unwrap should return the wrapped inner error")
	}
}
