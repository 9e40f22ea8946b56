package broker

import (
	"errors"
	"testing"
)

func TestManager_NotConnectedBeforeRun(t *testing.T) {
	m := NewManager("amqp://unused", func(string, []byte) {}, discardLogger())

	if m.Ready() {
		t.Error("manager ready before any session ran")
	}
	if err := m.PublishRequest("id", []byte("{}")); !errors.Is(err, ErrNotConnected) {
		t.Errorf("PublishRequest error = %v, want ErrNotConnected", err)
	}
}
