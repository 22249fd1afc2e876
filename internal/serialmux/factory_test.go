package serialmux

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
)

func TestIsPermissionError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain", errors.New("no such device"), false},
		{"fs permission", fs.ErrPermission, true},
		{"wrapped path error", fmt.Errorf("open gps: %w", &fs.PathError{Op: "open", Path: "/dev/ttyUSB0", Err: fs.ErrPermission}), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsPermissionError(tt.err); got != tt.want {
				t.Errorf("IsPermissionError(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestRealOpener_MissingDevice(t *testing.T) {
	open := RealOpener(filepath.Join(t.TempDir(), "no-such-tty"), "gps", PortOptions{})
	m, err := open()
	if err == nil {
		m.Close()
		t.Fatal("opening a missing device succeeded")
	}
	if IsPermissionError(err) {
		t.Errorf("missing device reported as permission error: %v", err)
	}
}

func TestRealOpener_InvalidOptions(t *testing.T) {
	open := RealOpener(os.DevNull, "imu", PortOptions{DataBits: 12})
	if _, err := open(); err == nil {
		t.Fatal("expected invalid options to fail before opening the port")
	}
}
