package utils

import (
	"bytes"
	"errors"
	"os"
	"os/exec"
	"runtime"
	"strings"
)

// GetDeviceFingerprint returns a stable identifier for the current machine.
// It binds sealed local secrets to the device: a credential file copied to
// another machine will not open. On mobile the native shell must pass its own id.
func GetDeviceFingerprint() (string, error) {
	var (
		id  string
		err error
	)
	switch runtime.GOOS {
	case "darwin":
		id, err = macOSUUID()
	case "linux":
		id, err = linuxMachineID()
	case "windows":
		id, err = windowsUUID()
	case "android", "ios":
		return "", errors.New(runtime.GOOS + ": device id must be provided by the app")
	default:
		return "", errors.New("unsupported platform: " + runtime.GOOS)
	}
	if err == nil && id != "" {
		return id, nil
	}
	// Fall back to the hostname so headless containers still work.
	host, herr := os.Hostname()
	if herr != nil || host == "" {
		if err == nil {
			err = herr
		}
		return "", err
	}
	return "host:" + host, nil
}

func macOSUUID() (string, error) {
	out, err := exec.Command("ioreg", "-rd1", "-c", "IOPlatformExpertDevice").Output()
	if err != nil {
		return "", err
	}
	for _, line := range strings.Split(string(out), "\n") {
		if strings.Contains(line, "IOPlatformUUID") {
			parts := strings.Split(line, "\"")
			if len(parts) >= 4 {
				return parts[3], nil
			}
		}
	}
	return "", errors.New("no IOPlatformUUID found")
}

func linuxMachineID() (string, error) {
	for _, p := range []string{"/etc/machine-id", "/var/lib/dbus/machine-id", "/sys/class/dmi/id/product_uuid"} {
		b, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		if id := strings.TrimSpace(string(b)); id != "" {
			return id, nil
		}
	}
	return "", errors.New("no machine id found on Linux")
}

func windowsUUID() (string, error) {
	out, err := exec.Command("wmic", "csproduct", "get", "UUID").Output()
	if err != nil {
		return "", err
	}
	for _, line := range bytes.Split(out, []byte("\n")) {
		str := strings.TrimSpace(string(line))
		if str != "" && !strings.EqualFold(str, "UUID") {
			return str, nil
		}
	}
	return "", errors.New("no hardware UUID found on Windows")
}
