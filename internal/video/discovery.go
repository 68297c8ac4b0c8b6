package video

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Device is a local V4L2 capture device
type Device struct {
	Path string `json:"path"`
	Name string `json:"name"`
}

var videoNode = regexp.MustCompile(`^video([0-9]+)$`)

// Discovery lists capture devices under DevDir, reading names from SysfsDir
type Discovery struct {
	DevDir   string
	SysfsDir string
}

// DefaultDiscovery looks in /dev and /sys/class/video4linux
func DefaultDiscovery() Discovery {
	return Discovery{DevDir: "/dev", SysfsDir: "/sys/class/video4linux"}
}

// Devices returns the character devices named videoN, ordered by N
func (d Discovery) Devices() ([]Device, error) {
	matches, err := filepath.Glob(filepath.Join(d.DevDir, "video*"))
	if err != nil {
		return nil, fmt.Errorf("failed to glob video devices: %w", err)
	}

	type numbered struct {
		n   int
		dev Device
	}
	var found []numbered
	for _, path := range matches {
		m := videoNode.FindStringSubmatch(filepath.Base(path))
		if m == nil {
			continue
		}
		info, err := os.Stat(path)
		if err != nil || info.Mode()&os.ModeCharDevice == 0 {
			continue
		}
		n, _ := strconv.Atoi(m[1])
		found = append(found, numbered{n: n, dev: Device{Path: path, Name: d.name(filepath.Base(path))}})
	}

	sort.Slice(found, func(i, j int) bool { return found[i].n < found[j].n })
	out := make([]Device, 0, len(found))
	for _, f := range found {
		out = append(out, f.dev)
	}
	return out, nil
}

// name reads the card name the driver reports, falling back to a generic one
func (d Discovery) name(node string) string {
	if d.SysfsDir != "" {
		if b, err := os.ReadFile(filepath.Join(d.SysfsDir, node, "name")); err == nil {
			if s := strings.TrimSpace(string(b)); s != "" {
				return s
			}
		}
	}
	return "USB Camera"
}
