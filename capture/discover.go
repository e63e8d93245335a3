package capture

import (
	"os"
	"path/filepath"
	"strings"
)

const (
	videoDevDir    = "/dev"
	videoDevPrefix = "video"
)

// Discover lists video capture device paths present on the host, e.g.
// ["/dev/video0", "/dev/video2"]. A missing or unreadable /dev yields an
// empty list, not an error: headless test environments have no cameras.
func Discover() []string {
	entries, err := os.ReadDir(videoDevDir)
	if err != nil {
		return nil
	}

	var devices []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), videoDevPrefix) {
			devices = append(devices, filepath.Join(videoDevDir, e.Name()))
		}
	}
	return devices
}
