package ota

import (
	"encoding/json"
	"fmt"
	"strings"
)

const commandTypeUpdate = "update_firmware"

// command is the $ota/update payload.
type command struct {
	Type     string `json:"type"`
	FileSize int64  `json:"file_size"`
	MD5Sum   string `json:"md5sum"`
	URL      string `json:"url"`
	Version  string `json:"version"`
}

// Info describes one firmware update. It is owned by the update task.
type Info struct {
	FileSize int64
	MD5Sum   string
	URL      string
	Version  string

	Downloaded int64
	Percent    int
}

// ParseCommand decodes an update_firmware command. ok is false for other
// command types, which are ignored. The https scheme is downgraded to http
// unless forceHTTPS is set.
func ParseCommand(payload []byte, forceHTTPS bool) (info Info, ok bool, err error) {
	var cmd command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return Info{}, false, fmt.Errorf("%w: %w", ErrInvalidCommand, err)
	}
	if cmd.Type != commandTypeUpdate {
		return Info{}, false, nil
	}

	switch {
	case cmd.URL == "":
		return Info{}, false, fmt.Errorf("%w: missing url", ErrInvalidCommand)
	case cmd.Version == "":
		return Info{}, false, fmt.Errorf("%w: missing version", ErrInvalidCommand)
	case cmd.FileSize <= 0:
		return Info{}, false, fmt.Errorf("%w: file_size must be positive", ErrInvalidCommand)
	}

	url := cmd.URL
	if !forceHTTPS {
		url = downgradeHTTPS(url)
	}

	return Info{
		FileSize: cmd.FileSize,
		MD5Sum:   strings.ToLower(cmd.MD5Sum),
		URL:      url,
		Version:  cmd.Version,
	}, true, nil
}

// downgradeHTTPS rewrites an https URL to plain http.
func downgradeHTTPS(url string) string {
	if strings.HasPrefix(url, "https://") {
		return "http://" + strings.TrimPrefix(url, "https://")
	}
	return url
}
