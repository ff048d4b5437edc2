package validation

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// MaxCommandLength bounds one operator command line.
const MaxCommandLength = 64

// ValidateIdentifier checks that id lies in [1, max].
func ValidateIdentifier(id, max int) error {
	if max < 1 {
		return fmt.Errorf("no stream identifiers are issued")
	}
	if id < 1 || id > max {
		return fmt.Errorf("stream identifier %d out of range (must be 1..%d)", id, max)
	}
	return nil
}

// ValidateRelayMode validates relay mode names
func ValidateRelayMode(mode string) error {
	validModes := map[string]bool{
		"one": true,
		"all": true,
	}
	if !validModes[strings.ToLower(strings.TrimSpace(mode))] {
		return fmt.Errorf("invalid relay mode (must be one or all)")
	}
	return nil
}

// ValidateBitrate validates a layer bitrate ceiling; 0 means unconstrained.
func ValidateBitrate(kbps int) error {
	if kbps == 0 {
		return nil
	}
	if kbps < 30 {
		return fmt.Errorf("bitrate must be at least 30 kbps")
	}
	if kbps > 20000 {
		return fmt.Errorf("bitrate is too high (max 20000 kbps)")
	}
	return nil
}

// ValidateResolution validates frame dimensions
func ValidateResolution(width, height int) error {
	if width <= 0 || height <= 0 {
		return fmt.Errorf("resolution %dx%d must be positive", width, height)
	}
	if width%2 != 0 || height%2 != 0 {
		return fmt.Errorf("resolution %dx%d must have even dimensions", width, height)
	}
	if width > 4096 || height > 2160 {
		return fmt.Errorf("resolution %dx%d is too large (max 4096x2160)", width, height)
	}
	return nil
}

// ValidateQPMax validates the quantizer ceiling
func ValidateQPMax(qp int) error {
	if qp < 1 || qp > 63 {
		return fmt.Errorf("qp max %d out of range (must be 1..63)", qp)
	}
	return nil
}

// ValidateCommandLine rejects command lines that cannot be operator input.
func ValidateCommandLine(line string) error {
	if len(line) > MaxCommandLength {
		return fmt.Errorf("command is too long (max %d characters)", MaxCommandLength)
	}
	if !utf8.ValidString(line) {
		return fmt.Errorf("command contains invalid characters")
	}
	return nil
}
