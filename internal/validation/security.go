// Package validation guards the values devserve hands to the operating
// system or the network: external compiler commands, websocket origins and
// upstream URLs.
package validation

import (
	"fmt"
	"net"
	"net/url"
	"path/filepath"
	"strings"
)

var shellMeta = []string{";", "&", "|", "$", "`", "(", ")", "<", ">", "\\", "\"", "'", "\n", "\r"}

// ValidateArgument rejects command arguments that could escape the argv
// boundary or walk out of the watch root.
func ValidateArgument(arg string) error {
	for _, char := range shellMeta {
		if strings.Contains(arg, char) {
			return fmt.Errorf("argument %q contains dangerous character %q", arg, char)
		}
	}

	if strings.Contains(arg, "..") {
		return fmt.Errorf("argument %q contains path traversal", arg)
	}

	if filepath.IsAbs(arg) && !strings.HasPrefix(arg, "/usr/bin/") && !strings.HasPrefix(arg, "/bin/") {
		return fmt.Errorf("absolute path not allowed: %s", arg)
	}

	return nil
}

// ValidateCommand checks a compiler command against the allowlist.
func ValidateCommand(command string, allowed map[string]bool) error {
	if command == "" {
		return fmt.Errorf("command cannot be empty")
	}

	if !allowed[command] {
		return fmt.Errorf("command %q is not allowed", command)
	}

	if err := ValidateArgument(command); err != nil {
		return fmt.Errorf("invalid command %q: %w", command, err)
	}

	return nil
}

// ValidateOrigin accepts a websocket Origin header when its host matches the
// host the request was addressed to, a loopback host, or an entry of
// allowed (either a full origin or a bare host:port).
func ValidateOrigin(origin, requestHost string, allowed []string) error {
	if origin == "" {
		return fmt.Errorf("origin header is required")
	}

	u, err := url.Parse(origin)
	if err != nil {
		return fmt.Errorf("invalid origin format: %w", err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid origin scheme %q", u.Scheme)
	}

	if u.Host == requestHost || isLoopback(u.Hostname()) {
		return nil
	}

	for _, a := range allowed {
		if origin == a || u.Host == a {
			return nil
		}
	}

	return fmt.Errorf("origin %q is not allowed", origin)
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)

	return ip != nil && ip.IsLoopback()
}
