package security

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

var (
	ErrInvalidEndpoint = errors.New("invalid endpoint URL")
	ErrBlockedEndpoint = errors.New("endpoint address is not allowed")
)

// lookupHost resolves hostnames; replaced in tests.
var lookupHost = net.LookupHost

// blockedHosts are names that reach the machine itself or cloud metadata.
var blockedHosts = []string{"localhost", "metadata.google.internal", "metadata.google"}

// ValidateEndpointURL checks an operator-supplied outbound URL (alert
// webhook) before the server posts money events to it. Loopback, private,
// link-local and unspecified addresses are refused, both as literals and
// as DNS results.
func ValidateEndpointURL(rawURL string) error {
	u, err := parseEndpoint(rawURL)
	if err != nil {
		return err
	}
	host := u.Hostname()
	for _, b := range blockedHosts {
		if strings.EqualFold(host, b) {
			return fmt.Errorf("%w: host %q", ErrBlockedEndpoint, host)
		}
	}

	if ip := net.ParseIP(host); ip != nil {
		return checkIP(ip)
	}
	addrs, err := lookupHost(host)
	if err != nil {
		return fmt.Errorf("%w: cannot resolve %s", ErrInvalidEndpoint, host)
	}
	for _, a := range addrs {
		if ip := net.ParseIP(a); ip != nil {
			if err := checkIP(ip); err != nil {
				return fmt.Errorf("host %q resolves to %s: %w", host, a, err)
			}
		}
	}
	return nil
}

// ValidateInternalURL checks the URL of a service reached over a private
// network, such as the wallet service in the same cluster. Only the scheme
// and host are checked.
func ValidateInternalURL(rawURL string) error {
	_, err := parseEndpoint(rawURL)
	return err
}

func parseEndpoint(rawURL string) (*url.URL, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEndpoint, err)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return nil, fmt.Errorf("%w: scheme must be http or https", ErrInvalidEndpoint)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: host is required", ErrInvalidEndpoint)
	}
	return u, nil
}

func checkIP(ip net.IP) error {
	switch {
	case ip.IsLoopback():
		return fmt.Errorf("%w: loopback %s", ErrBlockedEndpoint, ip)
	case ip.IsPrivate():
		return fmt.Errorf("%w: private %s", ErrBlockedEndpoint, ip)
	case ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast():
		return fmt.Errorf("%w: link-local %s", ErrBlockedEndpoint, ip)
	case ip.IsUnspecified():
		return fmt.Errorf("%w: unspecified %s", ErrBlockedEndpoint, ip)
	}
	return nil
}
