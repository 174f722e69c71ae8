package p2p

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// PeerAddress is the canonical "host:port" key of a peer. Inbound peers are keyed
// by their remote IP and the listening port they declare during the handshake.
type PeerAddress string

// ParsePeerAddress normalises raw into a PeerAddress.
func ParsePeerAddress(raw string) (PeerAddress, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty peer address", ErrInvalidPayload)
	}
	host, portStr, err := net.SplitHostPort(trimmed)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	host = strings.ToLower(strings.TrimSpace(host))
	if host == "" {
		return "", fmt.Errorf("%w: missing host in %q", ErrInvalidPayload, raw)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil || port == 0 {
		return "", fmt.Errorf("%w: invalid port in %q", ErrInvalidPayload, raw)
	}
	if ip := net.ParseIP(host); ip != nil {
		host = ip.String()
	}
	return PeerAddress(net.JoinHostPort(host, strconv.FormatUint(port, 10))), nil
}

func (a PeerAddress) String() string {
	return string(a)
}

// Host returns the host part of the address.
func (a PeerAddress) Host() string {
	host, _, err := net.SplitHostPort(string(a))
	if err != nil {
		return ""
	}
	return host
}

// Port returns the port part of the address, or zero when malformed.
func (a PeerAddress) Port() uint16 {
	_, portStr, err := net.SplitHostPort(string(a))
	if err != nil {
		return 0
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return 0
	}
	return uint16(port)
}

// inboundAddress derives the book key for an accepted connection.
func inboundAddress(remote net.Addr, listenPort uint16) (PeerAddress, error) {
	if remote == nil {
		return "", fmt.Errorf("%w: missing remote address", ErrInvalidPayload)
	}
	raw := remote.String()
	if listenPort == 0 {
		return ParsePeerAddress(raw)
	}
	host, _, err := net.SplitHostPort(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return ParsePeerAddress(net.JoinHostPort(host, strconv.Itoa(int(listenPort))))
}

func parseAddressList(raw []string) ([]PeerAddress, error) {
	seen := make(map[PeerAddress]struct{}, len(raw))
	out := make([]PeerAddress, 0, len(raw))
	for _, entry := range raw {
		if strings.TrimSpace(entry) == "" {
			continue
		}
		addr, err := ParsePeerAddress(entry)
		if err != nil {
			return nil, err
		}
		if _, ok := seen[addr]; ok {
			continue
		}
		seen[addr] = struct{}{}
		out = append(out, addr)
	}
	return out, nil
}
