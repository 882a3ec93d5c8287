// Package netx builds the HTTP clients used by measurement workers.
//
// Each client returned by NewClient carries exactly one logical worker's
// traffic over its own TCP connection. Protocol multiplexing is disabled:
// aggregate behavior across N streams is only meaningful if the streams do
// not share a connection.
package netx

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

// ErrBindFailure is returned when the requested interface does not exist or
// has no usable IPv4 address. It is always returned before any traffic is
// attempted.
var ErrBindFailure = errors.New("bind failure")

const dialTimeout = 10 * time.Second

// NewClient returns an HTTP client backed by its own transport. If ifaceName
// is non-empty, every outbound dial is bound to the interface's first IPv4
// address; otherwise the OS picks the source address.
//
// The caller owns the client and must call CloseIdleConnections when done
// with it.
func NewClient(ifaceName string) (*http.Client, error) {
	dialer := &net.Dialer{
		Timeout: dialTimeout,
	}
	if ifaceName != "" {
		ip, err := interfaceIPv4(ifaceName)
		if err != nil {
			return nil, err
		}
		dialer.LocalAddr = &net.TCPAddr{IP: ip}
	}
	transport := &http.Transport{
		DialContext: dialer.DialContext,
		// An empty TLSNextProto map disables HTTP/2 negotiation, so every
		// request from this client rides the same single TCP connection.
		TLSNextProto:        map[string]func(string, *tls.Conn) http.RoundTripper{},
		ForceAttemptHTTP2:   false,
		MaxIdleConns:        1,
		MaxIdleConnsPerHost: 1,
		MaxConnsPerHost:     1,
	}
	return &http.Client{Transport: transport}, nil
}

// interfaceIPv4 resolves name to its first IPv4 address.
func interfaceIPv4(name string) (net.IP, error) {
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return nil, fmt.Errorf("%w: interface %s: %v", ErrBindFailure, name, err)
	}
	addrs, err := iface.Addrs()
	if err != nil {
		return nil, fmt.Errorf("%w: interface %s: %v", ErrBindFailure, name, err)
	}
	for _, addr := range addrs {
		var ip net.IP
		switch a := addr.(type) {
		case *net.IPNet:
			ip = a.IP
		case *net.IPAddr:
			ip = a.IP
		}
		if ip4 := ip.To4(); ip4 != nil {
			return ip4, nil
		}
	}
	return nil, fmt.Errorf("%w: interface %s has no IPv4 address", ErrBindFailure, name)
}
