package signaling

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// publicResolvers are asked directly when the system resolver cannot find
// the signaling host.
var publicResolvers = []string{
	"1.1.1.1",
	"1.0.0.1",
	"8.8.8.8",
	"8.8.4.4",
	"9.9.9.9",
	"149.112.112.112",
	"208.67.222.222",
	"208.67.220.220",
}

// lookupFunc resolves host through server, or through the system resolver
// when server is empty.
type lookupFunc func(ctx context.Context, host, server string) ([]string, error)

type resolver struct {
	lookup  lookupFunc
	servers []string

	systemTimeout time.Duration
	raceTimeout   time.Duration
}

func newResolver() *resolver {
	return &resolver{
		lookup:        netLookup,
		servers:       publicResolvers,
		systemTimeout: time.Second,
		raceTimeout:   2 * time.Second,
	}
}

// resolve returns one address for host, preferring IPv4. IP literals are
// returned as is.
func (r *resolver) resolve(ctx context.Context, host string) (string, error) {
	if net.ParseIP(host) != nil {
		return host, nil
	}

	sysCtx, cancel := context.WithTimeout(ctx, r.systemTimeout)
	addrs, err := r.lookup(sysCtx, host, "")
	cancel()
	if err == nil && len(addrs) > 0 {
		return preferIPv4(addrs), nil
	}
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	return r.race(ctx, host)
}

// race asks every public resolver at once and takes the first answer.
func (r *resolver) race(ctx context.Context, host string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.raceTimeout)
	defer cancel()

	type answer struct {
		addrs []string
		err   error
	}
	answers := make(chan answer, len(r.servers))
	for _, server := range r.servers {
		server := server
		go func() {
			addrs, err := r.lookup(ctx, host, server)
			answers <- answer{addrs, err}
		}()
	}

	for range r.servers {
		select {
		case a := <-answers:
			if a.err == nil && len(a.addrs) > 0 {
				return preferIPv4(a.addrs), nil
			}
		case <-ctx.Done():
			return "", fmt.Errorf("resolving %s: %w", host, ctx.Err())
		}
	}
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("resolving %s: %w", host, err)
	}
	return "", fmt.Errorf("resolving %s: no resolver of %d had an answer", host, len(r.servers))
}

// dialContext is a websocket.Dialer NetDialContext that resolves the host
// itself.
func (r *resolver) dialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	ip, err := r.resolve(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("dns lookup failed: %w", err)
	}
	var d net.Dialer
	return d.DialContext(ctx, network, net.JoinHostPort(ip, port))
}

func netLookup(ctx context.Context, host, server string) ([]string, error) {
	r := net.DefaultResolver
	if server != "" {
		r = &net.Resolver{
			PreferGo: true,
			Dial: func(ctx context.Context, network, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, network, net.JoinHostPort(server, "53"))
			},
		}
	}
	addrs, err := r.LookupHost(ctx, host)
	if err == nil && len(addrs) == 0 {
		err = errors.New("no addresses")
	}
	return addrs, err
}

func preferIPv4(addrs []string) string {
	for _, a := range addrs {
		if ip := net.ParseIP(a); ip != nil && ip.To4() != nil {
			return a
		}
	}
	return addrs[0]
}
