package sysproxy

import (
	"context"
	"errors"
	"fmt"
)

// DefaultServices are the macOS network services configured by NetworkSetup.
var DefaultServices = []string{"Wi-Fi", "Ethernet"}

// NetworkSetup drives macOS networksetup for each service. A service that
// fails does not stop the others; Set succeeds when any service took it.
type NetworkSetup struct {
	Run      Runner
	Services []string
}

func (NetworkSetup) Name() string { return "networksetup" }

func (n NetworkSetup) services() []string {
	if len(n.Services) == 0 {
		return DefaultServices
	}
	return n.Services
}

func (n NetworkSetup) each(fn func(ctx context.Context, svc string) error) error {
	ctx := context.Background()
	var errs []error
	ok := false
	for _, svc := range n.services() {
		if err := fn(ctx, svc); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", svc, err))
			continue
		}
		ok = true
	}
	if ok {
		return nil
	}
	return errors.Join(errs...)
}

func (n NetworkSetup) Set(addr string) error {
	host, port, err := SplitAddr(addr)
	if err != nil {
		return err
	}
	return n.each(func(ctx context.Context, svc string) error {
		if err := n.Run(ctx, "networksetup", "-setwebproxy", svc, host, port); err != nil {
			return err
		}
		return n.Run(ctx, "networksetup", "-setsecurewebproxy", svc, host, port)
	})
}

func (n NetworkSetup) Clear() error {
	return n.each(func(ctx context.Context, svc string) error {
		if err := n.Run(ctx, "networksetup", "-setwebproxystate", svc, "off"); err != nil {
			return err
		}
		return n.Run(ctx, "networksetup", "-setsecurewebproxystate", svc, "off")
	})
}
