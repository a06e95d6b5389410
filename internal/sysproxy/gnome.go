package sysproxy

import (
	"context"
	"errors"
)

// GNOME drives org.gnome.system.proxy through gsettings.
type GNOME struct {
	Run Runner
}

func (GNOME) Name() string { return "gsettings" }

func (g GNOME) Set(addr string) error {
	host, port, err := SplitAddr(addr)
	if err != nil {
		return err
	}
	ctx := context.Background()
	var errs []error
	for _, schema := range []string{"org.gnome.system.proxy.http", "org.gnome.system.proxy.https"} {
		errs = append(errs,
			g.Run(ctx, "gsettings", "set", schema, "host", host),
			g.Run(ctx, "gsettings", "set", schema, "port", port),
		)
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	return g.Run(ctx, "gsettings", "set", "org.gnome.system.proxy", "mode", "manual")
}

func (g GNOME) Clear() error {
	return g.Run(context.Background(), "gsettings", "set", "org.gnome.system.proxy", "mode", "none")
}
