package coreconfig

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/pretty"
	"github.com/tidwall/sjson"
)

// Local inbounds written by Generate.
const (
	SocksInboundPort = 10808
	HTTPInboundPort  = 10809
)

var (
	ErrInvalidJSON = errors.New("config is not valid JSON")
	ErrExists      = errors.New("config file already exists")
)

var prettyOpts = &pretty.Options{Width: 80, Indent: "  "}

// Validate reports ErrInvalidJSON unless raw parses as a JSON document.
func Validate(raw []byte) error {
	if len(strings.TrimSpace(string(raw))) == 0 || !gjson.ValidBytes(raw) {
		return ErrInvalidJSON
	}
	return nil
}

// Format re-indents raw for display.
func Format(raw []byte) ([]byte, error) {
	if err := Validate(raw); err != nil {
		return nil, err
	}
	return pretty.PrettyOptions(raw, prettyOpts), nil
}

// Load reads and formats the config at path.
func Load(path string) ([]byte, error) {
	raw, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	out, err := Format(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return out, nil
}

// Save writes raw to path as given, after checking it is JSON. The file is
// replaced atomically.
func Save(path string, raw []byte) error {
	if err := Validate(raw); err != nil {
		return err
	}
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// Options are the generator inputs.
type Options struct {
	Name    string `json:"name"`
	Address string `json:"address"`
	Port    int    `json:"port"`
	UUID    string `json:"uuid,omitempty"`
	Network string `json:"network,omitempty"` // tcp or ws
	WSPath  string `json:"ws_path,omitempty"`
	TLS     bool   `json:"tls,omitempty"`
}

func (o *Options) normalize() error {
	o.Name = strings.TrimSpace(o.Name)
	o.Address = strings.TrimSpace(o.Address)
	o.UUID = strings.TrimSpace(o.UUID)
	o.Network = strings.ToLower(strings.TrimSpace(o.Network))
	o.WSPath = strings.TrimSpace(o.WSPath)

	if o.Name == "" || o.Address == "" {
		return errors.New("file name and address are required")
	}
	if strings.ContainsAny(o.Name, `/\`) || o.Name == "." || o.Name == ".." {
		return fmt.Errorf("invalid file name %q", o.Name)
	}
	if !strings.HasSuffix(strings.ToLower(o.Name), ".json") {
		o.Name += ".json"
	}
	if o.Port <= 0 || o.Port > 65535 {
		return fmt.Errorf("invalid port %d", o.Port)
	}
	if o.UUID == "" {
		o.UUID = uuid.NewString()
	} else if _, err := uuid.Parse(o.UUID); err != nil {
		return fmt.Errorf("invalid uuid: %w", err)
	}
	switch o.Network {
	case "":
		o.Network = "tcp"
	case "tcp", "ws":
	default:
		return fmt.Errorf("unsupported network %q", o.Network)
	}
	if o.Network == "ws" && o.WSPath == "" {
		o.WSPath = "/"
	}
	return nil
}

type edit struct {
	path  string
	value any
}

// Build renders a client config: socks and http inbounds on loopback, one
// vmess outbound, a freedom "direct" outbound and a rule sending private
// addresses direct.
func Build(o Options) ([]byte, error) {
	if err := o.normalize(); err != nil {
		return nil, err
	}
	edits := []edit{
		{"log.loglevel", "warning"},
		{"inbounds.0", map[string]any{
			"port": SocksInboundPort, "listen": "127.0.0.1", "protocol": "socks",
			"settings": map[string]any{"auth": "noauth", "udp": true},
		}},
		{"inbounds.1", map[string]any{
			"port": HTTPInboundPort, "listen": "127.0.0.1", "protocol": "http",
			"settings": map[string]any{"auth": "noauth"},
		}},
		{"outbounds.0.protocol", "vmess"},
		{"outbounds.0.settings.vnext.0.address", o.Address},
		{"outbounds.0.settings.vnext.0.port", o.Port},
		{"outbounds.0.settings.vnext.0.users.0.id", o.UUID},
		{"outbounds.0.settings.vnext.0.users.0.alterId", 0},
		{"outbounds.0.streamSettings.network", o.Network},
	}
	if o.Network == "ws" {
		edits = append(edits, edit{"outbounds.0.streamSettings.wsSettings.path", o.WSPath})
	}
	if o.TLS {
		edits = append(edits,
			edit{"outbounds.0.streamSettings.security", "tls"},
			edit{"outbounds.0.streamSettings.tlsSettings.serverName", o.Address},
		)
	}
	edits = append(edits,
		edit{"outbounds.1", map[string]any{"protocol": "freedom", "tag": "direct"}},
		edit{"routing.domainStrategy", "AsIs"},
		edit{"routing.rules.0", map[string]any{"type": "field", "ip": []string{"geoip:private"}, "outboundTag": "direct"}},
	)

	doc := []byte("{}")
	for _, e := range edits {
		var err error
		if doc, err = sjson.SetBytes(doc, e.path, e.value); err != nil {
			return nil, fmt.Errorf("build %s: %w", e.path, err)
		}
	}
	return pretty.PrettyOptions(doc, prettyOpts), nil
}

// Generate writes a new config into dir and returns its path. An existing
// file is never overwritten.
func Generate(dir string, o Options) (string, error) {
	if err := o.normalize(); err != nil {
		return "", err
	}
	doc, err := Build(o)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", err
	}
	path := filepath.Join(dir, o.Name)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return "", fmt.Errorf("%w: %s", ErrExists, o.Name)
		}
		return "", err
	}
	if _, err := f.Write(doc); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return "", err
	}
	return path, f.Close()
}
