package probe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/tidwall/gjson"

	"github.com/loykin/coreshell/internal/logbuf"
	"github.com/loykin/coreshell/internal/metrics"
	"github.com/loykin/coreshell/internal/relay"
)

const (
	DefaultLatencyTimeout = 10 * time.Second
	DefaultSpeedTimeout   = 60 * time.Second
	DefaultSpeedURL       = "http://cachefly.cachefly.net/10mb.test"
)

var ErrProbeUnavailable = errors.New("probe unavailable")

// Endpoints is what the probes need from a core config. Zero values mean
// the config did not provide the field.
type Endpoints struct {
	Address  string `json:"address,omitempty"`
	Port     int    `json:"port,omitempty"`
	HTTPPort int    `json:"http_port,omitempty"`
}

func (e Endpoints) HasServer() bool { return e.Address != "" && e.Port > 0 }
func (e Endpoints) HasHTTP() bool   { return e.HTTPPort > 0 }

// ExtractEndpoints reads the first vmess/vless outbound's first vnext entry
// and the first http inbound. Unparsable input yields the zero Endpoints.
func ExtractEndpoints(raw []byte) Endpoints {
	if !gjson.ValidBytes(raw) {
		return Endpoints{}
	}
	root := gjson.ParseBytes(raw)
	var ep Endpoints
	root.Get("outbounds").ForEach(func(_, ob gjson.Result) bool {
		switch ob.Get("protocol").String() {
		case "vmess", "vless":
		default:
			return true
		}
		v := ob.Get("settings.vnext.0")
		if !v.Exists() {
			return true
		}
		ep.Address = v.Get("address").String()
		ep.Port = port(v.Get("port"))
		return false
	})
	root.Get("inbounds").ForEach(func(_, ib gjson.Result) bool {
		if ib.Get("protocol").String() != "http" {
			return true
		}
		ep.HTTPPort = port(ib.Get("port"))
		return false
	})
	return ep
}

func port(r gjson.Result) int {
	n := r.Int()
	if n <= 0 || n > 65535 {
		return 0
	}
	return int(n)
}

// Latency measures how long a TCP connect to host:port takes.
func Latency(ctx context.Context, host string, port int, timeout time.Duration) (time.Duration, error) {
	if timeout <= 0 {
		timeout = DefaultLatencyTimeout
	}
	d := net.Dialer{Timeout: timeout}
	begin := time.Now()
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return 0, err
	}
	rtt := time.Since(begin)
	_ = conn.Close()
	return rtt, nil
}

// SpeedResult is one download measurement.
type SpeedResult struct {
	Bytes    int64         `json:"bytes"`
	Duration time.Duration `json:"duration"`
	Mbps     float64       `json:"mbps"`
}

// Speed downloads target through the HTTP proxy on 127.0.0.1:httpPort.
func Speed(ctx context.Context, httpPort int, target string, timeout time.Duration) (SpeedResult, error) {
	if timeout <= 0 {
		timeout = DefaultSpeedTimeout
	}
	if target == "" {
		target = DefaultSpeedURL
	}
	proxy := &url.URL{Scheme: "http", Host: net.JoinHostPort("127.0.0.1", strconv.Itoa(httpPort))}
	tr := &http.Transport{Proxy: http.ProxyURL(proxy), DisableKeepAlives: true}
	defer tr.CloseIdleConnections()
	client := &http.Client{Transport: tr, Timeout: timeout}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return SpeedResult{}, err
	}
	begin := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return SpeedResult{}, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode/100 != 2 {
		return SpeedResult{}, fmt.Errorf("unexpected status %s", resp.Status)
	}
	n, err := io.Copy(io.Discard, resp.Body)
	if err != nil {
		return SpeedResult{}, err
	}
	res := SpeedResult{Bytes: n, Duration: time.Since(begin)}
	if res.Duration <= 0 {
		return res, errors.New("download finished too quickly to measure")
	}
	res.Mbps = float64(n) * 8 / res.Duration.Seconds() / (1024 * 1024)
	return res, nil
}

// Failure kinds used in metrics and messages.
const (
	FailUnavailable = "unavailable"
	FailTimeout     = "timeout"
	FailRefused     = "refused"
	FailDNS         = "dns"
	FailNetwork     = "network"
)

// Classify maps a probe error to a failure kind.
func Classify(err error) string {
	var dnsErr *net.DNSError
	var netErr net.Error
	var opErr *net.OpError
	switch {
	case errors.Is(err, ErrProbeUnavailable):
		return FailUnavailable
	case errors.As(err, &dnsErr):
		return FailDNS
	case errors.Is(err, context.DeadlineExceeded):
		return FailTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		return FailTimeout
	case errors.Is(err, syscall.ECONNREFUSED):
		return FailRefused
	case errors.As(err, &opErr) && opErr.Err != nil && strings.Contains(opErr.Err.Error(), "refused"):
		return FailRefused
	default:
		return FailNetwork
	}
}

// Config tunes a Prober.
type Config struct {
	SpeedURL       string
	LatencyTimeout time.Duration
	SpeedTimeout   time.Duration
}

// LatencyResult is one TCP ping.
type LatencyResult struct {
	Address string        `json:"address"`
	Port    int           `json:"port"`
	RTT     time.Duration `json:"rtt"`
}

// Prober runs probes against a core config and reports progress as log
// lines, the way a user watching the log would expect.
type Prober struct {
	cfg    Config
	sink   relay.Sink
	logger *slog.Logger
}

func New(cfg Config, sink relay.Sink, logger *slog.Logger) *Prober {
	if sink == nil {
		sink = relay.Discard
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SpeedURL == "" {
		cfg.SpeedURL = DefaultSpeedURL
	}
	return &Prober{cfg: cfg, sink: sink, logger: logger.With("component", "probe")}
}

func (p *Prober) say(format string, args ...any) {
	p.sink.Append(logbuf.SourceSupervisor, fmt.Sprintf(format, args...))
}

// Latency TCP-pings the upstream server named in raw.
func (p *Prober) Latency(ctx context.Context, raw []byte) (LatencyResult, error) {
	p.say("Testing latency...")
	ep := ExtractEndpoints(raw)
	if !ep.HasServer() {
		p.say("Latency test failed: server address or port not found in config.")
		metrics.IncProbeFailure(FailUnavailable)
		return LatencyResult{}, fmt.Errorf("%w: no vmess/vless server in config", ErrProbeUnavailable)
	}
	res := LatencyResult{Address: ep.Address, Port: ep.Port}
	rtt, err := Latency(ctx, ep.Address, ep.Port, p.cfg.LatencyTimeout)
	if err != nil {
		kind := Classify(err)
		metrics.IncProbeFailure(kind)
		target := net.JoinHostPort(ep.Address, strconv.Itoa(ep.Port))
		switch kind {
		case FailTimeout:
			p.say("Latency test failed: connecting to %s timed out.", target)
		case FailRefused:
			p.say("Latency test failed: connection to %s refused.", target)
		case FailDNS:
			p.say("Latency test failed: cannot resolve server address %s.", ep.Address)
		default:
			p.say("Latency test error: %v", err)
		}
		p.logger.Info("latency probe failed", "target", target, "kind", kind, "error", err)
		return res, err
	}
	res.RTT = rtt
	metrics.ObserveLatency(ep.Address, rtt.Seconds())
	p.say("TCP ping succeeded: latency %.2f ms", float64(rtt.Microseconds())/1000)
	return res, nil
}

// Speed downloads the configured test file through the core's HTTP inbound.
func (p *Prober) Speed(ctx context.Context, raw []byte) (SpeedResult, error) {
	p.say("Testing download speed... (this may take a while)")
	ep := ExtractEndpoints(raw)
	if !ep.HasHTTP() {
		p.say("Speed test failed: HTTP inbound port not found in config.")
		metrics.IncProbeFailure(FailUnavailable)
		return SpeedResult{}, fmt.Errorf("%w: no http inbound in config", ErrProbeUnavailable)
	}
	p.say("Downloading %s to measure speed...", p.cfg.SpeedURL)
	res, err := Speed(ctx, ep.HTTPPort, p.cfg.SpeedURL, p.cfg.SpeedTimeout)
	if err != nil {
		metrics.IncProbeFailure(Classify(err))
		p.say("Speed test failed: network error - %v", err)
		p.logger.Info("speed probe failed", "http_port", ep.HTTPPort, "error", err)
		return res, err
	}
	metrics.SetSpeed(res.Mbps)
	p.say("Speed test finished: about %.2f Mbps", res.Mbps)
	return res, nil
}
