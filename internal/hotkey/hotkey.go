package hotkey

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
)

var ErrInvalid = errors.New("invalid hotkey")

// modifier ordering used by Combo.String
var modifierRank = map[string]int{
	"ctrl": 1, "ctrl_l": 1, "ctrl_r": 1,
	"alt": 2, "alt_l": 2, "alt_r": 2, "alt_gr": 2,
	"shift": 3, "shift_l": 3, "shift_r": 3,
	"cmd": 4, "cmd_l": 4, "cmd_r": 4,
}

var namedKeys = map[string]bool{
	"space": true, "enter": true, "tab": true, "esc": true, "backspace": true,
	"delete": true, "insert": true, "home": true, "end": true, "page_up": true,
	"page_down": true, "up": true, "down": true, "left": true, "right": true,
	"caps_lock": true, "num_lock": true, "scroll_lock": true, "menu": true,
	"pause": true, "print_screen": true, "media_play_pause": true,
	"media_next": true, "media_previous": true, "media_volume_up": true,
	"media_volume_down": true, "media_volume_mute": true,
}

func init() {
	for i := 1; i <= 20; i++ {
		namedKeys["f"+strconv.Itoa(i)] = true
	}
}

// Combo is a parsed key combination such as "<ctrl>+<alt>+e".
type Combo struct {
	keys []string // canonical tokens, e.g. "<ctrl>", "e"
}

// Parse validates s. Named keys go in angle brackets, plain keys are single
// characters, and a number in brackets is a raw virtual key code.
func Parse(s string) (Combo, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Combo{}, fmt.Errorf("%w: empty", ErrInvalid)
	}
	// "+" itself is a key: "<ctrl>++" splits into "<ctrl>", "", ""
	raw := strings.Split(s, "+")
	var parts []string
	for i := 0; i < len(raw); i++ {
		if raw[i] == "" && i+1 < len(raw) && raw[i+1] == "" {
			parts = append(parts, "+")
			i++
			continue
		}
		parts = append(parts, strings.TrimSpace(raw[i]))
	}

	seen := map[string]bool{}
	var c Combo
	for _, p := range parts {
		tok, err := canonical(p)
		if err != nil {
			return Combo{}, fmt.Errorf("%w %q: %v", ErrInvalid, s, err)
		}
		if seen[tok] {
			return Combo{}, fmt.Errorf("%w %q: repeated key %s", ErrInvalid, s, tok)
		}
		seen[tok] = true
		c.keys = append(c.keys, tok)
	}
	return c, nil
}

func canonical(p string) (string, error) {
	if p == "" {
		return "", errors.New("empty key")
	}
	if strings.HasPrefix(p, "<") && strings.HasSuffix(p, ">") && len(p) > 2 {
		name := strings.ToLower(p[1 : len(p)-1])
		if _, ok := modifierRank[name]; ok || namedKeys[name] {
			return "<" + name + ">", nil
		}
		if n, err := strconv.Atoi(name); err == nil && n > 0 && n < 1<<16 {
			return "<" + name + ">", nil
		}
		return "", fmt.Errorf("unknown key %s", p)
	}
	if len([]rune(p)) != 1 {
		return "", fmt.Errorf("key %q must be one character or a <name>", p)
	}
	return strings.ToLower(p), nil
}

func rank(tok string) int {
	if strings.HasPrefix(tok, "<") {
		if r, ok := modifierRank[tok[1:len(tok)-1]]; ok {
			return r
		}
	}
	return 100
}

// String returns the canonical form: modifiers first in a fixed order, then
// the remaining keys as written.
func (c Combo) String() string {
	keys := append([]string(nil), c.keys...)
	sort.SliceStable(keys, func(i, j int) bool { return rank(keys[i]) < rank(keys[j]) })
	return strings.Join(keys, "+")
}

// Keys returns the canonical tokens in the order given.
func (c Combo) Keys() []string { return append([]string(nil), c.keys...) }

// Action is what a binding does.
type Action string

const (
	ActionEnableProxy  Action = "enable_proxy"
	ActionDisableProxy Action = "disable_proxy"
	ActionStartCore    Action = "start_core"
	ActionStopCore     Action = "stop_core"
)

type binding struct {
	action Action
	fn     func()
}

// Dispatcher maps combos to actions. Key capture is external: whatever
// listens to the keyboard calls Fire with the pressed combination.
type Dispatcher struct {
	mu       sync.RWMutex
	bindings map[string]binding
	logger   *slog.Logger
}

func NewDispatcher(logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{bindings: map[string]binding{}, logger: logger.With("component", "hotkey")}
}

// Bind registers combo for action. Binding a combo twice replaces the action.
func (d *Dispatcher) Bind(combo string, action Action, fn func()) error {
	c, err := Parse(combo)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.bindings[c.String()] = binding{action: action, fn: fn}
	d.mu.Unlock()
	return nil
}

// Reset removes every binding.
func (d *Dispatcher) Reset() {
	d.mu.Lock()
	d.bindings = map[string]binding{}
	d.mu.Unlock()
}

// Fire runs the action bound to combo on a new goroutine and reports which
// action matched.
func (d *Dispatcher) Fire(combo string) (Action, bool) {
	c, err := Parse(combo)
	if err != nil {
		d.logger.Debug("ignoring unparsable combo", "combo", combo, "error", err)
		return "", false
	}
	d.mu.RLock()
	b, ok := d.bindings[c.String()]
	d.mu.RUnlock()
	if !ok {
		return "", false
	}
	d.logger.Info("hotkey pressed", "combo", c.String(), "action", b.action)
	if b.fn != nil {
		go b.fn()
	}
	return b.action, true
}

// Bindings returns the canonical combo of every binding.
func (d *Dispatcher) Bindings() map[string]Action {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[string]Action, len(d.bindings))
	for k, b := range d.bindings {
		out[k] = b.action
	}
	return out
}
