package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/loykin/coreshell/pkg/client"
)

func printJSON(w io.Writer, v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	_, _ = fmt.Fprintln(w, string(b))
}

// statusLine is the one-line form used by status --watch.
func statusLine(st client.Status) string {
	var b strings.Builder
	b.WriteString(st.State)
	if st.PID > 0 {
		fmt.Fprintf(&b, " pid=%d", st.PID)
	}
	if st.ConfigPath != "" {
		fmt.Fprintf(&b, " config=%s", st.ConfigPath)
	}
	if st.ProxyEnabled {
		b.WriteString(" proxy=on")
	}
	if st.Usage != nil {
		fmt.Fprintf(&b, " cpu=%.1f%% mem=%.1fMB", st.Usage.CPUPercent, st.Usage.MemoryMB)
	}
	return b.String()
}

func formatLine(ln client.LogLine) string {
	ts := ""
	if !ln.Time.IsZero() {
		ts = ln.Time.Local().Format("15:04:05") + " "
	}
	if ln.Source == "supervisor" {
		return ts + ln.Text
	}
	return fmt.Sprintf("%s[%s] %s", ts, ln.Source, ln.Text)
}
