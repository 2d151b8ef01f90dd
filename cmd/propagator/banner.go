package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/mattn/go-runewidth"

	"github.com/mindgoner/propagator/internal/config"
)

var (
	bannerBorder = color.New(color.FgCyan)
	bannerTitle  = color.New(color.FgHiWhite, color.Bold)
)

func printStartupBanner(w io.Writer, cfg *config.Config, serve bool) {
	titleLine := fmt.Sprintf("Propagator v%s", version)
	subtitleLine := "HTTP Request Replication"

	var lines []string
	if serve {
		watchPath := cfg.Server.Path
		if watchPath == "/" {
			watchPath = "/ (All Paths)"
		}
		lines = append(lines, fmt.Sprintf("🚀 Listening on:   http://0.0.0.0:%d", cfg.Server.Port))
		lines = append(lines, fmt.Sprintf("🎯 Capturing:      %s", watchPath))
		lines = append(lines, fmt.Sprintf("📤 Pull Endpoint:  %s", cfg.Pull.Path))
		if cfg.Push.Enable {
			target := cfg.Push.Path
			if cfg.Push.Driver == "redis" {
				target = "redis " + cfg.Push.Channel
			}
			lines = append(lines, fmt.Sprintf("📣 Push:           %s", target))
		} else {
			lines = append(lines, "📣 Push:           Disabled")
		}
	}
	lines = append(lines, fmt.Sprintf("💾 Storage:        %s", cfg.Storage.Driver))
	lines = append(lines, fmt.Sprintf("📊 Log Level:      %s", cfg.Log.Level))

	lines = append(lines, "")
	if len(cfg.Replication.Peers) > 0 {
		lines = append(lines, fmt.Sprintf("🔁 Peers:          %d (%s mode)", len(cfg.Replication.Peers), cfg.Replication.Mode))
		for _, peer := range cfg.Replication.Peers {
			lines = append(lines, fmt.Sprintf("   └─ %s", peer.URL))
		}
		lines = append(lines, fmt.Sprintf("   Replay to:      %s", cfg.Replication.LocalBaseURL))
	} else {
		lines = append(lines, "🔁 Peers:          None")
	}

	if serve {
		if len(cfg.Forward.URLs) > 0 {
			lines = append(lines, fmt.Sprintf("🔀 Forward:        %d Target(s)", len(cfg.Forward.URLs)))
			for _, url := range cfg.Forward.URLs {
				lines = append(lines, fmt.Sprintf("   └─ %s", url))
			}
		} else {
			lines = append(lines, "🔀 Forward:        None")
		}
	}

	lines = append(lines, "", "(Press Ctrl+C to stop)")

	maxLength := runewidth.StringWidth(titleLine)
	for _, line := range append(lines, subtitleLine) {
		if width := runewidth.StringWidth(line); width > maxLength {
			maxLength = width
		}
	}

	boxWidth := maxLength + 4
	if boxWidth < 50 {
		boxWidth = 50
	}

	fmt.Fprintln(w)
	bannerBorder.Fprintf(w, "┌%s┐\n", strings.Repeat("─", boxWidth-2))
	printBoxContent(w, titleLine, boxWidth, true, bannerTitle)
	printBoxContent(w, subtitleLine, boxWidth, true, nil)
	bannerBorder.Fprintf(w, "├%s┤\n", strings.Repeat("─", boxWidth-2))
	for _, line := range lines {
		printBoxContent(w, line, boxWidth, false, nil)
	}
	bannerBorder.Fprintf(w, "└%s┘\n", strings.Repeat("─", boxWidth-2))
	fmt.Fprintln(w)
}

// printBoxContent prints one padded line between the box borders
func printBoxContent(w io.Writer, content string, boxWidth int, center bool, c *color.Color) {
	padding := boxWidth - 2 - runewidth.StringWidth(content)
	if padding < 0 {
		padding = 0
	}

	leftPad, rightPad := "  ", ""
	if center {
		leftPad = strings.Repeat(" ", padding/2)
		rightPad = strings.Repeat(" ", padding-padding/2)
	} else if padding > 2 {
		rightPad = strings.Repeat(" ", padding-2)
	}

	bannerBorder.Fprint(w, "│")
	fmt.Fprint(w, leftPad)
	if c != nil {
		c.Fprint(w, content)
	} else {
		fmt.Fprint(w, content)
	}
	fmt.Fprint(w, rightPad)
	bannerBorder.Fprintln(w, "│")
}
