package printer

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/mattn/go-runewidth"
	"golang.org/x/term"

	"github.com/mindgoner/propagator/internal/logger"
	"github.com/mindgoner/propagator/pkg/record"
)

// ColorScheme color scheme
type ColorScheme struct {
	MethodGET    *color.Color
	MethodPOST   *color.Color
	MethodPUT    *color.Color
	MethodDELETE *color.Color
	MethodPATCH  *color.Color
	HeaderKey    *color.Color
	HeaderValue  *color.Color
	Separator    *color.Color
	Timestamp    *color.Color
	BodyContent  *color.Color
	BinaryNotice *color.Color
	RemoteAddr   *color.Color
	Query        *color.Color
	OriginLocal  *color.Color
	OriginRemote *color.Color
}

// NewColorScheme creates a new color scheme
func NewColorScheme() *ColorScheme {
	return &ColorScheme{
		MethodGET:    color.New(color.FgBlue, color.Bold),
		MethodPOST:   color.New(color.FgGreen, color.Bold),
		MethodPUT:    color.New(color.FgYellow, color.Bold),
		MethodDELETE: color.New(color.FgRed, color.Bold),
		MethodPATCH:  color.New(color.FgMagenta, color.Bold),
		HeaderKey:    color.New(color.FgCyan),
		HeaderValue:  color.New(color.FgWhite),
		Separator:    color.New(color.FgYellow, color.Bold),
		Timestamp:    color.New(color.FgHiBlack),
		BodyContent:  color.New(color.FgWhite),
		BinaryNotice: color.New(color.FgHiRed, color.Bold),
		RemoteAddr:   color.New(color.FgHiBlue),
		Query:        color.New(color.FgHiMagenta),
		OriginLocal:  color.New(color.FgGreen),
		OriginRemote: color.New(color.FgHiCyan),
	}
}

// ConsolePrinter console printer
type ConsolePrinter struct {
	colorScheme *ColorScheme
	logger      logger.Logger
	out         io.Writer
	mu          sync.Mutex
}

// NewConsolePrinter creates a new console printer
func NewConsolePrinter(logger logger.Logger) *ConsolePrinter {
	return &ConsolePrinter{
		colorScheme: NewColorScheme(),
		logger:      logger,
		out:         color.Output,
	}
}

// getTerminalWidth gets the current terminal width with fallback
func (p *ConsolePrinter) getTerminalWidth() int {
	if testWidth := os.Getenv("PROPAGATOR_TEST_WIDTH"); testWidth != "" {
		if width, err := strconv.Atoi(testWidth); err == nil {
			return clampWidth(width)
		}
	}

	width, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil {
		return 80
	}
	return clampWidth(width)
}

func clampWidth(width int) int {
	switch {
	case width < 40:
		return 40
	case width > 150:
		return 150
	default:
		return width
	}
}

// wrapText wraps text to fit within the specified display width, preserving words
func wrapText(text string, maxWidth int) []string {
	if maxWidth <= 0 {
		return []string{text}
	}

	words := strings.Fields(text)
	if len(words) == 0 {
		return []string{""}
	}

	var lines []string
	currentLine := words[0]
	currentWidth := runewidth.StringWidth(currentLine)

	for _, word := range words[1:] {
		wordWidth := runewidth.StringWidth(word)
		if currentWidth+1+wordWidth > maxWidth {
			lines = append(lines, currentLine)
			currentLine = word
			currentWidth = wordWidth
			continue
		}
		currentLine += " " + word
		currentWidth += 1 + wordWidth
	}
	return append(lines, currentLine)
}

// PrintRecord prints a record using raw HTTP message layout
func (p *ConsolePrinter) PrintRecord(rec *record.Record, origin string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	requestNum := nextRequestNumber()
	width := p.getTerminalWidth()

	p.printSummary(requestNum, rec, origin, width)
	p.printRequestLine(rec)
	p.printHeaders(rec.Headers, width)
	fmt.Fprintln(p.out)
	p.printBody(rec)
	fmt.Fprintln(p.out)
	return nil
}

func (p *ConsolePrinter) printSummary(requestNum uint64, rec *record.Record, origin string, width int) {
	separator := strings.Repeat("-", clampWidth(width))
	p.colorScheme.Separator.Fprintln(p.out, separator)
	p.colorScheme.Separator.Fprintf(p.out, "Request #%d  ", requestNum)
	p.colorScheme.Timestamp.Fprint(p.out, rec.ReceivedAt.Local().Format("2006-01-02T15:04:05.000-07:00"))
	fmt.Fprint(p.out, "  ")
	p.originColor(origin).Fprintf(p.out, "[%s]", origin)
	fmt.Fprintln(p.out)
	p.printMetadataLine(rec)
	p.colorScheme.Separator.Fprintln(p.out, separator)
	fmt.Fprintln(p.out)
}

func (p *ConsolePrinter) printMetadataLine(rec *record.Record) {
	first := true
	addSep := func() {
		if first {
			first = false
			return
		}
		fmt.Fprint(p.out, " | ")
	}

	addSep()
	fmt.Fprint(p.out, "ID: ")
	p.colorScheme.HeaderValue.Fprint(p.out, rec.ID)

	if rec.IP != "" {
		addSep()
		fmt.Fprint(p.out, "Remote: ")
		p.colorScheme.RemoteAddr.Fprint(p.out, rec.IP)
	}

	if rec.UserAgent != "" {
		addSep()
		fmt.Fprint(p.out, "UA: ")
		p.colorScheme.BodyContent.Fprint(p.out, rec.UserAgent)
	}

	if ct := rec.Headers.Get("Content-Type"); ct != "" {
		addSep()
		fmt.Fprint(p.out, "Content-Type: ")
		p.colorScheme.HeaderValue.Fprint(p.out, ct)
	}

	addSep()
	fmt.Fprint(p.out, "Size: ")
	p.colorScheme.BodyContent.Fprint(p.out, humanize.Bytes(uint64(len(rec.Body))))
	fmt.Fprintln(p.out)
}

func (p *ConsolePrinter) printRequestLine(rec *record.Record) {
	method := strings.ToUpper(rec.Method)
	path := rec.Path
	if path == "" {
		path = "/"
	}

	p.getMethodColor(method).Fprintf(p.out, "%s ", method)
	fmt.Fprint(p.out, path)

	if len(rec.QueryParams) > 0 {
		fmt.Fprint(p.out, "?")
		p.colorScheme.Query.Fprint(p.out, rec.QueryParams.Encode())
	}
	fmt.Fprintln(p.out, " HTTP/1.1")
}

func (p *ConsolePrinter) printHeaders(headers http.Header, width int) {
	if len(headers) == 0 {
		return
	}

	keys := make([]string, 0, len(headers))
	for key := range headers {
		if shouldSkipHeader(strings.ToLower(key)) {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		displayValue := strings.Join(headers[key], ", ")
		if isSensitiveHeader(strings.ToLower(key)) {
			displayValue = "[REDACTED]"
		}
		p.printHeaderLine(key, displayValue, width)
	}
}

func (p *ConsolePrinter) printHeaderLine(key, value string, width int) {
	prefix := key + ": "
	prefixWidth := runewidth.StringWidth(prefix)
	available := width - prefixWidth
	if available < 20 {
		available = 20
	}

	wrapped := wrapText(value, available)
	p.colorScheme.HeaderKey.Fprint(p.out, prefix)
	p.colorScheme.HeaderValue.Fprintln(p.out, wrapped[0])

	indent := strings.Repeat(" ", prefixWidth)
	for _, line := range wrapped[1:] {
		fmt.Fprint(p.out, indent)
		p.colorScheme.HeaderValue.Fprintln(p.out, line)
	}
}

func (p *ConsolePrinter) printBody(rec *record.Record) {
	bodySize := humanize.Bytes(uint64(len(rec.Body)))

	if len(rec.Body) == 0 {
		p.colorScheme.BodyContent.Fprintf(p.out, "[Empty Body - %s]\n", bodySize)
		return
	}

	if !utf8.Valid(rec.Body) {
		p.colorScheme.BinaryNotice.Fprintf(p.out, "[Binary Body: %s, %s. Content skipped.]\n", rec.Headers.Get("Content-Type"), bodySize)
		return
	}

	for _, line := range strings.Split(string(rec.Body), "\n") {
		trimmed := strings.TrimRight(line, "\r")
		if trimmed == "" {
			fmt.Fprintln(p.out)
			continue
		}
		p.colorScheme.BodyContent.Fprintln(p.out, trimmed)
	}
}

func (p *ConsolePrinter) originColor(origin string) *color.Color {
	if origin == "remote" {
		return p.colorScheme.OriginRemote
	}
	return p.colorScheme.OriginLocal
}

// getMethodColor gets the corresponding color based on HTTP method
func (p *ConsolePrinter) getMethodColor(method string) *color.Color {
	switch method {
	case http.MethodGet:
		return p.colorScheme.MethodGET
	case http.MethodPost:
		return p.colorScheme.MethodPOST
	case http.MethodPut:
		return p.colorScheme.MethodPUT
	case http.MethodDelete:
		return p.colorScheme.MethodDELETE
	case http.MethodPatch:
		return p.colorScheme.MethodPATCH
	default:
		return color.New(color.FgWhite, color.Bold)
	}
}

var sensitiveHeaders = map[string]bool{
	"authorization":   true,
	"cookie":          true,
	"set-cookie":      true,
	"x-api-key":       true,
	"x-auth-token":    true,
	"x-csrf-token":    true,
	"x-session-token": true,
}

// isSensitiveHeader checks if it's sensitive header information
func isSensitiveHeader(key string) bool {
	return sensitiveHeaders[key]
}

var skippedHeaders = map[string]bool{
	"connection":        true,
	"keep-alive":        true,
	"proxy-connection":  true,
	"te":                true,
	"trailer":           true,
	"transfer-encoding": true,
	"upgrade":           true,
}

// shouldSkipHeader checks if header should be skipped from display
func shouldSkipHeader(key string) bool {
	return skippedHeaders[key]
}
