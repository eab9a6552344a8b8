package cli

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/term"

	"github.com/miosa-osa/osa/internal/infrastructure/eventbus"
)

const (
	ansiReset = "\033[0m"
	ansiBold  = "\033[1m"
	ansiCyan  = "\033[96m"
	ansiGreen = "\033[92m"
	ansiRed   = "\033[91m"
	ansiAmber = "\033[93m"
	ansiDim   = "\033[90m"
	clearLine = "\033[2K\r"
)

var spinnerFrames = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

func termWidth() int {
	if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w > 20 {
		return w
	}
	return 80
}

// renderer serializes turn output. Bus events arrive on drain goroutines
// while the readline loop owns the prompt, so every write goes through mu.
type renderer struct {
	mu       sync.Mutex
	streamed bool
	spinning bool
	spinText string
	stopSpin chan struct{}
}

func newRenderer() *renderer {
	return &renderer{}
}

// BeginTurn resets the per-turn state and starts the spinner.
func (r *renderer) BeginTurn() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.streamed = false
	r.startSpinnerLocked("thinking...")
}

// Streamed reports whether any token deltas were printed this turn.
func (r *renderer) Streamed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.streamed
}

// Event renders one bus event for the active turn.
func (r *renderer) Event(evt eventbus.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch evt.Topic {
	case eventbus.TopicStreamingToken:
		delta, _ := evt.Payload["delta"].(string)
		if delta == "" {
			return
		}
		r.stopSpinnerLocked()
		fmt.Print(delta)
		r.streamed = true

	case eventbus.TopicToolCall:
		name, _ := evt.Payload["tool_name"].(string)
		args, _ := evt.Payload["arguments"].(map[string]any)
		r.stopSpinnerLocked()
		fmt.Printf("\n%s⊷%s %s%s%s %s%s%s\n",
			ansiAmber, ansiReset,
			ansiCyan+ansiBold, name, ansiReset,
			ansiDim, argSummary(args), ansiReset)
		r.startSpinnerLocked(name + " running...")

	case eventbus.TopicToolResult:
		name, _ := evt.Payload["tool_name"].(string)
		success, _ := evt.Payload["success"].(bool)
		dur, _ := evt.Payload["duration_ms"].(int64)
		r.stopSpinnerLocked()
		icon, color := "✓", ansiGreen
		if !success {
			icon, color = "✗", ansiRed
		}
		fmt.Printf("%s%s%s %s%s (%s)%s\n",
			color, icon, ansiReset,
			ansiDim, name, fmtDurMs(dur), ansiReset)
		r.startSpinnerLocked("thinking...")

	case eventbus.TopicContextPressure:
		state, _ := evt.Payload["state"].(string)
		r.printNoteLocked("context pressure: " + state)

	case eventbus.TopicNoiseDropped:
		r.printNoteLocked("filtered as noise")

	case eventbus.TopicHookBlocked:
		reason, _ := evt.Payload["reason"].(string)
		r.printNoteLocked("blocked by hook: " + reason)
	}
}

// EndTurn stops the spinner and prints the turn summary line.
func (r *renderer) EndTurn(iterations, tokens int, model string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopSpinnerLocked()
	if iterations > 0 {
		summary := fmt.Sprintf("%d iterations · %s tokens · %s", iterations, fmtTokens(tokens), model)
		rule := strings.Repeat("─", max(3, termWidth()-len([]rune(summary))-6))
		fmt.Printf("\n%s─── %s %s%s\n", ansiDim, summary, rule, ansiReset)
	}
}

// Error stops the spinner and prints an error line.
func (r *renderer) Error(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopSpinnerLocked()
	fmt.Printf("\n%s✗ %v%s\n", ansiRed+ansiBold, err, ansiReset)
}

// Print writes plain output with the spinner suspended.
func (r *renderer) Print(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopSpinnerLocked()
	fmt.Println(text)
}

func (r *renderer) printNoteLocked(note string) {
	r.stopSpinnerLocked()
	fmt.Printf("%s· %s%s\n", ansiDim, note, ansiReset)
}

func (r *renderer) startSpinnerLocked(text string) {
	if r.spinning {
		r.spinText = text
		return
	}
	r.spinning = true
	r.spinText = text
	r.stopSpin = make(chan struct{})

	go func(stop chan struct{}) {
		ticker := time.NewTicker(80 * time.Millisecond)
		defer ticker.Stop()
		frame := 0
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				r.mu.Lock()
				if r.spinning {
					fmt.Printf("%s%s%s%s %s%s%s", clearLine,
						ansiCyan, spinnerFrames[frame%len(spinnerFrames)], ansiReset,
						ansiDim, r.spinText, ansiReset)
				}
				r.mu.Unlock()
				frame++
			}
		}
	}(r.stopSpin)
}

func (r *renderer) stopSpinnerLocked() {
	if !r.spinning {
		return
	}
	r.spinning = false
	close(r.stopSpin)
	fmt.Print(clearLine)
}

// StopSpinner halts the spinner from outside the event path.
func (r *renderer) StopSpinner() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopSpinnerLocked()
}

// argSummary picks the most telling argument for the one-line tool header.
func argSummary(args map[string]any) string {
	if len(args) == 0 {
		return ""
	}
	for _, key := range []string{"command", "path", "query", "task", "content"} {
		if v, ok := args[key]; ok {
			return clipArg(fmt.Sprintf("%v", v))
		}
	}
	for _, v := range args {
		return clipArg(fmt.Sprintf("%v", v))
	}
	return ""
}

func clipArg(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len([]rune(s)) > 60 {
		return string([]rune(s)[:59]) + "…"
	}
	return s
}

func fmtTokens(n int) string {
	if n >= 1000 {
		return fmt.Sprintf("%.1fk", float64(n)/1000)
	}
	return fmt.Sprintf("%d", n)
}

func fmtDurMs(ms int64) string {
	if ms < 1000 {
		return fmt.Sprintf("%dms", ms)
	}
	return fmt.Sprintf("%.1fs", float64(ms)/1000)
}
