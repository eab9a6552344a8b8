package cli

import (
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
)

type commandResult struct {
	output string
	quit   bool
}

// command dispatches one slash command line.
func (c *Console) command(line string) commandResult {
	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit", "/exit", "/q":
		return commandResult{output: "bye", quit: true}

	case "/help", "/?":
		return commandResult{output: helpText()}

	case "/tools":
		return commandResult{output: c.toolList()}

	case "/status":
		return commandResult{output: c.status()}

	case "/new":
		c.deps.Agent.Cancel(c.sessionID)
		c.sessionID = uuid.NewString()
		return commandResult{output: ansiDim + "started session " + c.sessionID[:8] + ansiReset}

	case "/session":
		return commandResult{output: "session " + c.sessionID}

	default:
		return commandResult{output: fmt.Sprintf("unknown command %s, try /help", fields[0])}
	}
}

func helpText() string {
	return strings.TrimSpace(`
/help      show this help
/tools     list registered tools
/status    budget and session status
/session   print the current session id
/new       start a fresh session
/quit      exit`)
}

func (c *Console) toolList() string {
	if c.deps.Tools == nil {
		return "no tool registry attached"
	}
	defs := c.deps.Tools.List()
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })

	var b strings.Builder
	for _, d := range defs {
		fmt.Fprintf(&b, "%s%-16s%s %s\n", ansiCyan, d.Name, ansiReset, d.Description)
	}
	return strings.TrimRight(b.String(), "\n")
}

func (c *Console) status() string {
	var b strings.Builder
	fmt.Fprintf(&b, "session   %s\n", c.sessionID)
	fmt.Fprintf(&b, "model     %s\n", c.info.Model)
	if c.deps.Budget != nil {
		s := c.deps.Budget.Snapshot()
		fmt.Fprintf(&b, "spend     $%.4f today · $%.4f this month · %d calls\n",
			s.DailyUSD, s.MonthlyUSD, s.DailyCalls)
	}
	if c.deps.Bus != nil {
		if drops := c.deps.Bus.DropCounts(); len(drops) > 0 {
			fmt.Fprintf(&b, "bus drops %v\n", drops)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
