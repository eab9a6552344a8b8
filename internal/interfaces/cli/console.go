// Package cli is the interactive console: a readline loop over the session
// registry with live event rendering from the bus.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/chzyer/readline"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/miosa-osa/osa/internal/domain/budget"
	"github.com/miosa-osa/osa/internal/domain/service"
	domaintool "github.com/miosa-osa/osa/internal/domain/tool"
	"github.com/miosa-osa/osa/internal/infrastructure/eventbus"
)

// Agent is the session surface the console drives.
type Agent interface {
	HandleMessage(ctx context.Context, sessionID, channel, input string) (*service.TurnResult, error)
	Cancel(sessionID string) bool
}

// Deps carries the console's collaborators.
type Deps struct {
	Agent  Agent
	Bus    *eventbus.Bus
	Tools  *domaintool.Registry
	Budget *budget.Tracker
}

// Console is one interactive session bound to a terminal.
type Console struct {
	deps      Deps
	info      BannerInfo
	logger    *zap.Logger
	out       *renderer
	sessionID string
}

// New creates a console. A fresh session id is minted; /new rotates it.
func New(deps Deps, info BannerInfo, logger *zap.Logger) *Console {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Console{
		deps:      deps,
		info:      info,
		logger:    logger.With(zap.String("component", "console")),
		out:       newRenderer(),
		sessionID: uuid.NewString(),
	}
}

// Run blocks on the readline loop until /quit, EOF, or ctx cancellation.
func (c *Console) Run(ctx context.Context) error {
	fmt.Println(RenderBanner(c.info))

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "\001\033[1;36m\002❯\001\033[0m\002 ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("readline init: %w", err)
	}
	defer rl.Close()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}
		if strings.HasPrefix(input, "/") {
			res := c.command(input)
			if res.quit {
				return nil
			}
			if res.output != "" {
				c.out.Print(res.output)
			}
			continue
		}

		c.turn(ctx, input)
	}
}

// turn runs one agent turn with live event rendering. Ctrl+C during the
// turn cancels it without leaving the console.
func (c *Console) turn(ctx context.Context, input string) {
	turnCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	intCh := make(chan os.Signal, 1)
	signal.Notify(intCh, syscall.SIGINT)
	defer signal.Stop(intCh)
	go func() {
		select {
		case <-intCh:
			c.deps.Agent.Cancel(c.sessionID)
			cancel()
		case <-turnCtx.Done():
		}
	}()

	c.out.BeginTurn()
	sub := c.deps.Bus.Subscribe("*", c.sessionID, c.out.Event)

	result, err := c.deps.Agent.HandleMessage(turnCtx, c.sessionID, "cli", input)

	c.deps.Bus.Unsubscribe(sub)
	c.out.StopSpinner()

	if err != nil {
		c.out.Error(err)
		return
	}
	// Tokens already streamed to the terminal need no reprint; a turn the
	// model answered without streaming gets its content printed whole.
	if !c.out.Streamed() && result.Content != "" {
		c.out.Print(result.Content)
	}
	c.out.EndTurn(result.Iterations, result.TokensIn+result.TokensOut, result.Model)
}
