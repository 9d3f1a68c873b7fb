package spectator

import (
	"context"
	"encoding/json"
	"errors"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"

	"github.com/lox/coinflip/internal/client"
	"github.com/lox/coinflip/internal/protocol"
)

type Options struct {
	History int
	NoColor bool
}

// Watch joins contestID as a spectator on a connected client and runs the
// screen until the user quits or ctx ends.
func Watch(ctx context.Context, c *client.Client, contestID string, opts Options) error {
	if opts.NoColor {
		lipgloss.SetColorProfile(termenv.Ascii)
	}

	model := NewModel(contestID, opts.History)
	program := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx))

	c.On(protocol.TypeContestState, func(env *protocol.Envelope) {
		if v, err := client.DecodeState(env); err == nil {
			program.Send(StateMsg(v))
		}
	})
	c.On(protocol.TypeRejected, func(env *protocol.Envelope) {
		var r protocol.Rejected
		if err := json.Unmarshal(env.Data, &r); err == nil {
			program.Send(RejectedMsg{Code: r.Code, Message: r.Message})
		}
	})
	go func() {
		select {
		case <-c.Done():
			program.Send(DisconnectedMsg{})
		case <-ctx.Done():
		}
	}()

	if err := c.Join(contestID, "", ""); err != nil {
		return err
	}
	if _, err := program.Run(); err != nil && !(errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil) {
		return err
	}
	return nil
}
