package ui

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/BioHazard786/huddle/internal/mesh"
	"github.com/BioHazard786/huddle/internal/peer"
)

const activityLines = 5

// RosterSource is where the roster reads the current members from.
type RosterSource interface {
	Roster() []mesh.Member
}

// Muter toggles the local microphone.
type Muter interface {
	SetMuted(muted bool)
	Muted() bool
}

// RosterUI shows the live room roster until the user leaves.
type RosterUI struct {
	program *tea.Program
	model   *rosterModel
	updates chan mesh.Event
	done    chan struct{}
	wg      sync.WaitGroup
}

type rosterEventMsg mesh.Event

type rosterClosedMsg struct{}

type rosterModel struct {
	source  RosterSource
	muter   Muter
	roomKey string

	spinner  spinner.Model
	members  []mesh.Member
	activity []string
	updates  <-chan mesh.Event
	quitting bool
}

// NewRosterUI builds the roster for roomKey. Feed it with Notify.
func NewRosterUI(source RosterSource, muter Muter, roomKey string) *RosterUI {
	updates := make(chan mesh.Event, 64)
	return &RosterUI{
		model:   newRosterModel(source, muter, roomKey, updates),
		updates: updates,
		done:    make(chan struct{}),
	}
}

func newRosterModel(source RosterSource, muter Muter, roomKey string, updates <-chan mesh.Event) *rosterModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = SpinnerStyle

	return &rosterModel{
		source:  source,
		muter:   muter,
		roomKey: roomKey,
		spinner: s,
		members: source.Roster(),
		updates: updates,
	}
}

// Start runs the program inline, keeping earlier output visible.
func (ui *RosterUI) Start() {
	ui.program = tea.NewProgram(ui.model)
	ui.wg.Add(1)
	go func() {
		defer ui.wg.Done()
		defer close(ui.done)
		if _, err := ui.program.Run(); err != nil {
			fmt.Printf("UI error: %v\n", err)
		}
	}()
}

// Notify hands a roster change to the UI. It never blocks; when the UI is
// behind, the next event refreshes the whole roster anyway.
func (ui *RosterUI) Notify(ev mesh.Event) {
	select {
	case ui.updates <- ev:
	default:
	}
}

// Done is closed when the UI exits, including when the user presses q.
func (ui *RosterUI) Done() <-chan struct{} { return ui.done }

// Stop quits the UI and waits for it to restore the terminal.
func (ui *RosterUI) Stop() {
	if ui.program != nil {
		ui.program.Quit()
	}
	ui.wg.Wait()
}

func (m *rosterModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.listen())
}

func (m *rosterModel) listen() tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-m.updates
		if !ok {
			return rosterClosedMsg{}
		}
		return rosterEventMsg(ev)
	}
}

func (m *rosterModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "m":
			if m.muter != nil {
				m.muter.SetMuted(!m.muter.Muted())
			}
		}

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case rosterEventMsg:
		m.members = m.source.Roster()
		if line := describeEvent(mesh.Event(msg)); line != "" {
			m.activity = append(m.activity, line)
			if len(m.activity) > activityLines {
				m.activity = m.activity[len(m.activity)-activityLines:]
			}
		}
		return m, m.listen()

	case rosterClosedMsg:
		m.quitting = true
		return m, tea.Quit
	}

	return m, nil
}

func (m *rosterModel) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder

	mic := IconMic + " live"
	if m.muter != nil && m.muter.Muted() {
		mic = WarningStyle.Render(IconMuted + " muted")
	}
	fmt.Fprintf(&b, "\n%s %s  %s\n\n", IconSpeaker, TitleStyle.Render(m.roomKey), mic)

	if len(m.members) == 0 {
		fmt.Fprintf(&b, "%s %s\n", m.spinner.View(), MutedStyle.Render("Waiting for others to join..."))
	} else {
		b.WriteString(m.table())
		b.WriteString("\n")
	}

	for _, line := range m.activity {
		b.WriteString(MutedStyle.Render("  "+line) + "\n")
	}

	b.WriteString(FooterStyle.Render("m mute/unmute  q leave"))
	return b.String()
}

func (m *rosterModel) table() string {
	rows := make([][]string, 0, len(m.members))
	for _, member := range m.members {
		rows = append(rows, []string{
			member.DisplayName,
			member.Role.String(),
			m.stateLabel(member),
			fmt.Sprintf("%d", member.Attempts),
		})
	}

	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(Primary)).
		Headers("Name", "Role", "State", "Attempts").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return TableHeaderStyle
			case row%2 == 0:
				return TableRowStyle
			default:
				return TableRowAltStyle
			}
		}).
		Render()
}

func (m *rosterModel) stateLabel(member mesh.Member) string {
	switch {
	case member.Unreachable:
		return ErrorStyle.Render("unreachable")
	case member.State == peer.Connected:
		return SuccessStyle.Render("connected")
	case member.State.Terminal():
		return MutedStyle.Render(member.State.String())
	default:
		return m.spinner.View() + " " + member.State.String()
	}
}

func describeEvent(ev mesh.Event) string {
	name := ev.Peer.DisplayName
	if name == "" {
		name = ev.Peer.ID
	}

	switch ev.Kind {
	case mesh.MemberJoined:
		return fmt.Sprintf("%s joined", name)
	case mesh.MemberLeft:
		return fmt.Sprintf("%s left", name)
	case mesh.PeerUnreachable:
		return fmt.Sprintf("could not reach %s: %s", name, reason(ev.Err))
	case mesh.PeerState:
		if ev.State == peer.Connected {
			return fmt.Sprintf("connected to %s", name)
		}
		if ev.State == peer.Failed {
			return fmt.Sprintf("connection to %s failed: %s", name, reason(ev.Err))
		}
	}
	return ""
}

func reason(err error) string {
	var perr *peer.Error
	switch {
	case err == nil:
		return "unknown error"
	case errors.Is(err, peer.ErrHandshakeTimeout):
		return "timed out"
	case errors.As(err, &perr):
		return perr.Err.Error()
	default:
		return err.Error()
	}
}
