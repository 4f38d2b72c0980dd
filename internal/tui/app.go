package tui

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mpataki/distill/internal/assemble"
	"github.com/mpataki/distill/internal/models"
	"github.com/mpataki/distill/internal/session"
	"github.com/mpataki/distill/internal/store"
)

type View int

const (
	ViewSessionList View = iota
	ViewSessionDetail
	ViewNewSession
	ViewCapture
	ViewOutput
)

type App struct {
	svc       *session.Service
	store     *store.Store
	templates map[string]*models.Template

	view             View
	sessions         []*models.Session
	selectedIdx      int
	current          *models.Session
	selectedPhaseIdx int

	templateNames   []string
	selectedTmplIdx int
	nameInput       textinput.Model

	capturePhase string
	captureArea  textarea.Model

	outputTitle string
	outputView  viewport.Model

	spinner   spinner.Model
	busy      bool
	busyLabel string

	width  int
	height int
	err    error
}

func NewApp(svc *session.Service, st *store.Store, templates map[string]*models.Template) *App {
	names := make([]string, 0, len(templates))
	for name := range templates {
		names = append(names, name)
	}
	sort.Strings(names)

	ti := textinput.New()
	ti.Placeholder = "session name"
	ti.CharLimit = 64

	ta := textarea.New()
	ta.Placeholder = "Type your notes..."

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = spinnerStyle

	return &App{
		svc:           svc,
		store:         st,
		templates:     templates,
		templateNames: names,
		nameInput:     ti,
		captureArea:   ta,
		outputView:    viewport.New(80, 20),
		spinner:       sp,
		view:          ViewSessionList,
	}
}

func (a *App) Init() tea.Cmd {
	return a.loadSessions
}

func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return a.handleKey(msg)

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.captureArea.SetWidth(msg.Width - 4)
		a.outputView.Width = msg.Width
		a.outputView.Height = msg.Height - 4
		return a, nil

	case spinner.TickMsg:
		if !a.busy {
			return a, nil
		}
		var cmd tea.Cmd
		a.spinner, cmd = a.spinner.Update(msg)
		return a, cmd

	case sessionsLoadedMsg:
		a.sessions = msg.sessions
		a.err = msg.err
		if a.selectedIdx >= len(a.sessions) && a.selectedIdx > 0 {
			a.selectedIdx = len(a.sessions) - 1
		}
		return a, nil

	case sessionOpenedMsg:
		a.err = msg.err
		if msg.err == nil {
			a.current = msg.session
			a.selectedPhaseIdx = 0
			a.view = ViewSessionDetail
		}
		return a, nil

	case sessionRefreshedMsg:
		if msg.err != nil {
			a.err = msg.err
			return a, nil
		}
		a.current = msg.session
		return a, nil

	case sessionCreatedMsg:
		a.err = msg.err
		if msg.err == nil {
			a.current = msg.session
			a.selectedPhaseIdx = 0
			a.view = ViewSessionDetail
			return a, a.loadSessions
		}
		return a, nil

	case phaseOpDoneMsg:
		a.busy = false
		a.err = msg.err
		return a, a.refreshSession(msg.name)

	case extractAllDoneMsg:
		a.busy = false
		a.err = msg.err
		a.showOutput("Extraction", formatExtractAllReport(msg.results))
		return a, a.refreshSession(msg.name)

	case outputsBuiltMsg:
		a.busy = false
		a.err = msg.err
		if msg.err == nil {
			a.showOutput("Outputs", "Wrote:\n\n  "+strings.Join(msg.files, "\n  "))
		}
		return a, nil

	case summaryDoneMsg:
		a.busy = false
		a.err = msg.err
		if msg.err == nil {
			a.showOutput("Summary", msg.content)
		}
		return a, nil

	case transcriptLoadedMsg:
		a.err = msg.err
		if msg.err == nil {
			a.showOutput(msg.title, msg.content)
		}
		return a, nil
	}

	return a, nil
}

func (a *App) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if a.busy {
		if msg.String() == "ctrl+c" {
			return a, tea.Quit
		}
		return a, nil
	}

	switch a.view {
	case ViewSessionList:
		return a.handleSessionListKey(msg)
	case ViewSessionDetail:
		return a.handleSessionDetailKey(msg)
	case ViewNewSession:
		return a.handleNewSessionKey(msg)
	case ViewCapture:
		return a.handleCaptureKey(msg)
	case ViewOutput:
		return a.handleOutputKey(msg)
	}
	return a, nil
}

func (a *App) handleSessionListKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		return a, tea.Quit

	case "up", "k":
		if a.selectedIdx > 0 {
			a.selectedIdx--
		}

	case "down", "j":
		if a.selectedIdx < len(a.sessions)-1 {
			a.selectedIdx++
		}

	case "enter":
		if len(a.sessions) > 0 && a.selectedIdx < len(a.sessions) {
			return a, a.openSession(a.sessions[a.selectedIdx].Name)
		}

	case "n":
		if len(a.templateNames) == 0 {
			a.err = fmt.Errorf("no templates found; add one to a template directory first")
			return a, nil
		}
		a.err = nil
		a.selectedTmplIdx = 0
		a.nameInput.Reset()
		a.view = ViewNewSession
		return a, a.nameInput.Focus()

	case "r":
		return a, a.loadSessions
	}

	return a, nil
}

func (a *App) handleSessionDetailKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "esc":
		a.view = ViewSessionList
		a.current = nil
		a.err = nil
		return a, a.loadSessions

	case "ctrl+c":
		return a, tea.Quit

	case "up", "k":
		if a.selectedPhaseIdx > 0 {
			a.selectedPhaseIdx--
		}

	case "down", "j":
		if a.current != nil && a.selectedPhaseIdx < len(a.current.Template.Phases)-1 {
			a.selectedPhaseIdx++
		}

	case "c":
		if spec, ok := a.selectedPhase(); ok {
			a.capturePhase = spec.ID
			a.captureArea.Reset()
			a.view = ViewCapture
			return a, a.captureArea.Focus()
		}

	case "t":
		if spec, ok := a.selectedPhase(); ok {
			return a, a.startOp("transcribing", a.transcribePhase(a.current.Name, spec.ID))
		}

	case "e":
		if spec, ok := a.selectedPhase(); ok {
			return a, a.startOp("extracting", a.extractPhase(a.current.Name, spec.ID))
		}

	case "E":
		if a.current != nil {
			return a, a.startOp("extracting all phases", a.extractAll(a.current.Name))
		}

	case "b":
		if a.current != nil {
			return a, a.startOp("building outputs", a.buildOutputs(a.current.Name))
		}

	case "s":
		if a.current != nil {
			return a, a.startOp("summarizing", a.summarize(a.current.Name))
		}

	case "v":
		if spec, ok := a.selectedPhase(); ok {
			ps := a.current.Phases[spec.ID]
			if ps == nil || ps.Transcript == "" {
				a.err = fmt.Errorf("phase %q has no transcript yet", spec.ID)
				return a, nil
			}
			return a, a.loadTranscript(a.current.Name, spec.ID, ps.Transcript)
		}
	}

	return a, nil
}

func (a *App) handleNewSessionKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c":
		return a, tea.Quit

	case "esc":
		a.nameInput.Blur()
		a.view = ViewSessionList
		return a, nil

	case "up":
		if a.selectedTmplIdx > 0 {
			a.selectedTmplIdx--
		}
		return a, nil

	case "down":
		if a.selectedTmplIdx < len(a.templateNames)-1 {
			a.selectedTmplIdx++
		}
		return a, nil

	case "enter":
		name := strings.TrimSpace(a.nameInput.Value())
		tmplName := a.templateNames[a.selectedTmplIdx]
		a.nameInput.Blur()
		return a, a.createSession(name, tmplName)
	}

	var cmd tea.Cmd
	a.nameInput, cmd = a.nameInput.Update(msg)
	return a, cmd
}

func (a *App) handleCaptureKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c":
		return a, tea.Quit

	case "esc":
		a.captureArea.Blur()
		a.view = ViewSessionDetail
		return a, nil

	case "ctrl+d":
		text := a.captureArea.Value()
		phase := a.capturePhase
		a.captureArea.Blur()
		a.view = ViewSessionDetail
		return a, a.startOp("capturing", a.captureText(a.current.Name, phase, text))
	}

	var cmd tea.Cmd
	a.captureArea, cmd = a.captureArea.Update(msg)
	return a, cmd
}

func (a *App) handleOutputKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "esc":
		a.view = ViewSessionDetail
		if a.current == nil {
			a.view = ViewSessionList
		}
		return a, nil

	case "ctrl+c":
		return a, tea.Quit
	}

	var cmd tea.Cmd
	a.outputView, cmd = a.outputView.Update(msg)
	return a, cmd
}

func (a *App) selectedPhase() (*models.PhaseSpec, bool) {
	if a.current == nil || a.selectedPhaseIdx >= len(a.current.Template.Phases) {
		return nil, false
	}
	return &a.current.Template.Phases[a.selectedPhaseIdx], true
}

func (a *App) startOp(label string, cmd tea.Cmd) tea.Cmd {
	a.busy = true
	a.busyLabel = label
	a.err = nil
	return tea.Batch(a.spinner.Tick, cmd)
}

func (a *App) showOutput(title, content string) {
	a.outputTitle = title
	a.outputView.SetContent(content)
	a.outputView.GotoTop()
	a.view = ViewOutput
}

func (a *App) View() string {
	switch a.view {
	case ViewSessionList:
		return a.viewSessionList()
	case ViewSessionDetail:
		return a.viewSessionDetail()
	case ViewNewSession:
		return a.viewNewSession()
	case ViewCapture:
		return a.viewCapture()
	case ViewOutput:
		return a.viewOutput()
	}
	return ""
}

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205"))

	selectedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("229")).
			Background(lipgloss.Color("57"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))

	statusPendingStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("243"))
	statusCapturedStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	statusTranscribedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	statusExtractedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("46"))
	statusFailedStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	partialStyle           = lipgloss.NewStyle().Foreground(lipgloss.Color("208"))

	spinnerStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))
)

func (a *App) viewSessionList() string {
	s := titleStyle.Render("Distill") + "\n\n"

	if a.err != nil {
		s += statusFailedStyle.Render(fmt.Sprintf("Error: %v", a.err)) + "\n\n"
	}

	if len(a.sessions) == 0 {
		s += "No sessions yet. Press 'n' to start one.\n"
	} else {
		s += "Sessions\n"
		s += "────────\n"

		for i, sess := range a.sessions {
			line := a.formatSessionLine(sess)
			if i == a.selectedIdx {
				line = selectedStyle.Render("▶ " + line)
			} else {
				line = "  " + line
			}
			s += line + "\n"
		}
	}

	s += "\n" + helpStyle.Render("[enter] open  [n] new  [r] refresh  [q] quit")

	return s
}

func (a *App) formatSessionLine(sess *models.Session) string {
	extracted := 0
	failed := false
	for _, ps := range sess.Phases {
		switch ps.Status {
		case models.StatusExtracted:
			extracted++
		case models.StatusFailed:
			failed = true
		}
	}
	total := len(sess.Template.Phases)

	progress := fmt.Sprintf("%d/%d extracted", extracted, total)
	switch {
	case failed:
		progress = statusFailedStyle.Render(progress)
	case extracted == total:
		progress = statusExtractedStyle.Render(progress)
	default:
		progress = statusCapturedStyle.Render(progress)
	}

	return fmt.Sprintf("%-20s %-16s %s  %s",
		truncate(sess.Name, 20), truncate(sess.Template.Name, 16), progress, dimStyle.Render(formatAge(sess.CreatedAt)))
}

func (a *App) viewSessionDetail() string {
	if a.current == nil {
		return "No session selected"
	}

	sess := a.current

	s := titleStyle.Render(sess.Name) + "  " + labelStyle.Render("template: "+sess.Template.Name) + "\n\n"

	if a.busy {
		s += a.spinner.View() + " " + a.busyLabel + "\n\n"
	} else if a.err != nil {
		s += statusFailedStyle.Render(fmt.Sprintf("Error: %v", a.err)) + "\n\n"
	}

	s += "Phases\n"
	s += "──────\n"

	for i, spec := range sess.Template.Phases {
		ps := sess.Phases[spec.ID]
		line := a.formatPhaseLine(&sess.Template.Phases[i], ps)
		if i == a.selectedPhaseIdx {
			line = selectedStyle.Render("▶ " + line)
		} else {
			line = "  " + line
		}
		s += line + "\n"

		if ps != nil && ps.Status == models.StatusFailed && ps.LastError != "" {
			s += "      " + statusFailedStyle.Render(truncate(ps.LastError, 70)) + "\n"
		}
	}

	s += "\n" + labelStyle.Render("Next: ") + session.NextAction(sess) + "\n"
	s += "\n" + helpStyle.Render("[c] capture  [t] transcribe  [e] extract  [E] extract all  [b] build  [s] summary  [v] transcript  [esc] back")

	return s
}

func (a *App) formatPhaseLine(spec *models.PhaseSpec, ps *models.PhaseState) string {
	status := models.StatusPending
	artifacts := 0
	partial := false
	if ps != nil {
		status = ps.Status
		artifacts = len(ps.Artifacts)
		partial = ps.Partial
	}

	line := fmt.Sprintf("%s %-14s %-20s", formatStatus(status), spec.ID, truncate(spec.Name, 20))
	if artifacts > 0 {
		line += dimStyle.Render(fmt.Sprintf("  %d artifact(s)", artifacts))
	}
	if partial {
		line += "  " + partialStyle.Render("⚠ partial")
	}
	return line
}

func formatStatus(status models.PhaseStatus) string {
	switch status {
	case models.StatusPending:
		return statusPendingStyle.Render("○ pending    ")
	case models.StatusCaptured:
		return statusCapturedStyle.Render("● captured   ")
	case models.StatusTranscribed:
		return statusTranscribedStyle.Render("◆ transcribed")
	case models.StatusExtracted:
		return statusExtractedStyle.Render("✓ extracted  ")
	case models.StatusFailed:
		return statusFailedStyle.Render("✗ failed     ")
	default:
		return string(status)
	}
}

func (a *App) viewNewSession() string {
	s := titleStyle.Render("New Session") + "\n\n"

	if a.err != nil {
		s += statusFailedStyle.Render(fmt.Sprintf("Error: %v", a.err)) + "\n\n"
	}

	s += labelStyle.Render("Name: ") + a.nameInput.View() + "\n\n"

	s += "Template:\n"
	for i, name := range a.templateNames {
		tmpl := a.templates[name]
		line := fmt.Sprintf("%-16s %s", name, dimStyle.Render(truncate(tmpl.Description, 48)))
		if i == a.selectedTmplIdx {
			line = selectedStyle.Render("▶ " + line)
		} else {
			line = "  " + line
		}
		s += line + "\n"
	}

	s += "\n" + helpStyle.Render("[↑/↓] template  [enter] create  [esc] cancel")

	return s
}

func (a *App) viewCapture() string {
	s := titleStyle.Render("Capture: "+a.capturePhase) + "\n\n"
	s += a.captureArea.View() + "\n"
	s += "\n" + helpStyle.Render("[ctrl+d] save  [esc] cancel")
	return s
}

func (a *App) viewOutput() string {
	s := titleStyle.Render(a.outputTitle) + "\n\n"
	s += a.outputView.View() + "\n"
	s += "\n" + helpStyle.Render("[↑/↓] scroll  [esc] back  [q] quit")
	return s
}

// Messages

type sessionsLoadedMsg struct {
	sessions []*models.Session
	err      error
}

type sessionOpenedMsg struct {
	session *models.Session
	err     error
}

type sessionRefreshedMsg struct {
	session *models.Session
	err     error
}

type sessionCreatedMsg struct {
	session *models.Session
	err     error
}

type phaseOpDoneMsg struct {
	name string
	err  error
}

type extractAllDoneMsg struct {
	name    string
	results []session.PhaseResult
	err     error
}

type outputsBuiltMsg struct {
	files []string
	err   error
}

type summaryDoneMsg struct {
	content string
	err     error
}

type transcriptLoadedMsg struct {
	title   string
	content string
	err     error
}

// Commands

func (a *App) loadSessions() tea.Msg {
	sessions, err := a.svc.List()
	return sessionsLoadedMsg{sessions: sessions, err: err}
}

func (a *App) openSession(name string) tea.Cmd {
	return func() tea.Msg {
		sess, err := a.svc.Get(name)
		return sessionOpenedMsg{session: sess, err: err}
	}
}

func (a *App) refreshSession(name string) tea.Cmd {
	return func() tea.Msg {
		sess, err := a.svc.Get(name)
		return sessionRefreshedMsg{session: sess, err: err}
	}
}

func (a *App) createSession(name, tmplName string) tea.Cmd {
	return func() tea.Msg {
		tmpl, ok := a.templates[tmplName]
		if !ok {
			return sessionCreatedMsg{err: fmt.Errorf("unknown template %q", tmplName)}
		}
		sess, err := a.svc.Create(name, *tmpl)
		return sessionCreatedMsg{session: sess, err: err}
	}
}

func (a *App) captureText(name, phaseID, text string) tea.Cmd {
	return func() tea.Msg {
		sess, err := a.svc.Get(name)
		if err != nil {
			return phaseOpDoneMsg{name: name, err: err}
		}
		_, err = a.svc.CaptureText(sess, phaseID, text)
		return phaseOpDoneMsg{name: name, err: err}
	}
}

func (a *App) transcribePhase(name, phaseID string) tea.Cmd {
	return func() tea.Msg {
		sess, err := a.svc.Get(name)
		if err != nil {
			return phaseOpDoneMsg{name: name, err: err}
		}
		_, err = a.svc.Transcribe(context.Background(), sess, phaseID)
		return phaseOpDoneMsg{name: name, err: err}
	}
}

func (a *App) extractPhase(name, phaseID string) tea.Cmd {
	return func() tea.Msg {
		sess, err := a.svc.Get(name)
		if err != nil {
			return phaseOpDoneMsg{name: name, err: err}
		}
		_, err = a.svc.Extract(context.Background(), sess, phaseID)
		return phaseOpDoneMsg{name: name, err: err}
	}
}

func (a *App) extractAll(name string) tea.Cmd {
	return func() tea.Msg {
		sess, err := a.svc.Get(name)
		if err != nil {
			return extractAllDoneMsg{name: name, err: err}
		}
		results, err := a.svc.ExtractAll(context.Background(), sess)
		return extractAllDoneMsg{name: name, results: results, err: err}
	}
}

func (a *App) buildOutputs(name string) tea.Cmd {
	return func() tea.Msg {
		sess, err := a.svc.Get(name)
		if err != nil {
			return outputsBuiltMsg{err: err}
		}
		files, err := assemble.Build(sess, a.store)
		return outputsBuiltMsg{files: files, err: err}
	}
}

func (a *App) summarize(name string) tea.Cmd {
	return func() tea.Msg {
		sess, err := a.svc.Get(name)
		if err != nil {
			return summaryDoneMsg{err: err}
		}
		content, err := a.svc.Summarize(context.Background(), sess)
		return summaryDoneMsg{content: content, err: err}
	}
}

func (a *App) loadTranscript(name, phaseID, ref string) tea.Cmd {
	return func() tea.Msg {
		content, err := a.store.ReadTranscript(name, ref)
		return transcriptLoadedMsg{title: "Transcript: " + phaseID, content: content, err: err}
	}
}

func formatExtractAllReport(results []session.PhaseResult) string {
	if len(results) == 0 {
		return "(no phases to extract)"
	}

	var b strings.Builder
	for _, r := range results {
		switch r.Outcome {
		case session.OutcomeExtracted:
			mark := statusExtractedStyle.Render("✓")
			if r.Partial {
				mark = partialStyle.Render("⚠")
			}
			fmt.Fprintf(&b, "%s %s\n", mark, r.Phase)
		case session.OutcomeSkipped:
			fmt.Fprintf(&b, "%s %s\n", dimStyle.Render("-"), dimStyle.Render(r.Phase+" (skipped)"))
		case session.OutcomeFailed:
			fmt.Fprintf(&b, "%s %s: %v\n", statusFailedStyle.Render("✗"), r.Phase, r.Err)
		}
	}
	return b.String()
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

func formatAge(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "now"
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}
