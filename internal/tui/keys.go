package tui

// Keybinding constants
const (
	KeyTab      = "tab"
	KeyShiftTab = "shift+tab"
	KeyQuit     = "q"
	KeyCtrlC    = "ctrl+c"
	KeyPane1    = "1"
	KeyPane2    = "2"
	KeyUp       = "up"
	KeyDown     = "down"
	KeyJ        = "j"
	KeyK        = "k"
	KeySettings = "s"
	KeyEsc      = "esc"
	KeyPause    = "p"
)

// HelpView returns a one-line help bar with common keybindings.
func HelpView(paused bool) string {
	help := "Tab: cycle focus | 1/2: jump to pane | j/k: select | p: pause log | s: settings | q: quit"
	if paused {
		help += " | " + StyleStatusRunning.Render("log paused")
	}
	return StyleHelp.Render(help)
}
