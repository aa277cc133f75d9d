// Package keys provides string constants for Bubble Tea v2 key press events
// used by the watch dashboard.
//
// These constants are derived from tea.KeyPressMsg{Code: tea.KeyXxx}.String()
// and are guaranteed to match the actual runtime values. Single-character
// keys like "q" or "r" are not included here.
package keys

import tea "charm.land/bubbletea/v2"

// Navigation keys
var (
	Up   = tea.KeyPressMsg{Code: tea.KeyUp}.String()   // "up"
	Down = tea.KeyPressMsg{Code: tea.KeyDown}.String() // "down"
	Home = tea.KeyPressMsg{Code: tea.KeyHome}.String() // "home"
	End  = tea.KeyPressMsg{Code: tea.KeyEnd}.String()  // "end"
)

// Action keys
var (
	Enter  = tea.KeyPressMsg{Code: tea.KeyEnter}.String()  // "enter"
	Escape = tea.KeyPressMsg{Code: tea.KeyEscape}.String() // "esc"
)

// Ctrl combinations
var (
	CtrlC = (tea.KeyPressMsg{Code: 'c', Mod: tea.ModCtrl}).String() // "ctrl+c"
	CtrlR = (tea.KeyPressMsg{Code: 'r', Mod: tea.ModCtrl}).String() // "ctrl+r"
)
