package main

import (
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"github.com/lowaak/hrmonitor/internal/go_func_utils"
	"github.com/lowaak/hrmonitor/internal/hrm"
	"github.com/lowaak/hrmonitor/internal/radio"
)

// monitorUI shows discovered monitors on the left, the selected monitor and
// its heart rate in the middle, and the log on the right.
type monitorUI struct {
	app         *tview.Application
	coordinator *hrm.Coordinator
	logger      *log.Logger
	preferred   radio.PeripheralID

	deviceList  *tview.List
	detailsView *tview.TextView
	logView     *tview.TextView

	mu       sync.Mutex
	selected *hrm.Session
	bpm      uint
	status   string
}

func newMonitorUI(coordinator *hrm.Coordinator, logger *log.Logger, preferred radio.PeripheralID) *monitorUI {
	ui := &monitorUI{
		app:         tview.NewApplication(),
		coordinator: coordinator,
		logger:      logger,
		preferred:   preferred,
		status:      "Select a monitor and press Enter to connect",
	}

	ui.logView = tview.NewTextView().
		SetScrollable(true).
		SetMaxLines(500).
		SetChangedFunc(func() {
			ui.app.Draw()
		})
	ui.logView.SetBorder(true).SetTitle(" Logs ")

	ui.detailsView = tview.NewTextView().SetDynamicColors(true)
	ui.detailsView.SetBorder(true).SetTitle(" Monitor ")

	ui.deviceList = tview.NewList().
		ShowSecondaryText(true).
		SetSelectedFunc(func(index int, mainText, secondaryText string, shortcut rune) {
			ui.connect(index)
		})
	ui.deviceList.SetBorder(true).SetTitle(" Heart Rate Monitors (Enter to connect) ")

	return ui
}

func formatSession(s *hrm.Session) string {
	name, ok := s.Name()
	if !ok || name == "" {
		name = "Unknown"
	}
	return fmt.Sprintf("%s (%s) [RSSI: %d]", name, s.ID(), s.RSSI())
}

// onDiscovered is the coordinator's watcher. The configured preferred
// monitor is connected to as soon as it shows up, unless the user already
// picked one.
func (ui *monitorUI) onDiscovered(s *hrm.Session, state radio.AdapterState) {
	ui.app.QueueUpdateDraw(func() {
		ui.deviceList.AddItem(tview.Escape(formatSession(s)), fmt.Sprintf("  adapter %s", state), 0, nil)

		if ui.preferred == "" || s.ID() != ui.preferred {
			return
		}
		ui.mu.Lock()
		picked := ui.selected != nil
		ui.mu.Unlock()
		if picked {
			return
		}
		index := ui.deviceList.GetItemCount() - 1
		ui.deviceList.SetCurrentItem(index)
		ui.logger.Printf("UI: Connecting to preferred monitor %s", s.ID())
		ui.connect(index)
	})
}

func (ui *monitorUI) watchAdapterState() func() {
	states := make(chan radio.AdapterState, 8)
	stop := ui.coordinator.ListenToAdapterState(states)
	done := make(chan struct{})

	go_func_utils.SafeGo(ui.logger, func() {
		for {
			select {
			case <-done:
				return
			case state := <-states:
				ui.app.QueueUpdateDraw(func() {
					ui.deviceList.SetTitle(fmt.Sprintf(" Heart Rate Monitors - %s ", state))
					if !state.Ready() {
						ui.setStatus(state.Describe())
					}
				})
			}
		}
	})

	return func() {
		stop()
		close(done)
	}
}

func (ui *monitorUI) connect(index int) {
	sessions := ui.coordinator.Registry().All()
	if index < 0 || index >= len(sessions) {
		return
	}
	s := sessions[index]

	ui.mu.Lock()
	ui.selected = s
	ui.bpm = 0
	ui.mu.Unlock()
	ui.setStatus("Connecting...")
	ui.logger.Printf("UI: Selected device: %s", formatSession(s))

	s.WatchHeartRate(func(bpm uint) {
		ui.mu.Lock()
		current := ui.selected == s
		if current {
			ui.bpm = bpm
		}
		ui.mu.Unlock()
		if current {
			ui.app.QueueUpdateDraw(ui.renderDetails)
		}
	})

	// Off the UI goroutine: connecting may release another session first.
	go_func_utils.SafeGo(ui.logger, func() {
		s.Connect(func() {
			ui.app.QueueUpdateDraw(ui.renderDetails)
		}, func(err error) {
			status := "Disconnected"
			if err != nil {
				status = fmt.Sprintf("Disconnected: %v", err)
			}
			ui.app.QueueUpdateDraw(func() {
				ui.setStatus(status)
			})
		})
	})
}

func (ui *monitorUI) disconnect() {
	ui.mu.Lock()
	s := ui.selected
	ui.mu.Unlock()
	if s == nil {
		return
	}
	go_func_utils.SafeGo(ui.logger, s.Disconnect)
}

func (ui *monitorUI) toggleVerbose() {
	ui.mu.Lock()
	s := ui.selected
	ui.mu.Unlock()
	if s == nil {
		return
	}
	enabled := !s.LoggingEnabled()
	s.SetLoggingEnabled(enabled)
	ui.logger.Printf("UI: Verbose logging for %s: %v", s.ID(), enabled)
}

// setStatus must run on the UI goroutine.
func (ui *monitorUI) setStatus(status string) {
	ui.mu.Lock()
	ui.status = status
	ui.mu.Unlock()
	ui.renderDetails()
}

func (ui *monitorUI) renderDetails() {
	ui.mu.Lock()
	s := ui.selected
	bpm := ui.bpm
	status := ui.status
	ui.mu.Unlock()

	var b strings.Builder
	if s != nil {
		fmt.Fprintf(&b, "[yellow]%s[-]\n\n", tview.Escape(s.String()))
		fmt.Fprintf(&b, "State: %s\n\n", s.State())
		if bpm > 0 {
			fmt.Fprintf(&b, "[red::b]%d bpm[-::-]\n\n", bpm)
		}
		if s.State() == hrm.Ready {
			status = "Receiving heart rate"
		}
	}
	fmt.Fprintf(&b, "%s\n\n", tview.Escape(status))
	b.WriteString("[gray]Enter connect · d disconnect · v verbose · Tab focus · Esc quit[-]")
	ui.detailsView.SetText(b.String())
}

func (ui *monitorUI) run() error {
	flex := tview.NewFlex().
		AddItem(ui.deviceList, 0, 1, true).
		AddItem(ui.detailsView, 0, 1, false).
		AddItem(ui.logView, 0, 1, false)

	ui.app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		switch event.Key() {
		case tcell.KeyTab:
			if ui.deviceList.HasFocus() {
				ui.app.SetFocus(ui.logView)
			} else {
				ui.app.SetFocus(ui.deviceList)
			}
			return nil
		case tcell.KeyEscape:
			ui.app.Stop()
			return nil
		case tcell.KeyRune:
			switch event.Rune() {
			case 'd':
				ui.disconnect()
				return nil
			case 'v':
				ui.toggleVerbose()
				return nil
			}
		}
		return event
	})

	ui.renderDetails()
	return ui.app.SetRoot(flex, true).SetFocus(ui.deviceList).Run()
}
