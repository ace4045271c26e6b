package tui

import (
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpalomar/dosewatch/internal/alarm"
	"github.com/mpalomar/dosewatch/internal/alert"
)

func keyPress(r rune) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{r}}
}

func graceSnapshot() alarm.Snapshot {
	now := time.Now()
	return alarm.Snapshot{
		ID:          "s1",
		Kind:        alert.KindMedicine,
		ItemName:    "Lisinopril",
		Dosage:      "10mg",
		ScheduledAt: now,
		FiredAt:     now,
		GraceEndsAt: now.Add(30 * time.Minute),
		State:       alarm.StateGracePeriod,
	}
}

func modelWith(snap alarm.Snapshot) Model {
	m := NewModel(nil)
	updated, _ := m.Update(snapshotMsg(snap))
	return updated.(Model)
}

func TestMedicineAlarmSwallowsQuitKeys(t *testing.T) {
	m := modelWith(graceSnapshot())

	for _, msg := range []tea.Msg{
		keyPress('q'),
		tea.KeyMsg{Type: tea.KeyEsc},
		tea.KeyMsg{Type: tea.KeyCtrlC},
	} {
		_, cmd := m.Update(msg)
		assert.Nil(t, cmd, "quit keys are inert while a medicine alarm is active")
	}
}

func TestQuitAllowedAfterTerminalState(t *testing.T) {
	snap := graceSnapshot()
	snap.State = alarm.StateConfirmed
	m := modelWith(snap)

	_, cmd := m.Update(keyPress('q'))
	require.NotNil(t, cmd)
	assert.Equal(t, tea.Quit(), cmd())
}

func TestQuitAllowedWithNoAlarm(t *testing.T) {
	m := NewModel(nil)
	_, cmd := m.Update(keyPress('q'))
	require.NotNil(t, cmd)
	assert.Equal(t, tea.Quit(), cmd())
}

func TestConfirmOnlyDuringGracePeriod(t *testing.T) {
	snap := graceSnapshot()
	snap.State = alarm.StateMissed
	m := modelWith(snap)

	_, cmd := m.Update(keyPress('c'))
	assert.Nil(t, cmd, "confirm is disabled outside the grace period")
	assert.False(t, m.confirming)
}

func TestConfirmStartsSpinnerAndBlocksDoubleTap(t *testing.T) {
	m := modelWith(graceSnapshot())

	updated, cmd := m.Update(keyPress('c'))
	m = updated.(Model)
	require.NotNil(t, cmd)
	assert.True(t, m.confirming)

	// second tap while in flight is a no-op
	_, cmd = m.Update(keyPress('c'))
	assert.Nil(t, cmd)
}

func TestDismissOpensSafetyPrompt(t *testing.T) {
	m := modelWith(graceSnapshot())

	updated, cmd := m.Update(keyPress('d'))
	m = updated.(Model)
	assert.Nil(t, cmd, "no dismissal before the prompt is answered")
	assert.True(t, m.prompting)

	// n backs out without dismissing
	updated, cmd = m.Update(keyPress('n'))
	m = updated.(Model)
	assert.Nil(t, cmd)
	assert.False(t, m.prompting)
}

func TestAppointmentDismissSkipsPrompt(t *testing.T) {
	snap := graceSnapshot()
	snap.Kind = alert.KindAppointment
	snap.State = alarm.StateFired
	snap.GraceEndsAt = time.Time{}
	m := modelWith(snap)

	updated, cmd := m.Update(keyPress('d'))
	m = updated.(Model)
	assert.False(t, m.prompting)
	assert.NotNil(t, cmd, "appointments dismiss immediately")
}

func TestConfirmedSnapshotShowsPoints(t *testing.T) {
	m := modelWith(graceSnapshot())

	snap := graceSnapshot()
	snap.State = alarm.StateConfirmed
	snap.PointsAwarded = 50
	updated, _ := m.Update(snapshotMsg(snap))
	m = updated.(Model)

	view := m.View()
	assert.Contains(t, view, "DOSE CONFIRMED")
	assert.Contains(t, view, "+50 points")
}

func TestTransientFailureKeepsAlarmOnScreen(t *testing.T) {
	m := modelWith(graceSnapshot())

	updated, _ := m.Update(keyPress('c'))
	m = updated.(Model)
	require.True(t, m.confirming)

	updated, _ = m.Update(confirmDoneMsg{err: assert.AnError})
	m = updated.(Model)
	assert.False(t, m.confirming)

	view := m.View()
	assert.Contains(t, view, "confirmation failed, try again")
	assert.Contains(t, view, "Lisinopril")
}

func TestCountdownFormatting(t *testing.T) {
	m := modelWith(graceSnapshot())
	m.now = m.snap.GraceEndsAt.Add(-5 * time.Minute)
	assert.Equal(t, "05:00 to confirm", m.countdown())

	m.now = m.snap.GraceEndsAt.Add(time.Minute)
	assert.Equal(t, "00:00 to confirm", m.countdown(), "elapsed grace clamps at zero")
}

func TestCountdownAdvancesOnTick(t *testing.T) {
	m := modelWith(graceSnapshot())
	before := m.now

	updated, cmd := m.Update(tickMsg(before.Add(time.Second)))
	m = updated.(Model)
	assert.True(t, m.now.After(before))
	assert.NotNil(t, cmd, "tick reschedules itself")
}
