package ioasync

import (
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestMain lets this binary serve as a Func-spawned child when re-exec'd
// with the child marker env var set, the same guarded-re-exec idiom
// worker's and internal/child's own test suites use.
func TestMain(m *testing.M) {
	RunIfChild()
	os.Exit(m.Run())
}

func init() {
	RegisterChildFunc("examples-exit-zero", func() int { return 0 })
}

// TestTimerOrderingScenario exercises spec §8 scenario (c): timers
// enqueued A,B,C,D at T+0.1/0.2/0.2/0.3 fire in that order once the loop
// runs past T+0.4, B and C (equal deadlines) breaking the tie by
// insertion order.
func TestTimerOrderingScenario(t *testing.T) {
	l, err := New()
	require.NoError(t, err)
	defer l.Close()

	var order []string
	now := time.Now()
	l.WatchTime(now.Add(100*time.Millisecond), func() { order = append(order, "A") })
	l.WatchTime(now.Add(200*time.Millisecond), func() { order = append(order, "B") })
	l.WatchTime(now.Add(200*time.Millisecond), func() { order = append(order, "C") })
	l.WatchTime(now.Add(300*time.Millisecond), func() { order = append(order, "D") })

	deadline := now.Add(500 * time.Millisecond)
	for len(order) < 4 && time.Now().Before(deadline) {
		require.NoError(t, l.LoopOnce(50*time.Millisecond))
	}
	require.Equal(t, []string{"A", "B", "C", "D"}, order)
}

// TestSignalCoalescingScenario exercises spec §8 scenario (d): three HUPs
// and one USR1 are sent; the HUP handler fires at least once (repeated
// deliveries may coalesce), the USR1 handler exactly once, and the loop
// resumes cleanly afterward.
func TestSignalCoalescingScenario(t *testing.T) {
	l, err := New()
	require.NoError(t, err)
	defer l.Close()

	var hups, usr1s int
	require.NoError(t, l.AttachSignal("HUP", func(string) { hups++ }))
	require.NoError(t, l.AttachSignal("USR1", func(string) { usr1s++ }))

	self, err := os.FindProcess(os.Getpid())
	require.NoError(t, err)
	require.NoError(t, self.Signal(syscall.SIGHUP))
	require.NoError(t, self.Signal(syscall.SIGHUP))
	require.NoError(t, self.Signal(syscall.SIGHUP))
	require.NoError(t, self.Signal(syscall.SIGUSR1))

	deadline := time.Now().Add(2 * time.Second)
	for hups == 0 || usr1s == 0 {
		require.True(t, time.Now().Before(deadline), "signals never observed")
		require.NoError(t, l.LoopOnce(50*time.Millisecond))
	}
	require.GreaterOrEqual(t, hups, 1)
	require.GreaterOrEqual(t, usr1s, 1)
	require.Equal(t, 1, usr1s, "USR1 delivered exactly once")

	// Loop keeps working after the signal turn (no pipe residue wedges
	// a future LoopOnce).
	fired := false
	l.WatchTime(time.Now(), func() { fired = true })
	require.NoError(t, l.LoopOnce(time.Second))
	require.True(t, fired)
}

// TestChildReapRaceScenario exercises spec §8 scenario (e): a child that
// exits immediately is still reported exactly once, even though by the
// time Spawn installs its watcher the child may have already exited and
// been reaped.
func TestChildReapRaceScenario(t *testing.T) {
	l, err := New()
	require.NoError(t, err)
	defer l.Close()

	var status ExitStatus
	var finishes int
	p, err := Spawn(l, SpawnOptions{
		Func: "examples-exit-zero",
		OnFinish: func(s ExitStatus) {
			finishes++
			status = s
		},
	})
	require.NoError(t, err)

	deadline := time.Now().Add(5 * time.Second)
	for finishes == 0 && time.Now().Before(deadline) {
		require.NoError(t, l.LoopOnce(100*time.Millisecond))
	}
	require.Equal(t, 1, finishes, "the finish callback fires exactly once")
	require.True(t, status.Exited)
	require.Equal(t, 0, status.ExitCode)
	_ = p
}

// TestSpawnErrorReportingScenario exercises spec §8 scenario (f): a
// spawn naming a nonexistent executable surfaces the failure. Go's
// os/exec performs the fork+exec+report-back sequence internally
// (os/exec's own close-on-exec error pipe predates and subsumes spec
// §4.6's error-pipe design for the exec-command variant), so the
// no-such-file failure is observed synchronously from Spawn rather than
// via a later OnException callback — see DESIGN.md.
func TestSpawnErrorReportingScenario(t *testing.T) {
	l, err := New()
	require.NoError(t, err)
	defer l.Close()

	_, err = Spawn(l, SpawnOptions{Path: "/no/such/file"})
	require.Error(t, err)
	require.Equal(t, KindSpawn, KindOf(err))
}
