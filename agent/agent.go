package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"scribe.town/worker"
)

const defaultPollInterval = 5 * time.Second

type phase string

const (
	phaseJoining    phase = "joining"
	phaseWaiting    phase = "waiting-for-admission"
	phaseCapturing  phase = "capturing"
	phaseStreaming  phase = "streaming"
	phaseTerminated phase = "terminated"
)

// Agent runs the full worker-side lifecycle: join, wait for admission,
// capture, stream, terminate.
type Agent struct {
	cfg     worker.Config
	surface Surface
	report  *Reporter

	dial  DialFunc
	sleep func(time.Duration)
	poll  time.Duration
}

func New(cfg worker.Config, surface Surface, report *Reporter) *Agent {
	return &Agent{
		cfg:     cfg,
		surface: surface,
		report:  report,
		dial:    DialWebSocket,
		sleep:   time.Sleep,
		poll:    defaultPollInterval,
	}
}

func (a *Agent) setPhase(p phase) {
	a.report.Info("agent %s", p)
}

// Run drives the agent to completion. Any error is terminal; admission
// failures are never retried.
func (a *Agent) Run(ctx context.Context) error {
	defer a.setPhase(phaseTerminated)

	a.setPhase(phaseJoining)
	if err := a.surface.Join(ctx, a.cfg.MeetingURL, a.cfg.BotName); err != nil {
		a.report.Error("failed to join meeting: %v", err)
		return fmt.Errorf("join meeting: %w", err)
	}

	a.setPhase(phaseWaiting)
	if err := a.awaitAdmission(ctx); err != nil {
		return err
	}
	a.report.Info("admitted to the meeting")

	a.setPhase(phaseCapturing)
	frames, err := a.surface.Capture(ctx)
	if err != nil {
		a.report.Error("audio capture failed: %v", err)
		return fmt.Errorf("capture audio: %w", err)
	}

	a.setPhase(phaseStreaming)
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// leave fires once when the occupancy monitor decides the meeting
	// is over; the pipeline then closes the uplink cleanly.
	var leaveOnce sync.Once
	leave := make(chan struct{})
	signalLeave := func() { leaveOnce.Do(func() { close(leave) }) }

	go a.watchOccupancy(streamCtx, signalLeave)

	out := make(chan []float32, 8)
	go a.pipeline(streamCtx, frames, leave, out)

	uplink := &Uplink{URL: a.cfg.WSURL, Dial: a.dial, Sleep: a.sleep, Report: a.report}
	err = uplink.Run(streamCtx, out)

	a.surface.Leave()
	return err
}

func (a *Agent) awaitAdmission(ctx context.Context) error {
	timeout := time.Duration(a.cfg.AutomaticLeave.WaitingRoomTimeout) * time.Millisecond
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := a.surface.AwaitAdmission(waitCtx)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded), errors.Is(waitCtx.Err(), context.DeadlineExceeded):
		a.report.Error("timed out waiting for admission after %s", timeout)
		return ErrAdmissionTimeout
	case errors.Is(err, ErrAdmissionDenied):
		a.report.Error("admission denied by the host")
		return err
	default:
		a.report.Error("waiting for admission: %v", err)
		return fmt.Errorf("await admission: %w", err)
	}
}

// pipeline mixes and resamples captured frames into out, closing out
// when capture ends or a leave is signalled.
func (a *Agent) pipeline(ctx context.Context, frames <-chan Frame, leave <-chan struct{}, out chan<- []float32) {
	defer close(out)
	for {
		select {
		case <-ctx.Done():
			return
		case <-leave:
			return
		case f, ok := <-frames:
			if !ok {
				return
			}
			mixed := Mix(f.Tracks)
			if len(mixed) == 0 {
				continue
			}
			pcm := Resample(mixed, f.Rate, TargetRate)
			if len(pcm) == 0 {
				continue
			}
			select {
			case out <- pcm:
			case <-ctx.Done():
				return
			case <-leave:
				return
			}
		}
	}
}

// watchOccupancy polls the participant count. It signals leave when
// the meeting ends, when nobody else ever showed up within the
// no-one-joined threshold, or when the bot has been alone for the
// everyone-left threshold after company.
func (a *Agent) watchOccupancy(ctx context.Context, signalLeave func()) {
	noOneJoined := time.Duration(a.cfg.AutomaticLeave.NoOneJoinedTimeout) * time.Millisecond
	everyoneLeft := time.Duration(a.cfg.AutomaticLeave.EveryoneLeftTimeout) * time.Millisecond

	start := time.Now()
	var alone time.Duration
	sawCompany := false

	ticker := time.NewTicker(a.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		count, err := a.surface.Occupancy(ctx)
		if err != nil {
			a.report.Info("meeting appears to be over: %v", err)
			signalLeave()
			return
		}

		if count == 0 {
			a.report.Info("meeting ended, leaving")
			signalLeave()
			return
		}

		if count <= 1 {
			alone += a.poll
			a.report.Info("bot appears alone for %s", alone)
		} else {
			sawCompany = true
			alone = 0
		}

		if sawCompany && alone >= everyoneLeft {
			a.report.Info("everyone left the meeting, leaving")
			signalLeave()
			return
		}
		if !sawCompany && time.Since(start) >= noOneJoined {
			a.report.Info("no one joined the meeting, leaving")
			signalLeave()
			return
		}
	}
}
