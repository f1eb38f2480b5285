package usecase

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"triageassist/internal/domain"
	"triageassist/internal/ports"
)

var (
	errCaptureTimeout = errors.New("capture did not finish in time")
	errNoFrames       = errors.New("camera produced no frames")
	errNoMeasurement  = errors.New("no range of motion reported")
)

func (c *SessionController) enterPainCaptureLocked() {
	_ = c.session.Advance(domain.StepPainCapture)
	c.armPainCaptureLocked()
}

// armPainCaptureLocked announces the capture and starts it once the countdown has run.
func (c *SessionController) armPainCaptureLocked() {
	if c.session.Step != domain.StepPainCapture {
		return
	}
	c.emitStatusLocked(domain.SessionReasonPainCaptureReady)
	c.afterLocked(c.cfg.PainCountdown, c.startPainCaptureLocked)
}

func (c *SessionController) startPainCaptureLocked() {
	if c.session.Step != domain.StepPainCapture || c.session.Activity != domain.ActivityNone || c.cycle != nil {
		return
	}
	if c.capture == nil {
		return
	}
	cycle := newCaptureCycle(ownerPainCapture)
	c.cycle = cycle
	epoch := c.epoch
	limit := c.cfg.PainCaptureLength + c.cfg.CaptureGrace
	ctx, cancel := context.WithTimeout(c.epochCtx, limit)
	c.message = ""
	c.logLocked().WithField("cycle_id", cycle.id).Info("pain capture started")
	c.emitStatusLocked(domain.SessionReasonCapturing)

	c.afterLocked(limit, func() {
		cancel()
		c.finishPainCaptureLocked(cycle, domain.Artifact{}, errCaptureTimeout)
	})
	go func() {
		defer cancel()
		artifact, err := c.timedCapture(ctx, ownerPainCapture, c.cfg.PainCaptureLength)

		c.mu.Lock()
		defer c.mu.Unlock()
		if !c.currentLocked(epoch) {
			return
		}
		c.finishPainCaptureLocked(cycle, artifact, err)
	}()
}

func (c *SessionController) finishPainCaptureLocked(cycle *captureCycle, artifact domain.Artifact, err error) {
	if !cycle.complete() {
		return
	}
	if c.cycle == cycle {
		c.cycle = nil
	}
	log := c.logLocked().WithField("cycle_id", cycle.id)
	if err == nil && artifact.Empty() {
		err = errors.New("capture produced no data")
	}
	if err != nil {
		log.WithError(err).Warn("pain capture failed")
		c.message = captureRetryMessage
		c.events.SessionError(domain.ErrorCodeCapture, err.Error())
		c.emitStatusLocked(domain.SessionReasonCaptureFailed)
		c.afterLocked(c.cfg.NoSpeechBackoff, c.armPainCaptureLocked)
		return
	}

	log.WithField("bytes", len(artifact.Data)).Info("pain capture finished")
	media := artifact
	if err := c.beginTurnLocked(turnChat, painVideoUtterance, &media); err != nil {
		log.WithError(err).Warn("pain video turn not started")
	}
}

func (c *SessionController) timedCapture(ctx context.Context, owner hardwareOwner, length time.Duration) (domain.Artifact, error) {
	if err := c.hardware.Acquire(ctx, owner); err != nil {
		return domain.Artifact{}, err
	}
	defer c.hardware.Release(owner)
	return c.capture.CaptureTimedVideo(ctx, length)
}

func (c *SessionController) enterQuestionnaireLocked() {
	_ = c.session.Advance(domain.StepQuestionnaire)
	c.session.PendingQuestion = nil
	c.emitStatusLocked(domain.SessionReasonQuestionnaire)
	if err := c.beginTurnLocked(turnQuestionnaire, questionnaireOpener, nil); err != nil {
		c.logLocked().WithError(err).Warn("questionnaire opener not started")
	}
}

func (c *SessionController) enterMotionLocked() {
	c.session.PendingQuestion = nil
	_ = c.session.Advance(domain.StepMotionIntro)
	c.emitStatusLocked(domain.SessionReasonMotionCapture)
	c.speakThenLocked(motionInstructions, c.startMotionCaptureLocked)
}

type motionResult struct {
	rom      domain.RangeOfMotion
	measured bool
	frames   int
	err      error
}

func (c *SessionController) startMotionCaptureLocked() {
	if c.session.Phase() != domain.PhaseMotion || c.session.Step > domain.StepMotionCapture || c.cycle != nil {
		return
	}
	if c.capture == nil {
		c.finishMotionWithoutMeasurementLocked(errNoFrames)
		return
	}
	_ = c.session.Advance(domain.StepMotionCapture)

	cycle := newCaptureCycle(ownerMotion)
	c.cycle = cycle
	epoch := c.epoch
	sessionID := c.session.ID
	limit := c.cfg.MotionCaptureLen + c.cfg.CaptureGrace
	ctx, cancel := context.WithTimeout(c.epochCtx, limit)
	c.message = ""
	c.logLocked().WithField("cycle_id", cycle.id).Info("motion capture started")
	c.emitStatusLocked(domain.SessionReasonCapturing)

	c.afterLocked(limit, func() {
		cancel()
		c.finishMotionLocked(cycle, motionResult{err: errCaptureTimeout})
	})
	go func() {
		defer cancel()
		result := c.measureMotion(ctx, sessionID)

		c.mu.Lock()
		defer c.mu.Unlock()
		if !c.currentLocked(epoch) {
			return
		}
		c.finishMotionLocked(cycle, result)
	}()
}

// measureMotion streams camera frames to the analysis service for the capture length.
func (c *SessionController) measureMotion(ctx context.Context, sessionID string) motionResult {
	var result motionResult
	if err := c.hardware.Acquire(ctx, ownerMotion); err != nil {
		result.err = err
		return result
	}
	defer c.hardware.Release(ownerMotion)

	stream, err := c.capture.StreamFrames(ctx)
	if err != nil {
		result.err = err
		return result
	}
	defer func() {
		if err := stream.Stop(); err != nil {
			c.log.WithError(err).Debug("frame stream stop")
		}
	}()

	var analysis ports.MotionSession
	if c.motion != nil {
		analysis, err = c.motion.Open(ctx, sessionID)
		if err != nil {
			c.log.WithError(err).Warn("range of motion service unavailable")
			analysis = nil
		}
	}

	timer := time.NewTimer(c.cfg.MotionCaptureLen)
	defer timer.Stop()
	frames := stream.Frames()
	sendFailed := false
loop:
	for {
		select {
		case frame, ok := <-frames:
			if !ok {
				break loop
			}
			result.frames++
			if analysis == nil {
				continue
			}
			if err := analysis.SendFrame(frame); err != nil && !sendFailed {
				sendFailed = true
				c.log.WithError(err).Warn("range of motion frame rejected")
			}
		case <-timer.C:
			break loop
		case <-ctx.Done():
			result.err = ctx.Err()
			break loop
		}
	}

	if analysis != nil {
		result.rom, result.measured = analysis.Latest()
		if err := analysis.Close(); err != nil {
			c.log.WithError(err).Debug("range of motion session close")
		}
	}
	return result
}

func (c *SessionController) finishMotionLocked(cycle *captureCycle, result motionResult) {
	if !cycle.complete() {
		return
	}
	if c.cycle == cycle {
		c.cycle = nil
	}
	log := c.logLocked().WithFields(logrus.Fields{"cycle_id": cycle.id, "frames": result.frames})

	if result.frames == 0 {
		err := result.err
		if err == nil {
			err = errNoFrames
		}
		log.WithError(err).Warn("motion capture failed")
		c.message = captureRetryMessage
		c.events.SessionError(domain.ErrorCodeCapture, err.Error())
		c.emitStatusLocked(domain.SessionReasonCaptureFailed)
		c.afterLocked(c.cfg.TurnRetryBackoff, c.startMotionCaptureLocked)
		return
	}
	if !result.measured {
		c.finishMotionWithoutMeasurementLocked(errNoMeasurement)
		return
	}

	rom := result.rom
	c.session.RangeOfMotion = &rom
	log.WithFields(logrus.Fields{"minimum": rom.Minimum, "maximum": rom.Maximum}).Info("range of motion measured")
	c.saveRangeOfMotionLocked(rom)
}

func (c *SessionController) finishMotionWithoutMeasurementLocked(err error) {
	c.logLocked().WithError(err).Warn("continuing without range of motion")
	c.events.SessionError(domain.ErrorCodeMotion, err.Error())
	c.emitStatusLocked(domain.SessionReasonMotionSaveFailed)
	_ = c.session.Advance(domain.StepMotionSaved)
	c.enterSummaryLocked()
}

func (c *SessionController) saveRangeOfMotionLocked(rom domain.RangeOfMotion) {
	c.session.Activity = domain.ActivityProcessing
	c.emitStatusLocked(domain.SessionReasonProcessing)
	epoch := c.epoch
	ctx := c.epochCtx
	assessmentID := c.session.AssessmentID

	go func() {
		err := c.oracle.SaveRangeOfMotion(ctx, assessmentID, rom)

		c.mu.Lock()
		defer c.mu.Unlock()
		if !c.currentLocked(epoch) {
			return
		}
		if c.session.Processing() {
			c.session.Activity = domain.ActivityNone
		}
		if err != nil {
			c.logLocked().WithError(err).Warn("save range of motion failed")
			c.events.SessionError(domain.ErrorCodeMotion, err.Error())
			c.emitStatusLocked(domain.SessionReasonMotionSaveFailed)
		}
		_ = c.session.Advance(domain.StepMotionSaved)
		c.enterSummaryLocked()
	}()
}

func (c *SessionController) enterSummaryLocked() {
	c.stopListeningLocked()
	c.session.PendingQuestion = nil
	_ = c.session.Advance(domain.StepSummary)
	c.loadSummaryLocked(0)
}

// loadSummaryLocked fetches the dashboard. The first failure is retried once.
func (c *SessionController) loadSummaryLocked(attempt int) {
	if c.session.Activity != domain.ActivityNone {
		return
	}
	c.session.Activity = domain.ActivityProcessing
	c.emitStatusLocked(domain.SessionReasonProcessing)
	epoch := c.epoch
	ctx := c.epochCtx
	assessmentID := c.session.AssessmentID

	go func() {
		summary, err := c.oracle.Dashboard(ctx, assessmentID)

		c.mu.Lock()
		defer c.mu.Unlock()
		if !c.currentLocked(epoch) {
			return
		}
		if c.session.Processing() {
			c.session.Activity = domain.ActivityNone
		}
		if err != nil {
			c.logLocked().WithError(err).WithField("attempt", attempt).Warn("dashboard load failed")
			c.message = retryMessage
			if attempt == 0 {
				c.afterLocked(c.cfg.TurnRetryBackoff, func() { c.loadSummaryLocked(1) })
				c.emitStatusLocked(domain.SessionReasonProcessing)
				return
			}
			c.events.SessionError(domain.ErrorCodeSummary, err.Error())
			c.emitStatusLocked(domain.SessionReasonSummaryFailed)
			return
		}
		c.message = ""
		c.session.Summary = summary
		c.events.SummaryReady(summary)
		c.emitStatusLocked(domain.SessionReasonSummaryReady)
	}()
}
