package storage

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tg123/mqbroker/logging"
)

type FaultToleranceSettings struct {
	Timeout         time.Duration `mapstructure:"timeout" toml:"timeout" validate:"gte=0"`
	RetryDelay      time.Duration `mapstructure:"retry_delay" toml:"retry_delay" validate:"gte=0"`
	RestartOnError  bool          `mapstructure:"restart_on_error" toml:"restart_on_error"`
	RestartInterval time.Duration `mapstructure:"restart_interval" toml:"restart_interval" validate:"gte=0"`
}

func DefaultFaultToleranceSettings() FaultToleranceSettings {
	return FaultToleranceSettings{
		Timeout:         90 * time.Second,
		RetryDelay:      time.Second,
		RestartOnError:  true,
		RestartInterval: 60 * time.Second,
	}
}

func (s *FaultToleranceSettings) SetDefault() {
	d := DefaultFaultToleranceSettings()

	if s.Timeout <= 0 {
		s.Timeout = d.Timeout
	}

	if s.RetryDelay <= 0 {
		s.RetryDelay = d.RetryDelay
	}

	if s.RestartInterval <= 0 {
		s.RestartInterval = d.RestartInterval
	}
}

// FatalError is returned once an operation kept failing for the whole timeout.
type FatalError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("storage: %v failed after %v attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// FaultTolerant retries every call of the wrapped engine until it succeeds or
// the timeout expires, restarting the engine between attempts at most once per
// RestartInterval.
type FaultTolerant struct {
	inner    Manager
	settings FaultToleranceSettings

	restartMu   sync.Mutex
	lastRestart time.Time
	restarts    int

	sleep func(time.Duration)
	now   func() time.Time
}

var _ Manager = (*FaultTolerant)(nil)

func NewFaultTolerant(inner Manager, settings FaultToleranceSettings) *FaultTolerant {
	settings.SetDefault()
	return &FaultTolerant{
		inner:    inner,
		settings: settings,
		sleep:    time.Sleep,
		now:      time.Now,
	}
}

func (f *FaultTolerant) Inner() Manager {
	return f.inner
}

// Restarts counts the restarts of the wrapped engine.
func (f *FaultTolerant) Restarts() int {
	f.restartMu.Lock()
	defer f.restartMu.Unlock()
	return f.restarts
}

func (f *FaultTolerant) restart() {
	if !f.settings.RestartOnError {
		return
	}

	f.restartMu.Lock()
	defer f.restartMu.Unlock()

	now := f.now()
	if !f.lastRestart.IsZero() && now.Sub(f.lastRestart) < f.settings.RestartInterval {
		return
	}
	f.lastRestart = now
	f.restarts++

	logger.Warn().Str(logging.EVENT, "STORAGE_RESTART").Msg("restarting storage engine")

	if err := f.inner.Stop(false); err != nil {
		logger.Error().Err(err).Msg("failed to stop storage engine")
	}

	if err := f.inner.Start(); err != nil {
		logger.Error().Err(err).Msg("failed to start storage engine")
	}
}

func retry[T any](f *FaultTolerant, op string, restart bool, fn func() (T, error)) (T, error) {
	deadline := f.now().Add(f.settings.Timeout)

	for attempt := 1; ; attempt++ {
		v, err := fn()
		if err == nil {
			return v, nil
		}

		if errors.Is(err, ErrInvalidMessage) {
			return v, err
		}

		logger.Warn().Str("op", op).Int("attempt", attempt).Err(err).Msg("storage operation failed")

		if restart {
			f.restart()
		}

		remaining := deadline.Sub(f.now())
		if remaining <= 0 {
			var zero T
			return zero, &FatalError{Op: op, Attempts: attempt, Err: err}
		}

		delay := f.settings.RetryDelay
		if delay > remaining {
			delay = remaining
		}
		f.sleep(delay)
	}
}

func (f *FaultTolerant) Start() error {
	_, err := retry(f, "Start", false, func() (struct{}, error) {
		return struct{}{}, f.inner.Start()
	})
	return err
}

func (f *FaultTolerant) Stop(waitToFinish bool) error {
	_, err := retry(f, "Stop", false, func() (struct{}, error) {
		return struct{}{}, f.inner.Stop(waitToFinish)
	})
	return err
}

func (f *FaultTolerant) StoreMessage(r *MessageRecord) (int64, error) {
	return retry(f, "StoreMessage", true, func() (int64, error) {
		return f.inner.StoreMessage(r)
	})
}

func (f *FaultTolerant) GetWaitingMessagesOfApplication(nextServer, destApplication string, minID int64, maxCount int) ([]*MessageRecord, error) {
	return retry(f, "GetWaitingMessagesOfApplication", true, func() ([]*MessageRecord, error) {
		return f.inner.GetWaitingMessagesOfApplication(nextServer, destApplication, minID, maxCount)
	})
}

func (f *FaultTolerant) GetMaxWaitingMessageIDOfApplication(nextServer, destApplication string) (int64, error) {
	return retry(f, "GetMaxWaitingMessageIDOfApplication", true, func() (int64, error) {
		return f.inner.GetMaxWaitingMessageIDOfApplication(nextServer, destApplication)
	})
}

func (f *FaultTolerant) GetWaitingMessagesOfServer(nextServer string, minID int64, maxCount int) ([]*MessageRecord, error) {
	return retry(f, "GetWaitingMessagesOfServer", true, func() ([]*MessageRecord, error) {
		return f.inner.GetWaitingMessagesOfServer(nextServer, minID, maxCount)
	})
}

func (f *FaultTolerant) GetMaxWaitingMessageIDOfServer(nextServer string) (int64, error) {
	return retry(f, "GetMaxWaitingMessageIDOfServer", true, func() (int64, error) {
		return f.inner.GetMaxWaitingMessageIDOfServer(nextServer)
	})
}

func (f *FaultTolerant) RemoveMessage(id int64) (int, error) {
	return retry(f, "RemoveMessage", true, func() (int, error) {
		return f.inner.RemoveMessage(id)
	})
}

func (f *FaultTolerant) UpdateNextServer(destServer, nextServer string) (int, error) {
	return retry(f, "UpdateNextServer", true, func() (int, error) {
		return f.inner.UpdateNextServer(destServer, nextServer)
	})
}
