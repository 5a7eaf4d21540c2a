package geofence

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"
)

// ErrorKind classifies why a device position could not be obtained.
type ErrorKind string

const (
	KindPermissionDenied    ErrorKind = "permission_denied"
	KindPositionUnavailable ErrorKind = "position_unavailable"
	KindTimeout             ErrorKind = "timeout"
	KindUnknown             ErrorKind = "unknown"
)

// ErrStaleFix is returned when a provider hands back a reading older than allowed.
var ErrStaleFix = errors.New("location fix is older than the request")

// LocationError is a failed acquisition with its classification.
type LocationError struct {
	Kind ErrorKind
	Err  error
}

func (e *LocationError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *LocationError) Unwrap() error { return e.Err }

// UserMessage is the text shown to the person marking attendance.
func (e *LocationError) UserMessage() string {
	switch e.Kind {
	case KindPermissionDenied:
		return "Location permission was denied. Allow location access and refresh to continue."
	case KindPositionUnavailable:
		return "Your position is currently unavailable. Move to an open area and refresh your location."
	case KindTimeout:
		return "Getting your location took too long. Refresh to try again."
	default:
		return "Could not determine your location. Refresh to try again."
	}
}

// Options mirror the device geolocation settings.
type Options struct {
	HighAccuracy bool
	Timeout      time.Duration
	MaximumAge   time.Duration
}

// DefaultOptions asks for a fresh, high-accuracy fix within timeout.
func DefaultOptions(timeout time.Duration) Options {
	return Options{HighAccuracy: true, Timeout: timeout, MaximumAge: 0}
}

// Fix is a single position reading.
type Fix struct {
	Point
	AccuracyMeters float64   `json:"accuracy_meters"`
	Timestamp      time.Time `json:"timestamp"`
}

// LocationProvider is the device geolocation source.
type LocationProvider interface {
	CurrentPosition(ctx context.Context, opts Options) (Fix, error)
}

// StaticProvider always reports the same point, stamped at call time.
type StaticProvider struct {
	Point Point
}

func (p StaticProvider) CurrentPosition(ctx context.Context, _ Options) (Fix, error) {
	if err := ctx.Err(); err != nil {
		return Fix{}, err
	}
	return Fix{Point: p.Point, Timestamp: time.Now()}, nil
}

// CommandProvider runs a shell command, such as a GPS daemon client, that
// prints the position as "lat,lon" or "lat lon".
type CommandProvider struct {
	Command string
}

func (p CommandProvider) CurrentPosition(ctx context.Context, _ Options) (Fix, error) {
	out, err := exec.CommandContext(ctx, "sh", "-c", p.Command).Output()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Fix{}, ctxErr
		}
		return Fix{}, &LocationError{Kind: KindPositionUnavailable, Err: err}
	}
	point, err := ParsePoint(string(out))
	if err != nil {
		return Fix{}, &LocationError{Kind: KindPositionUnavailable, Err: err}
	}
	return Fix{Point: point, Timestamp: time.Now()}, nil
}

// ParsePoint reads "lat,lon" or "lat lon" and checks the coordinate ranges.
func ParsePoint(raw string) (Point, error) {
	fields := strings.FieldsFunc(strings.TrimSpace(raw), func(r rune) bool {
		return r == ',' || unicode.IsSpace(r)
	})
	if len(fields) != 2 {
		return Point{}, fmt.Errorf("want \"lat,lon\", got %q", strings.TrimSpace(raw))
	}
	lat, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return Point{}, fmt.Errorf("latitude: %w", err)
	}
	lon, err := strconv.ParseFloat(fields[1], 64)
	if err != nil {
		return Point{}, fmt.Errorf("longitude: %w", err)
	}
	if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return Point{}, fmt.Errorf("coordinates out of range: %v,%v", lat, lon)
	}
	return Point{Latitude: lat, Longitude: lon}, nil
}

// Acquire obtains a fresh fix, bounded by opts.Timeout. A reading older than
// opts.MaximumAge relative to the request start is rejected rather than used.
func Acquire(ctx context.Context, provider LocationProvider, opts Options) (Fix, error) {
	if provider == nil {
		return Fix{}, &LocationError{Kind: KindPositionUnavailable, Err: errors.New("no location provider")}
	}
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	started := time.Now()
	type outcome struct {
		fix Fix
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		fix, err := provider.CurrentPosition(ctx, opts)
		done <- outcome{fix: fix, err: err}
	}()

	select {
	case <-ctx.Done():
		return Fix{}, classify(ctx.Err())
	case out := <-done:
		if out.err != nil {
			return Fix{}, classify(out.err)
		}
		if !out.fix.Timestamp.IsZero() && out.fix.Timestamp.Before(started.Add(-opts.MaximumAge)) {
			return Fix{}, &LocationError{Kind: KindPositionUnavailable, Err: ErrStaleFix}
		}
		return out.fix, nil
	}
}

func classify(err error) error {
	var le *LocationError
	switch {
	case errors.As(err, &le):
		return le
	case errors.Is(err, context.DeadlineExceeded):
		return &LocationError{Kind: KindTimeout, Err: err}
	case errors.Is(err, context.Canceled):
		return err
	default:
		return &LocationError{Kind: KindUnknown, Err: err}
	}
}

// Locator holds the most recent successful fix and supports user-initiated refresh.
type Locator struct {
	provider LocationProvider
	opts     Options

	mu      sync.Mutex
	gen     uint64
	last    *Fix
	lastErr error
	cancel  context.CancelFunc
}

func NewLocator(provider LocationProvider, opts Options) *Locator {
	return &Locator{provider: provider, opts: opts}
}

// Refresh abandons any acquisition in flight and requests a new fix. On failure
// the previous fix is discarded so a stale reading is never reused. Cancelling
// ctx abandons the request.
func (l *Locator) Refresh(ctx context.Context) (Fix, error) {
	ctx, cancel := context.WithCancel(ctx)
	l.mu.Lock()
	if l.cancel != nil {
		l.cancel()
	}
	l.cancel = cancel
	l.gen++
	gen := l.gen
	l.mu.Unlock()

	fix, err := Acquire(ctx, l.provider, l.opts)

	l.mu.Lock()
	defer l.mu.Unlock()
	cancel()
	if gen != l.gen || errors.Is(err, context.Canceled) {
		// superseded by a newer Refresh
		if err == nil {
			err = context.Canceled
		}
		return Fix{}, err
	}
	if err != nil {
		l.last = nil
		l.lastErr = err
		return Fix{}, err
	}
	l.last = &fix
	l.lastErr = nil
	return fix, nil
}

// Current returns the last fix, or the last acquisition error.
func (l *Locator) Current() (*Fix, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.last == nil {
		return nil, l.lastErr
	}
	fix := *l.last
	return &fix, nil
}
