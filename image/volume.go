// Package image holds decoded gray volumes and keeps them in memory only while needed.
//
// A Volume is either InMemory (resident buffer) or Stashed (compressed stored form only):
//
//	        Stash / scheduled timer
//	InMemory ───────────────────────→ Stashed
//	    ↑                                │
//	    └──────── Unstash (single flight, one retry) ◄┘
//
// All residency state is owned by the volume; volumes never share timers or flights.
package image

import (
	"context"
	"fmt"
	"sync"
	"time"

	units "github.com/docker/go-units"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/zeebo/blake3"
	"golang.org/x/sync/singleflight"
)

type Status int

const (
	StatusInMemory Status = iota
	StatusStashed
)

func (s Status) String() string {
	if s == StatusStashed {
		return "stashed"
	}
	return "in-memory"
}

// DefaultRetryDelay is the wait between a failed restore and its single retry.
const DefaultRetryDelay = 10 * time.Second

// ResidencyError reports a volume that could not be restored from its stored form.
type ResidencyError struct {
	Volume   uuid.UUID
	Attempts int
	Err      error
}

func (e *ResidencyError) Error() string {
	return fmt.Sprintf("unstash volume %s failed after %d attempts: %v", e.Volume, e.Attempts, e.Err)
}

func (e *ResidencyError) Unwrap() error {
	return e.Err
}

type Volume struct {
	ID     uuid.UUID
	Width  int
	Height int
	Depth  int

	codec      Codec
	retryDelay time.Duration
	log        *logrus.Entry
	flight     singleflight.Group

	mu          sync.Mutex
	status      Status
	data        []byte
	stored      []byte   // Valid stored form; nil until the first stash or after Update
	digest      [32]byte // blake3 of the buffer the stored form was made from
	timer       *time.Timer
	timerGen    uint64 // Bumped on every cancel so a fired timer can tell it is stale
	projections Projections
}

type Option func(*Volume)

func WithCodec(c Codec) Option {
	return func(v *Volume) {
		v.codec = c
	}
}

func WithRetryDelay(d time.Duration) Option {
	return func(v *Volume) {
		v.retryDelay = d
	}
}

func WithLogger(log *logrus.Entry) Option {
	return func(v *Volume) {
		v.log = log
	}
}

// MaxVolumeBytes bounds width*height*depth. Dimensions arriving in a Transfer are not
// trusted to be sane.
const MaxVolumeBytes = 1 << 32

func checkDimensions(width, height, depth int) error {
	if width <= 0 || height <= 0 || depth <= 0 {
		return errors.Errorf("invalid volume dimensions %dx%dx%d", width, height, depth)
	}
	size := int64(1)
	for _, d := range []int{width, height, depth} {
		if int64(d) > MaxVolumeBytes || size*int64(d) > MaxVolumeBytes {
			return errors.Errorf("volume %dx%dx%d exceeds %d bytes", width, height, depth, int64(MaxVolumeBytes))
		}
		size *= int64(d)
	}
	if int64(int(size)) != size {
		return errors.Errorf("volume %dx%dx%d does not fit in memory", width, height, depth)
	}
	return nil
}

func newVolume(width, height, depth int, opts []Option) (*Volume, error) {
	if err := checkDimensions(width, height, depth); err != nil {
		return nil, err
	}
	v := &Volume{
		ID:         uuid.New(),
		Width:      width,
		Height:     height,
		Depth:      depth,
		retryDelay: DefaultRetryDelay,
	}
	for _, opt := range opts {
		opt(v)
	}
	if v.codec == nil {
		c, err := NewZstdCodec()
		if err != nil {
			return nil, err
		}
		v.codec = c
	}
	if v.log == nil {
		v.log = logrus.WithField("component", "image")
	}
	v.log = v.log.WithField("volume", v.ID)
	return v, nil
}

// NewVolume wraps a decoded buffer of width*height*depth bytes, z-major. The volume owns
// data from now on.
func NewVolume(width, height, depth int, data []byte, opts ...Option) (*Volume, error) {
	v, err := newVolume(width, height, depth, opts)
	if err != nil {
		return nil, err
	}
	if len(data) != v.Size() {
		return nil, errors.Errorf("buffer holds %d bytes, %dx%dx%d needs %d", len(data), width, height, depth, v.Size())
	}
	v.data = data
	return v, nil
}

// Size returns the resident buffer size in bytes.
func (v *Volume) Size() int {
	return v.Width * v.Height * v.Depth
}

func (v *Volume) Status() Status {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.status
}

// Stash releases the resident buffer, keeping only the stored form. It cancels any
// scheduled stash and reports false when the volume was already stashed.
func (v *Volume) Stash() (bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.cancelTimerLocked()
	return v.stashLocked()
}

func (v *Volume) stashLocked() (bool, error) {
	if v.status == StatusStashed {
		return false, nil
	}
	if v.stored == nil {
		stored, err := v.codec.Compress(v.data)
		if err != nil {
			return false, errors.Wrapf(err, "stash volume %s", v.ID)
		}
		v.stored = stored
		v.digest = blake3.Sum256(v.data)
	}
	v.data = nil
	v.status = StatusStashed
	v.log.WithFields(logrus.Fields{
		"resident": units.HumanSize(float64(v.Size())),
		"stored":   units.HumanSize(float64(len(v.stored))),
		"codec":    v.codec.Name(),
	}).Debug("Volume stashed")
	return true, nil
}

// Unstash restores the resident buffer. It cancels any scheduled stash and reports false
// when the volume was already in memory. Concurrent callers share one restore. A failed
// restore is retried once after the retry delay; if that fails too every waiting caller
// gets a *ResidencyError and the next call starts over.
//
// ctx only bounds how long this caller waits; the shared restore keeps going.
func (v *Volume) Unstash(ctx context.Context) (bool, error) {
	v.mu.Lock()
	v.cancelTimerLocked()
	stashed := v.status == StatusStashed
	v.mu.Unlock()
	if !stashed {
		return false, nil
	}

	ch := v.flight.DoChan("unstash", func() (any, error) {
		return nil, v.restore()
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return false, res.Err
		}
		return true, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func (v *Volume) restore() error {
	v.mu.Lock()
	if v.status != StatusStashed {
		// A flight that finished between our status check and DoChan already did the work
		v.mu.Unlock()
		return nil
	}
	stored, digest := v.stored, v.digest
	v.mu.Unlock()

	data, err := v.decode(stored, digest)
	if err != nil {
		v.log.WithError(err).Errorf("Error unstashing volume, trying again in %s", v.retryDelay)
		time.Sleep(v.retryDelay)

		v.log.Warn("Retrying unstash")
		if data, err = v.decode(stored, digest); err != nil {
			v.log.WithError(err).Error("Error unstashing volume")
			return &ResidencyError{Volume: v.ID, Attempts: 2, Err: err}
		}
	}

	v.mu.Lock()
	if v.status == StatusStashed {
		v.data = data
		v.status = StatusInMemory
	}
	v.mu.Unlock()
	v.log.WithField("resident", units.HumanSize(float64(len(data)))).Debug("Volume unstashed")
	return nil
}

func (v *Volume) decode(stored []byte, digest [32]byte) (data []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("decode stored form: %v", r)
		}
	}()
	data, err = v.codec.Decompress(stored, v.Size())
	if err != nil {
		return nil, err
	}
	if blake3.Sum256(data) != digest {
		return nil, errors.New("stored form does not match its digest")
	}
	return data, nil
}

// ScheduleStash stashes the volume after d unless an Unstash, Stash or another
// ScheduleStash comes first. It does nothing on a stashed volume.
func (v *Volume) ScheduleStash(d time.Duration) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.status == StatusStashed {
		return
	}
	v.cancelTimerLocked()
	gen := v.timerGen
	v.timer = time.AfterFunc(d, func() {
		v.mu.Lock()
		defer v.mu.Unlock()
		if v.timerGen != gen {
			return
		}
		v.timer = nil
		if _, err := v.stashLocked(); err != nil {
			v.log.WithError(err).Error("Scheduled stash failed")
		}
	})
}

func (v *Volume) cancelTimerLocked() {
	v.timerGen++
	if v.timer != nil {
		v.timer.Stop()
		v.timer = nil
	}
}

// UnstashTemp unstashes the volume and schedules it to be stashed again after d.
func (v *Volume) UnstashTemp(ctx context.Context, d time.Duration) error {
	if _, err := v.Unstash(ctx); err != nil {
		return err
	}
	v.ScheduleStash(d)
	return nil
}

// IsStashScheduled reports whether an eviction timer is armed.
func (v *Volume) IsStashScheduled() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.status != StatusStashed && v.timer != nil
}

// Bytes unstashes the volume and returns its resident buffer. The buffer must be treated
// as read-only; use Update to change the volume.
func (v *Volume) Bytes(ctx context.Context) ([]byte, error) {
	for {
		if _, err := v.Unstash(ctx); err != nil {
			return nil, err
		}
		v.mu.Lock()
		data := v.data
		v.mu.Unlock()
		if data != nil {
			return data, nil
		}
		// Stashed again between the restore and the read
	}
}

// Update replaces the volume's contents, leaving it in memory. The stored form and the
// projections describe the old contents and are dropped.
func (v *Volume) Update(data []byte) error {
	if len(data) != v.Size() {
		return errors.Errorf("buffer holds %d bytes, volume needs %d", len(data), v.Size())
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.data = data
	v.status = StatusInMemory
	v.stored = nil
	v.digest = [32]byte{}
	v.projections = Projections{}
	return nil
}
