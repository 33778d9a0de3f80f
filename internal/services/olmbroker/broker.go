package olmbroker

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/pion/logging"

	"groupcrypt/internal/domain"
	"groupcrypt/internal/domain/types"
	"groupcrypt/internal/metrics"
)

var (
	errSkippedServer = errors.New("server skipped after earlier failure")
	errNoOneTimeKey  = errors.New("device has no one-time keys left")
)

// serverError marks a failure of the device's server rather than the device.
type serverError struct{ err error }

func (e *serverError) Error() string { return e.err.Error() }
func (e *serverError) Unwrap() error { return e.err }

// Options tunes one EnsureChannels call.
type Options struct {
	// Timeout bounds the claim round. Zero means no bound beyond ctx.
	Timeout time.Duration
	// SkipServers are not contacted; their devices are reported missing.
	SkipServers map[string]bool
	// Force claims a new channel even when one exists.
	Force bool
}

// Missing is a device no channel could be set up to. Err is a
// *types.NoViableChannelError.
type Missing struct {
	Device domain.DeviceInfo
	Err    error
}

// Result is the outcome of EnsureChannels.
type Result struct {
	Established   []domain.DeviceInfo
	Missing       []Missing
	FailedServers map[string]bool
}

// Config wires a Broker.
type Config struct {
	Channel       domain.PairwiseChannel
	Claimer       domain.OneTimeKeyClaimer
	LoggerFactory logging.LoggerFactory
	Metrics       *metrics.Metrics
}

// Broker establishes pairwise channels.
type Broker struct {
	channel domain.PairwiseChannel
	claimer domain.OneTimeKeyClaimer
	log     logging.LeveledLogger
	metrics *metrics.Metrics

	mu       sync.Mutex
	inflight map[string]*round
}

// round is one claim round; results are readable once done is closed.
type round struct {
	done    chan struct{}
	results map[string]error
}

// wait blocks until the round finishes or timeout expires. A finished round
// wins over an expired timeout. Cancelling ctx is reported as is; running
// out of time counts against the server.
func (r *round) wait(ctx, timeout context.Context) error {
	select {
	case <-r.done:
		return nil
	default:
	}
	select {
	case <-r.done:
		return nil
	case <-timeout.Done():
		if err := ctx.Err(); err != nil {
			return err
		}
		return &serverError{timeout.Err()}
	}
}

// New returns a Broker for cfg.
func New(cfg Config) *Broker {
	lf := cfg.LoggerFactory
	if lf == nil {
		lf = logging.NewDefaultLoggerFactory()
	}
	return &Broker{
		channel:  cfg.Channel,
		claimer:  cfg.Claimer,
		log:      lf.NewLogger("olmbroker"),
		metrics:  cfg.Metrics,
		inflight: make(map[string]*round),
	}
}

// Split partitions devices into those with and without an existing channel.
func (b *Broker) Split(devices []domain.DeviceInfo) (with, without []domain.DeviceInfo, err error) {
	for _, d := range devices {
		ok, err := b.channel.HasSession(d.IdentityKey)
		if err != nil {
			return nil, nil, err
		}
		if ok {
			with = append(with, d)
		} else {
			without = append(without, d)
		}
	}
	return with, without, nil
}

// EnsureChannels sets up channels to every device that lacks one. Per-device
// failures are reported in the result, never as an error.
func (b *Broker) EnsureChannels(ctx context.Context, devices []domain.DeviceInfo, opts Options) (Result, error) {
	res := Result{FailedServers: make(map[string]bool)}

	// The timeout also bounds waiting on rounds started by other callers.
	waitCtx := ctx
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	todo := devices
	if !opts.Force {
		with, without, err := b.Split(devices)
		if err != nil {
			return Result{}, err
		}
		res.Established = append(res.Established, with...)
		todo = without
	}

	var claim []domain.DeviceInfo
	for _, d := range todo {
		if server := d.UserID.Server(); opts.SkipServers[server] {
			res.miss(d, errSkippedServer)
			continue
		}
		claim = append(claim, d)
	}
	if len(claim) == 0 {
		return res, nil
	}

	mine, joined := b.assign(claim)
	if len(mine) > 0 {
		b.claimRound(ctx, mine, opts.Timeout)
	}

	for _, d := range claim {
		r := joined[d.IdentityKey]
		if r == nil {
			r = mine[d.IdentityKey].r
		}
		if err := r.wait(ctx, waitCtx); err != nil {
			res.miss(d, err)
			continue
		}
		if err := r.results[d.IdentityKey]; err != nil {
			res.miss(d, err)
			continue
		}
		res.Established = append(res.Established, d)
	}

	b.metrics.Channels("established", len(res.Established))
	b.metrics.Channels("missing", len(res.Missing))
	return res, nil
}

type assigned struct {
	d domain.DeviceInfo
	r *round
}

// assign registers a new round for devices nobody is setting up yet and
// returns the rounds the others already belong to.
func (b *Broker) assign(devices []domain.DeviceInfo) (map[string]assigned, map[string]*round) {
	b.mu.Lock()
	defer b.mu.Unlock()

	r := &round{done: make(chan struct{}), results: make(map[string]error)}
	mine := make(map[string]assigned)
	joined := make(map[string]*round)
	for _, d := range devices {
		if other, ok := b.inflight[d.IdentityKey]; ok {
			joined[d.IdentityKey] = other
			continue
		}
		b.inflight[d.IdentityKey] = r
		mine[d.IdentityKey] = assigned{d: d, r: r}
	}
	return mine, joined
}

func (b *Broker) claimRound(ctx context.Context, mine map[string]assigned, timeout time.Duration) {
	var r *round
	keys := make([]domain.DeviceKey, 0, len(mine))
	for _, a := range mine {
		r = a.r
		keys = append(keys, a.d.Key())
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })

	defer func() {
		b.mu.Lock()
		for ik := range mine {
			delete(b.inflight, ik)
		}
		b.mu.Unlock()
		close(r.done)
	}()

	claimCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		claimCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	b.log.Debugf("claiming one-time keys for %d devices", len(keys))
	claimed, err := b.claimer.ClaimOneTimeKeys(claimCtx, keys, timeout)
	for ik, a := range mine {
		server := a.d.UserID.Server()
		var derr error
		switch {
		case err != nil:
			derr = &serverError{err}
		case claimed.Failures[server] != nil:
			derr = &serverError{claimed.Failures[server]}
		default:
			otk, ok := claimed.Keys[a.d.Key()]
			if !ok {
				derr = errNoOneTimeKey
			} else {
				derr = b.channel.CreateOutboundSession(a.d, otk)
			}
		}
		if derr != nil {
			b.log.Debugf("%s: %v", a.d.Key(), derr)
		}
		r.results[ik] = derr
	}
}

func (r *Result) miss(d domain.DeviceInfo, err error) {
	server := d.UserID.Server()
	var se *serverError
	if errors.As(err, &se) {
		r.FailedServers[server] = true
	}
	r.Missing = append(r.Missing, Missing{
		Device: d,
		Err:    &types.NoViableChannelError{Device: d.Key(), Server: server, Err: err},
	})
}
