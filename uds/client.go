package uds

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/jellydator/ttlcache/v3"
	"github.com/sirupsen/logrus"

	"github.com/LoveWonYoung/x260diag/keygen"
	"github.com/LoveWonYoung/x260diag/tp"
	"github.com/LoveWonYoung/x260diag/transport"
)

// Policy carries the timing budgets of the engine. These are calibrated
// from field notes, not protocol constants, so they stay configurable.
type Policy struct {
	// ResponseTimeout is the short wait for the initial reply.
	ResponseTimeout time.Duration
	// PendingWindow bounds how long a 0x78-acknowledged request may stay open.
	PendingWindow time.Duration
	// BusyAttempts and BusyDelay govern whole-request retries on busy NRCs.
	BusyAttempts uint
	BusyDelay    time.Duration
	// S3Timeout is the server session timeout; keepalive fires at half of it.
	S3Timeout time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		ResponseTimeout: 2 * time.Second,
		PendingWindow:   60 * time.Second,
		BusyAttempts:    4,
		BusyDelay:       1500 * time.Millisecond,
		S3Timeout:       5 * time.Second,
	}
}

// Session is the state of one logical conversation with an ECU.
type Session struct {
	Type          SessionType
	SecurityLevel byte // 0 while locked, the odd seed level once unlocked
	LastActivity  time.Time
}

// Unlocked reports whether the given seed level is currently open.
func (s Session) Unlocked(level byte) bool {
	return s.SecurityLevel != 0 && s.SecurityLevel == level
}

// Client drives UDS exchanges with one ECU target. All wire activity goes
// through the shared channel token; request correlation, pending handling
// and stale-response protection live here.
type Client struct {
	framer  *tp.Framer
	token   *transport.Token
	policy  Policy
	journal *Journal
	log     *logrus.Entry

	mu        sync.Mutex
	session   Session
	abandoned *ttlcache.Cache[byte, time.Time]

	stopKeepalive context.CancelFunc
}

func NewClient(framer *tp.Framer, token *transport.Token, journal *Journal, policy Policy, log *logrus.Entry) *Client {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	abandoned := ttlcache.New[byte, time.Time](
		ttlcache.WithTTL[byte, time.Time](policy.PendingWindow),
	)
	go abandoned.Start()

	return &Client{
		framer:    framer,
		token:     token,
		policy:    policy,
		journal:   journal,
		log:       log,
		session:   Session{Type: SessionDefault, LastActivity: time.Now()},
		abandoned: abandoned,
	}
}

// Close stops background state. The transport connection is owned by the
// caller and is not closed here.
func (c *Client) Close() {
	c.mu.Lock()
	stop := c.stopKeepalive
	c.stopKeepalive = nil
	c.mu.Unlock()
	if stop != nil {
		stop()
	}
	c.abandoned.Stop()
}

// Session returns a copy of the current session state.
func (c *Client) Session() Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// Request performs one complete UDS exchange: transmit, wait through any
// pending acknowledgements, and retry the whole request on busy NRCs up to
// the policy budget.
func (c *Client) Request(ctx context.Context, payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return nil, &ConfigurationError{Reason: "empty request payload"}
	}

	if err := c.token.Acquire(ctx); err != nil {
		return nil, err
	}
	defer c.token.Release()

	var response []byte
	err := retry.Do(
		func() error {
			resp, err := c.exchange(ctx, payload)
			if err != nil {
				return err
			}
			response = resp
			return nil
		},
		retry.RetryIf(func(err error) bool {
			neg, ok := err.(*NegativeResponseError)
			return ok && neg.Retryable()
		}),
		retry.Attempts(c.policy.BusyAttempts),
		retry.Delay(c.policy.BusyDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			c.log.WithFields(logrus.Fields{"attempt": n + 1, "sid": fmt.Sprintf("0x%02X", payload[0])}).
				Warnf("busy response, repeating request: %v", err)
		}),
	)
	if err != nil {
		return nil, err
	}

	c.touch()
	return response, nil
}

// exchange sends the request once and waits for its definitive reply.
func (c *Client) exchange(ctx context.Context, payload []byte) ([]byte, error) {
	sid := payload[0]
	c.journal.Record(DirectionSent, payload, DescribeRequest(payload))

	if err := c.framer.Send(ctx, payload); err != nil {
		c.abandon(sid)
		c.journal.Record(DirectionError, payload, fmt.Sprintf("send failed: %v", err))
		return nil, err
	}

	waitStart := time.Now()
	pendingDeadline := waitStart.Add(c.policy.PendingWindow)
	deadline := waitStart.Add(c.policy.ResponseTimeout)
	sawPending := false

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			c.abandon(sid)
			err := &TimeoutError{Service: sid, Waited: time.Since(waitStart), Pending: sawPending}
			c.journal.Record(DirectionError, nil, err.Error())
			c.lockOnTimeout()
			return nil, err
		}

		resp, err := c.framer.Recv(ctx, remaining)
		if err != nil {
			if _, ok := err.(transport.TimeoutError); ok {
				continue // deadline check above decides when to give up
			}
			// Cancellation or a dead channel leaves the request in flight
			// on the server side; register it so a late reply is
			// recognized for what it is.
			c.abandon(sid)
			c.journal.Record(DirectionError, nil, err.Error())
			return nil, err
		}
		if len(resp) == 0 {
			continue
		}

		if resp[0] == NegativeResponseSID && len(resp) >= 3 {
			echoed := resp[1]
			code := NRC(resp[2])

			if echoed != sid {
				// Never let a reply to another request complete or fail
				// the one in flight.
				if c.WasAbandoned(echoed) {
					c.journal.Record(DirectionError, resp,
						fmt.Sprintf("late negative response to abandoned request SID 0x%02X", echoed))
				} else {
					c.journal.Record(DirectionError, resp,
						fmt.Sprintf("discarded stale negative response for SID 0x%02X", echoed))
				}
				continue
			}

			if code == NRCResponsePending {
				sawPending = true
				c.journal.Record(DirectionPending, resp,
					fmt.Sprintf("%s: response pending", DescribeService(sid)))
				// Re-arm a longer wait, bounded by the pending window.
				deadline = time.Now().Add(c.policy.PendingWindow)
				if deadline.After(pendingDeadline) {
					deadline = pendingDeadline
				}
				continue
			}

			negErr := &NegativeResponseError{Service: echoed, Code: code}
			c.journal.Record(DirectionError, resp, negErr.Error())
			return nil, negErr
		}

		if resp[0] == sid+PositiveResponseOffset {
			c.journal.Record(DirectionReceived, resp, DescribeService(resp[0]))
			return resp, nil
		}

		// Positive response for some other SID: stale, discard and wait on.
		if staleSID := resp[0] - PositiveResponseOffset; c.WasAbandoned(staleSID) {
			c.journal.Record(DirectionError, resp,
				fmt.Sprintf("late response to abandoned request SID 0x%02X", staleSID))
		} else {
			c.journal.Record(DirectionError, resp,
				fmt.Sprintf("discarded stale response 0x%02X while waiting for 0x%02X",
					resp[0], sid+PositiveResponseOffset))
		}
	}
}

// abandon remembers the SID of a request left in flight — timed out,
// cancelled, or cut off by a send failure — so that a late matching frame
// can be recognized as stale by interested callers.
func (c *Client) abandon(sid byte) {
	c.abandoned.Set(sid, time.Now(), ttlcache.DefaultTTL)
}

// WasAbandoned reports whether a request with this SID was recently
// abandoned in flight.
func (c *Client) WasAbandoned(sid byte) bool {
	return c.abandoned.Has(sid)
}

func (c *Client) touch() {
	c.mu.Lock()
	c.session.LastActivity = time.Now()
	c.mu.Unlock()
}

// lockOnTimeout resets the local session mirror: a timeout has consumed
// the server's S3 budget, so the ECU is back in the default session and
// relocked. Mirroring that here makes the next pre-flight re-send
// session control instead of assuming the old session survived.
func (c *Client) lockOnTimeout() {
	c.mu.Lock()
	c.session.Type = SessionDefault
	c.session.SecurityLevel = 0
	c.mu.Unlock()
}

// DiagnosticSessionControl switches the diagnostic session. Any session
// change resets the security sub-state to locked.
func (c *Client) DiagnosticSessionControl(ctx context.Context, session SessionType) error {
	resp, err := c.Request(ctx, []byte{SIDDiagnosticSessionControl, byte(session)})
	if err != nil {
		return err
	}
	if len(resp) < 2 || resp[1] != byte(session) {
		return &ConfigurationError{Reason: fmt.Sprintf("session control echoed %X", resp)}
	}
	c.mu.Lock()
	c.session.Type = session
	c.session.SecurityLevel = 0
	c.mu.Unlock()
	c.log.WithField("session", session.String()).Info("diagnostic session changed")
	return nil
}

// SecurityAccess runs the odd/even seed-key exchange for the given seed
// level. A zero seed means the level is already unlocked.
func (c *Client) SecurityAccess(ctx context.Context, level byte, fixedData []byte) error {
	if level%2 == 0 {
		return &ConfigurationError{Reason: fmt.Sprintf("seed level must be odd, got 0x%02X", level)}
	}

	resp, err := c.Request(ctx, []byte{SIDSecurityAccess, level})
	if err != nil {
		return err
	}
	if len(resp) < 3 {
		return &ConfigurationError{Reason: fmt.Sprintf("seed response too short: %X", resp)}
	}
	seed := resp[2:]

	if bytes.Equal(seed, make([]byte, len(seed))) {
		c.mu.Lock()
		c.session.SecurityLevel = level
		c.mu.Unlock()
		c.log.WithField("level", fmt.Sprintf("0x%02X", level)).Info("already unlocked (zero seed)")
		return nil
	}

	key, err := keygen.ComputeKey(level, seed, fixedData)
	if err != nil {
		if cfgErr, ok := err.(keygen.ConfigError); ok {
			return &ConfigurationError{Reason: cfgErr.Error()}
		}
		return err
	}

	request := append([]byte{SIDSecurityAccess, level + 1}, key...)
	if _, err := c.Request(ctx, request); err != nil {
		return err
	}

	c.mu.Lock()
	c.session.SecurityLevel = level
	c.mu.Unlock()
	c.log.WithField("level", fmt.Sprintf("0x%02X", level)).Info("security access granted")
	return nil
}

// TesterPresent keeps the session alive. With suppress set the ECU sends no
// reply, so only the transmission is performed.
func (c *Client) TesterPresent(ctx context.Context, suppress bool) error {
	if suppress {
		if err := c.token.Acquire(ctx); err != nil {
			return err
		}
		defer c.token.Release()
		payload := []byte{SIDTesterPresent, SuppressPositiveResponse}
		c.journal.Record(DirectionSent, payload, "TesterPresent (suppressed response)")
		if err := c.framer.Send(ctx, payload); err != nil {
			return err
		}
		c.touch()
		return nil
	}
	_, err := c.Request(ctx, []byte{SIDTesterPresent, 0x00})
	return err
}

// ReadDataByIdentifier reads one DID and returns its record value.
func (c *Client) ReadDataByIdentifier(ctx context.Context, did uint16) ([]byte, error) {
	resp, err := c.Request(ctx, []byte{SIDReadDataByIdentifier, byte(did >> 8), byte(did)})
	if err != nil {
		return nil, err
	}
	if len(resp) < 3 || uint16(resp[1])<<8|uint16(resp[2]) != did {
		return nil, &ConfigurationError{Reason: fmt.Sprintf("DID read echoed %X", resp)}
	}
	return resp[3:], nil
}

// WriteDataByIdentifier writes one DID record.
func (c *Client) WriteDataByIdentifier(ctx context.Context, did uint16, data []byte) error {
	payload := append([]byte{SIDWriteDataByIdentifier, byte(did >> 8), byte(did)}, data...)
	resp, err := c.Request(ctx, payload)
	if err != nil {
		return err
	}
	if len(resp) < 3 || uint16(resp[1])<<8|uint16(resp[2]) != did {
		return &ConfigurationError{Reason: fmt.Sprintf("DID write echoed %X", resp)}
	}
	return nil
}

// ECUReset requests a reset and resets local session state on success.
func (c *Client) ECUReset(ctx context.Context, sub byte) error {
	resp, err := c.Request(ctx, []byte{SIDECUReset, sub})
	if err != nil {
		return err
	}
	if len(resp) < 2 || resp[1] != sub {
		return &ConfigurationError{Reason: fmt.Sprintf("reset echoed %X", resp)}
	}
	c.mu.Lock()
	c.session = Session{Type: SessionDefault, LastActivity: time.Now()}
	c.mu.Unlock()
	return nil
}

// RoutineControl issues a routine sub-function and returns the response
// after the SID byte: sub-function, routine id, then routine data.
func (c *Client) RoutineControl(ctx context.Context, sub byte, routineID uint16, params []byte) ([]byte, error) {
	payload := append([]byte{SIDRoutineControl, sub, byte(routineID >> 8), byte(routineID)}, params...)
	resp, err := c.Request(ctx, payload)
	if err != nil {
		return nil, err
	}
	if len(resp) < 4 {
		return nil, &ConfigurationError{Reason: fmt.Sprintf("routine response too short: %X", resp)}
	}
	if echoed := uint16(resp[2])<<8 | uint16(resp[3]); echoed != routineID {
		return nil, &ConfigurationError{Reason: fmt.Sprintf("routine response for 0x%04X while running 0x%04X", echoed, routineID)}
	}
	return resp[1:], nil
}

// StartKeepalive runs the background TesterPresent timer. It fires at half
// the S3 window, only while a session other than default is open and has
// been idle that long, and yields by rescheduling when a user exchange
// holds the channel token.
func (c *Client) StartKeepalive(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	if c.stopKeepalive != nil {
		c.stopKeepalive()
	}
	c.stopKeepalive = cancel
	c.mu.Unlock()

	interval := c.policy.S3Timeout / 2
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.mu.Lock()
				idle := time.Since(c.session.LastActivity)
				sessionType := c.session.Type
				c.mu.Unlock()
				// Only a non-default session has an S3 budget to keep
				// alive; the default session never expires.
				if sessionType == SessionDefault || idle < interval {
					continue
				}
				if !c.token.TryAcquire() {
					// An exchange is in flight; its completion refreshes
					// LastActivity, so just wait for the next tick.
					continue
				}
				payload := []byte{SIDTesterPresent, SuppressPositiveResponse}
				c.journal.Record(DirectionSent, payload, "TesterPresent keepalive")
				if err := c.framer.Send(ctx, payload); err != nil {
					c.journal.Record(DirectionError, nil, fmt.Sprintf("keepalive send failed: %v", err))
				} else {
					c.touch()
				}
				c.token.Release()
			}
		}
	}()
}
